package grant

import (
	"errors"
	"time"
)

// Mode is the trust level under which a professional requests access.
type Mode string

const (
	// ModePatientAuthorized waits for explicit patient approval before the
	// grant becomes usable.
	ModePatientAuthorized Mode = "patient_authorized"

	// ModeEmergency activates immediately; urgency outweighs prior consent.
	// The patient is alerted retroactively.
	ModeEmergency Mode = "emergency"

	// ModeCovert activates immediately without the patient's foreknowledge,
	// for investigative/audit scenarios. The patient is always alerted.
	ModeCovert Mode = "covert"
)

// Valid reports whether the mode is one of the three named modes.
func (m Mode) Valid() bool {
	return m == ModePatientAuthorized || m == ModeEmergency || m == ModeCovert
}

// State of a grant session. pending_validation and active are the two
// non-terminal "in use" states; terminated and expired are terminal.
type State string

const (
	StatePendingValidation State = "pending_validation"
	StateActive            State = "active"
	StateTerminated        State = "terminated"
	StateExpired           State = "expired"
)

// InUse reports whether the state still blocks a new grant for the pair.
func (s State) InUse() bool {
	return s == StatePendingValidation || s == StateActive
}

// Duration and reason bounds enforced before any state is created.
const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 1440
	MinReasonLength    = 10
	MaxReasonLength    = 500
)

// Grant is one access-grant session. Once terminated or expired it is
// immutable.
type Grant struct {
	ID                string     `json:"id"`
	ProfessionalID    string     `json:"professional_id"`
	PatientID         string     `json:"patient_id"`
	Mode              Mode       `json:"mode"`
	RequiresApproval  bool       `json:"requires_approval"`
	Reason            string     `json:"reason"`
	DurationMinutes   int        `json:"duration_minutes"`
	State             State      `json:"state"`
	CreatedAt         time.Time  `json:"created_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// Deadline is the instant the requested duration runs out.
func (g *Grant) Deadline() time.Time {
	return g.CreatedAt.Add(time.Duration(g.DurationMinutes) * time.Minute)
}

// EffectiveState applies lazy expiry: an in-use grant whose deadline has
// passed reads as expired. There is no internal clock driving the machine;
// expiry is detected on read and persisted by the sweep.
func (g *Grant) EffectiveState(now time.Time) State {
	if g.State.InUse() && !now.Before(g.Deadline()) {
		return StateExpired
	}
	return g.State
}

var (
	ErrValidation   = errors.New("grant: validation failed")
	ErrConflict     = errors.New("grant: grant already in use for this pair")
	ErrNotFound     = errors.New("grant: not found")
	ErrNotOwner     = errors.New("grant: caller does not own this grant")
	ErrInvalidState = errors.New("grant: transition not allowed from current state")
)
