package auth

import "time"

// PrincipalKind distinguishes the two account populations.
type PrincipalKind string

const (
	KindPatient      PrincipalKind = "patient"
	KindProfessional PrincipalKind = "professional"
)

// Valid reports whether the kind is one of the known populations.
func (k PrincipalKind) Valid() bool {
	return k == KindPatient || k == KindProfessional
}

// Account statuses. Only active principals may authenticate.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Principal is an authenticated identity: a patient or a professional.
// Identifier is the business identifier used at login (a medical record
// number for patients, a license number for professionals), distinct from
// the storage ID.
type Principal struct {
	ID                  string
	Kind                PrincipalKind
	Identifier          string
	Role                string
	SecretHash          string
	Status              string
	LastAuthenticatedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionInfo describes the most recently issued token for a principal as
// recorded in the expiring store.
type SessionInfo struct {
	Token        string    `json:"token"`
	Kind         string    `json:"kind"`
	Role         string    `json:"role"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}
