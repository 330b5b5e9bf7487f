package stepup

import (
	"context"
	"errors"
	"time"
)

// EnrollmentState tracks how far a principal is through second-factor setup.
type EnrollmentState string

const (
	// StatePending: a secret exists but no code has ever verified against
	// it. The same pending secret is returned on every challenge instead of
	// being re-derived, so an attacker probing round 1 learns nothing new.
	StatePending EnrollmentState = "pending"

	// StateActive: the principal has proven possession of the secret at
	// least once and it is trusted for verification.
	StateActive EnrollmentState = "active"
)

// Enrollment is the second-factor record for one principal.
type Enrollment struct {
	PrincipalID string
	Secret      string
	State       EnrollmentState
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// RecoveryCode is one single-use fallback secret. Only the hash is stored;
// the plaintext is shown exactly once, when the set is generated.
type RecoveryCode struct {
	ID       string
	CodeHash string
	Used     bool
	UsedAt   *time.Time
}

var (
	ErrNotEnrolled         = errors.New("stepup: no confirmed enrollment")
	ErrEnrollmentNotFound  = errors.New("stepup: enrollment not found")
	ErrInvalidCode         = errors.New("stepup: invalid code")
	ErrInvalidRecoveryCode = errors.New("stepup: invalid recovery code")
)

// Store persists enrollments and recovery codes.
type Store interface {
	FindEnrollment(ctx context.Context, principalID string) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e *Enrollment) error
	ListRecoveryCodes(ctx context.Context, principalID string) ([]RecoveryCode, error)
	ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []RecoveryCode) error
	ConsumeRecoveryCode(ctx context.Context, principalID, codeID string, at time.Time) error
}
