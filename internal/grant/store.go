package grant

import (
	"context"
	"time"
)

// Store persists grant sessions.
//
// Create must enforce the one-in-use-grant-per-pair rule itself (unique
// constraint or conditional write), not rely on a caller-side check:
// multiple server instances create grants concurrently.
type Store interface {
	// Create inserts the grant. Returns ErrConflict when an in-use grant
	// already exists for the (professional, patient) pair.
	Create(ctx context.Context, g *Grant) error

	// Find returns the grant by id, or ErrNotFound.
	Find(ctx context.Context, id string) (*Grant, error)

	// Update rewrites the mutable fields (state, termination).
	Update(ctx context.Context, g *Grant) error

	// ListByProfessional returns the professional's grants, newest first.
	ListByProfessional(ctx context.Context, professionalID string) ([]*Grant, error)

	// ListByPatient returns grants targeting the patient, newest first.
	ListByPatient(ctx context.Context, patientID string) ([]*Grant, error)

	// MarkExpired transitions in-use grants whose deadline precedes now to
	// expired and reports how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}
