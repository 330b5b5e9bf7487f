package auth

import (
	"context"
	"time"
)

// Directory is the principal lookup consumed by the credential verifier.
// The relational persistence behind it is out of scope for this package.
type Directory interface {
	// FindByIdentifier resolves a principal by its business identifier
	// (medical record number or license number) within a kind.
	FindByIdentifier(ctx context.Context, kind PrincipalKind, identifier string) (*Principal, error)

	// FindByID resolves a principal by storage ID within a kind.
	FindByID(ctx context.Context, kind PrincipalKind, id string) (*Principal, error)

	// TouchLastAuthenticated records a successful credential check.
	TouchLastAuthenticated(ctx context.Context, kind PrincipalKind, id string, at time.Time) error
}
