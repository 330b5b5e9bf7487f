package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Verifier checks submitted identifier/secret pairs against the directory.
// It decides nothing about session creation; callers must still run the
// step-up round before a token is issued.
type Verifier struct {
	dir Directory
	now func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source (useful for tests).
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a credential verifier over the given directory.
func NewVerifier(dir Directory, opts ...VerifierOption) *Verifier {
	v := &Verifier{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify resolves the principal by business identifier, requires an active
// account and compares the secret against the stored hash. All failure
// branches collapse into ErrInvalidCredentials so the caller leaks nothing
// about which check failed.
func (v *Verifier) Verify(ctx context.Context, kind PrincipalKind, identifier, secret string) (Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if !kind.Valid() || identifier == "" || secret == "" {
		return Principal{}, ErrInvalidCredentials
	}
	p, err := v.dir.FindByIdentifier(ctx, kind, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if p.Status != StatusActive {
		return Principal{}, ErrInvalidCredentials
	}
	if err := VerifySecret(p.SecretHash, secret); err != nil {
		return Principal{}, ErrInvalidCredentials
	}

	at := v.now().UTC()
	if err := v.dir.TouchLastAuthenticated(ctx, kind, p.ID, at); err == nil {
		p.LastAuthenticatedAt = &at
	}
	return *p, nil
}
