package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("kv: not found")
	ErrInvalidTTL  = errors.New("kv: ttl must be greater than zero")
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the contract for the shared expiring key-value store backing
// tokens, session pointers and revocation entries. Every write carries a
// TTL so entries self-expire; the store never accepts a write without one.
// The shape matches a networked backend (Redis-style) so the in-memory
// implementation can be swapped for one without touching callers.
type Store interface {
	// Set writes value under key with the given TTL. ttl <= 0 is rejected
	// with ErrInvalidTTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound if the key is
	// absent or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
