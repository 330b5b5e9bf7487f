package kv

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process Store backed by a TTL cache. It serves single-node
// deployments and tests; multi-instance deployments point the same interface
// at a shared networked backend instead.
type Memory struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemory creates a started in-memory store. Call Close when done.
func NewMemory() *Memory {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()
	return &Memory{cache: cache}
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.cache.Set(key, buf, ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item := m.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	value := item.Value()
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cache.Delete(key)
	return nil
}

// Close stops the background expiration loop.
func (m *Memory) Close() {
	m.cache.Stop()
}

var _ Store = (*Memory)(nil)
