package grant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It mirrors
// the Postgres store's conflict rule with a conditional insert under one
// mutex. Suitable for tests and single-node development runs.
type InMemory struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{grants: make(map[string]*Grant)}
}

func (s *InMemory) Create(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.grants {
		if existing.ProfessionalID != g.ProfessionalID || existing.PatientID != g.PatientID {
			continue
		}
		// Effective state, not stored state: a lapsed grant must not block
		// the pair while it waits for the periodic sweep. Settle it here.
		switch existing.EffectiveState(g.CreatedAt) {
		case StateExpired:
			existing.State = StateExpired
		case StatePendingValidation, StateActive:
			return ErrConflict
		}
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *InMemory) Update(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; !ok {
		return ErrNotFound
	}
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *InMemory) ListByProfessional(ctx context.Context, professionalID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(g *Grant) bool { return g.ProfessionalID == professionalID }), nil
}

func (s *InMemory) ListByPatient(ctx context.Context, patientID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(g *Grant) bool { return g.PatientID == patientID }), nil
}

func (s *InMemory) list(match func(*Grant) bool) []*Grant {
	var out []*Grant
	for _, g := range s.grants {
		if match(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *InMemory) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, g := range s.grants {
		if g.State.InUse() && !now.Before(g.Deadline()) {
			g.State = StateExpired
			count++
		}
	}
	return count, nil
}

var _ Store = (*InMemory)(nil)
