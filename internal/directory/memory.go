package directory

import (
	"context"
	"sync"
	"time"

	"medrec.org/internal/auth"
	"medrec.org/internal/stepup"
)

// Memory is an in-process directory for tests and single-node development
// runs. It applies the same not-found and single-use rules as the Postgres
// store.
type Memory struct {
	mu          sync.RWMutex
	principals  map[string]*auth.Principal // keyed by kind+"/"+id
	enrollments map[string]*stepup.Enrollment
	codes       map[string][]stepup.RecoveryCode
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		principals:  make(map[string]*auth.Principal),
		enrollments: make(map[string]*stepup.Enrollment),
		codes:       make(map[string][]stepup.RecoveryCode),
	}
}

// AddPrincipal registers a principal. Intended for seeding.
func (d *Memory) AddPrincipal(p auth.Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[principalKey(p.Kind, p.ID)] = &p
}

func principalKey(kind auth.PrincipalKind, id string) string {
	return string(kind) + "/" + id
}

func (d *Memory) FindByIdentifier(ctx context.Context, kind auth.PrincipalKind, identifier string) (*auth.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.principals {
		if p.Kind == kind && p.Identifier == identifier {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (d *Memory) FindByID(ctx context.Context, kind auth.PrincipalKind, id string) (*auth.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[principalKey(kind, id)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *Memory) TouchLastAuthenticated(ctx context.Context, kind auth.PrincipalKind, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[principalKey(kind, id)]
	if !ok {
		return auth.ErrNotFound
	}
	t := at
	p.LastAuthenticatedAt = &t
	p.UpdatedAt = at
	return nil
}

func (d *Memory) FindEnrollment(ctx context.Context, principalID string) (*stepup.Enrollment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.enrollments[principalID]
	if !ok {
		return nil, stepup.ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (d *Memory) SaveEnrollment(ctx context.Context, e *stepup.Enrollment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *e
	d.enrollments[e.PrincipalID] = &cp
	return nil
}

func (d *Memory) ListRecoveryCodes(ctx context.Context, principalID string) ([]stepup.RecoveryCode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]stepup.RecoveryCode, len(d.codes[principalID]))
	copy(out, d.codes[principalID])
	return out, nil
}

func (d *Memory) ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []stepup.RecoveryCode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]stepup.RecoveryCode, len(codes))
	copy(cp, codes)
	d.codes[principalID] = cp
	return nil
}

func (d *Memory) ConsumeRecoveryCode(ctx context.Context, principalID, codeID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, rc := range d.codes[principalID] {
		if rc.ID == codeID && !rc.Used {
			t := at
			d.codes[principalID][i].Used = true
			d.codes[principalID][i].UsedAt = &t
			return nil
		}
	}
	return stepup.ErrInvalidRecoveryCode
}

var (
	_ auth.Directory = (*Memory)(nil)
	_ stepup.Store   = (*Memory)(nil)
)
