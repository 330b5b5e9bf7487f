package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDirectory struct {
	principals map[string]*Principal // identifier -> principal
	touched    map[string]time.Time
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		principals: make(map[string]*Principal),
		touched:    make(map[string]time.Time),
	}
}

func (d *fakeDirectory) add(p Principal) {
	cp := p
	d.principals[string(p.Kind)+"/"+p.Identifier] = &cp
}

func (d *fakeDirectory) FindByIdentifier(ctx context.Context, kind PrincipalKind, identifier string) (*Principal, error) {
	p, ok := d.principals[string(kind)+"/"+identifier]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *fakeDirectory) FindByID(ctx context.Context, kind PrincipalKind, id string) (*Principal, error) {
	for _, p := range d.principals {
		if p.Kind == kind && p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (d *fakeDirectory) TouchLastAuthenticated(ctx context.Context, kind PrincipalKind, id string, at time.Time) error {
	d.touched[id] = at
	return nil
}

func TestVerifyHappyPath(t *testing.T) {
	dir := newFakeDirectory()
	hash, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	dir.add(Principal{
		ID:         "prof-1",
		Kind:       KindProfessional,
		Identifier: "LIC-12345",
		Role:       "physician",
		SecretHash: hash,
		Status:     StatusActive,
	})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(dir, WithVerifierClock(func() time.Time { return fixed }))

	p, err := v.Verify(context.Background(), KindProfessional, "LIC-12345", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ID != "prof-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.LastAuthenticatedAt == nil || !p.LastAuthenticatedAt.Equal(fixed) {
		t.Fatalf("last authenticated not touched: %v", p.LastAuthenticatedAt)
	}
	if got := dir.touched["prof-1"]; !got.Equal(fixed) {
		t.Fatalf("directory touch not recorded: %v", got)
	}
}

func TestVerifyFailures(t *testing.T) {
	dir := newFakeDirectory()
	hash, _ := HashSecret("secret")
	dir.add(Principal{ID: "p1", Kind: KindPatient, Identifier: "MRN-1", SecretHash: hash, Status: StatusActive})
	dir.add(Principal{ID: "p2", Kind: KindPatient, Identifier: "MRN-2", SecretHash: hash, Status: StatusSuspended})

	v := NewVerifier(dir)
	ctx := context.Background()

	cases := []struct {
		name       string
		kind       PrincipalKind
		identifier string
		secret     string
	}{
		{"unknown identifier", KindPatient, "MRN-404", "secret"},
		{"wrong secret", KindPatient, "MRN-1", "wrong"},
		{"suspended account", KindPatient, "MRN-2", "secret"},
		{"wrong kind", KindProfessional, "MRN-1", "secret"},
		{"empty secret", KindPatient, "MRN-1", ""},
		{"bad kind", PrincipalKind("robot"), "MRN-1", "secret"},
	}
	for _, tc := range cases {
		if _, err := v.Verify(ctx, tc.kind, tc.identifier, tc.secret); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", tc.name, err)
		}
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("pa55word")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if err := VerifySecret(hash, "pa55word"); err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if err := VerifySecret(hash, "other"); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := HashSecret(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
