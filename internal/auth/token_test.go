package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"medrec.org/internal/kv"
)

func testManager(t *testing.T, opts ...ManagerOption) (*Manager, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(store.Close)
	base := []ManagerOption{WithIssuer("medrec-test"), WithTokenTTL(time.Hour)}
	m, err := NewManager(store, []byte("test-signing-secret"), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func testPrincipal() Principal {
	return Principal{ID: "prof-1", Kind: KindProfessional, Role: "physician", Status: StatusActive}
}

func TestIssueThenValidate(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	token, exp, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := m.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "prof-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Kind != string(KindProfessional) || claims.Role != "physician" {
		t.Fatalf("kind/role not preserved: %s/%s", claims.Kind, claims.Role)
	}

	active, err := m.HasActiveSession(ctx, "prof-1")
	if err != nil {
		t.Fatalf("HasActiveSession: %v", err)
	}
	if !active {
		t.Fatal("expected active session after issue")
	}
	session, err := m.GetSession(ctx, "prof-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.Token != token {
		t.Fatalf("session entry does not reference issued token")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	for _, tok := range []string{"", "  ", "not.a.jwt", "a.b.c"} {
		if _, err := m.Validate(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Validate(%q): expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, err := NewManager(store, []byte("different-secret"), WithIssuer("medrec-test"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := other.Validate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestValidateAcceptsTokenAbsentFromStore(t *testing.T) {
	// The store is advisory: a signature-valid, unexpired token whose store
	// entries were lost must still validate.
	m, store := testManager(t)
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_ = store.Delete(ctx, "token:"+token)
	_ = store.Delete(ctx, "session:prof-1")

	if _, err := m.Validate(ctx, token); err != nil {
		t.Fatalf("expected token absent from store to validate, got %v", err)
	}
}

func TestRevokeBlocksToken(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Revoke(ctx, token, "prof-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.Validate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to fail validation, got %v", err)
	}

	// Idempotent.
	if err := m.Revoke(ctx, token, "prof-1"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	session, err := m.GetSession(ctx, "prof-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session != nil {
		t.Fatalf("expected session pointer removed, got %+v", session)
	}
}

func TestRevokeExpiredTokenIsNoOp(t *testing.T) {
	current := time.Now().UTC()
	clock := func() time.Time { return current }
	m, store := testManager(t, WithClock(clock))
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Move past natural expiry; a revocation entry must not be created with
	// a non-positive TTL.
	current = current.Add(2 * time.Hour)
	if err := m.Revoke(ctx, token, "prof-1"); err != nil {
		t.Fatalf("Revoke after expiry: %v", err)
	}
	if _, err := store.Get(ctx, "blacklist:"+token); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected no blacklist entry for expired token, got %v", err)
	}
}

func TestRevocationEntryTTLBoundedByTokenLifetime(t *testing.T) {
	current := time.Now().UTC()
	clock := func() time.Time { return current }
	m, store := testManager(t, WithClock(clock))
	ctx := context.Background()

	token, exp, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	current = current.Add(30 * time.Minute)
	if err := m.Revoke(ctx, token, "prof-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	raw, err := store.Get(ctx, "blacklist:"+token)
	if err != nil {
		t.Fatalf("blacklist entry missing: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty blacklist entry")
	}
	// The entry carries the token's own expiry, so it can never outlive it.
	if want := exp; !want.After(current) {
		t.Fatalf("test setup broken: token already expired at %v", want)
	}
}

func TestRevokeAllCoversEveryDevice(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	p := testPrincipal()

	t1, _, err := m.Issue(ctx, p)
	if err != nil {
		t.Fatalf("Issue t1: %v", err)
	}
	t2, _, err := m.Issue(ctx, p)
	if err != nil {
		t.Fatalf("Issue t2: %v", err)
	}
	t3, _, err := m.Issue(ctx, p)
	if err != nil {
		t.Fatalf("Issue t3: %v", err)
	}

	// All three remain valid before the revoke: issuing is not revoking.
	for _, tok := range []string{t1, t2, t3} {
		if _, err := m.Validate(ctx, tok); err != nil {
			t.Fatalf("pre-revoke Validate: %v", err)
		}
	}

	n, err := m.RevokeAll(ctx, p.ID)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}
	for _, tok := range []string{t1, t2, t3} {
		if _, err := m.Validate(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token survived RevokeAll: %v", err)
		}
	}
	active, err := m.HasActiveSession(ctx, p.ID)
	if err != nil {
		t.Fatalf("HasActiveSession: %v", err)
	}
	if active {
		t.Fatal("session still active after RevokeAll")
	}
}

func TestConcurrentValidateDuringRevoke(t *testing.T) {
	// A validation racing the revoke's two store writes must never see the
	// token as valid once the blacklist write has landed.
	m, _ := testManager(t)
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Revoke(ctx, token, "prof-1")
	}()
	for i := 0; i < 100; i++ {
		_, _ = m.Validate(ctx, token)
	}
	<-done

	if _, err := m.Validate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token resurrected: %v", err)
	}
}

type failingStore struct{}

func (failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return kv.ErrUnavailable
}
func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, kv.ErrUnavailable
}
func (failingStore) Delete(ctx context.Context, key string) error {
	return kv.ErrUnavailable
}

func TestIssueFailsWhenStoreDown(t *testing.T) {
	m, err := NewManager(failingStore{}, []byte("secret"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, _, err = m.Issue(context.Background(), testPrincipal())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestValidateFailsClosedWhenStoreDown(t *testing.T) {
	healthy, _ := testManager(t)
	token, _, err := healthy.Issue(context.Background(), testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	m, err := NewManager(failingStore{}, []byte("test-signing-secret"), WithIssuer("medrec-test"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected fail-closed ErrInvalidToken, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	current := time.Now().UTC()
	clock := func() time.Time { return current }
	m, _ := testManager(t, WithClock(clock))
	ctx := context.Background()

	token, _, err := m.Issue(ctx, testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	current = current.Add(time.Hour + time.Minute)
	if _, err := m.Validate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
}
