package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medrec.org/internal/kv"
)

const (
	defaultTokenTTL     = 24 * time.Hour
	defaultStoreTimeout = 2 * time.Second
	defaultIssuer       = "medrec"

	// maxSessionRefs bounds the per-principal set of live token references
	// consulted by RevokeAll. Logins beyond the cap age out the oldest
	// reference; the aged-out token still dies at its natural expiry.
	maxSessionRefs = 16
)

// Claims are the verified contents of an issued token.
type Claims struct {
	Kind string `json:"kind"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues, validates and revokes bearer tokens against the shared
// expiring store. All configuration is carried by the instance; there are
// no package-level singletons.
//
// The store is advisory for validation: a signature-valid, unexpired token
// absent from the store is still accepted, so a store outage degrades
// revocation checks rather than locking every caller out. The blacklist
// read runs first and a store error during it fails closed.
type Manager struct {
	store        kv.Store
	secret       []byte
	issuer       string
	tokenTTL     time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager) error

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) error {
		if strings.TrimSpace(issuer) != "" {
			m.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) error {
		if ttl <= 0 {
			return errors.New("auth: token ttl must be greater than zero")
		}
		m.tokenTTL = ttl
		return nil
	}
}

// WithStoreTimeout bounds each individual store call, independently of the
// caller's request deadline.
func WithStoreTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) error {
		if d > 0 {
			m.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewManager constructs a token lifecycle manager.
func NewManager(store kv.Store, secret []byte, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	m := &Manager{
		store:        store,
		secret:       secret,
		issuer:       defaultIssuer,
		tokenTTL:     defaultTokenTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TokenTTL returns the configured token lifetime.
func (m *Manager) TokenTTL() time.Duration { return m.tokenTTL }

// Store key scheme.
func tokenKey(token string) string     { return "token:" + token }
func sessionKey(id string) string      { return "session:" + id }
func sessionSetKey(id string) string   { return "sessions:" + id }
func blacklistKey(token string) string { return "blacklist:" + token }

type tokenRecord struct {
	SubjectID string    `json:"subject_id"`
	Kind      string    `json:"kind"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type blacklistRecord struct {
	PrincipalID string    `json:"principal_id"`
	RevokedAt   time.Time `json:"revoked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type sessionRef struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue mints a signed token for the principal and records it in the store:
// a token-keyed entry, the principal's current-session entry and an entry in
// the principal's live-token set, all with TTL equal to the token lifetime.
// Any store failure fails the whole issuance; the caller must not hand out a
// token that could not be recorded.
func (m *Manager) Issue(ctx context.Context, p Principal) (string, time.Time, error) {
	if p.ID == "" || !p.Kind.Valid() {
		return "", time.Time{}, ErrInvalidInput
	}
	now := m.now().UTC()
	exp := now.Add(m.tokenTTL)
	claims := Claims{
		Kind: string(p.Kind),
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	rec := tokenRecord{
		SubjectID: p.ID,
		Kind:      string(p.Kind),
		Role:      p.Role,
		IssuedAt:  now,
		ExpiresAt: exp,
	}
	if err := m.setJSON(ctx, tokenKey(token), rec, m.tokenTTL); err != nil {
		return "", time.Time{}, err
	}
	session := SessionInfo{
		Token:        token,
		Kind:         string(p.Kind),
		Role:         p.Role,
		LastActivity: now,
		ExpiresAt:    exp,
	}
	if err := m.setJSON(ctx, sessionKey(p.ID), session, m.tokenTTL); err != nil {
		return "", time.Time{}, err
	}
	if err := m.appendSessionRef(ctx, p.ID, sessionRef{Token: token, ExpiresAt: exp}); err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Validate checks a presented token. Order matters: the revocation blacklist
// is consulted first, then signature and expiry. Both a blacklist hit and a
// blacklist read error reject the token; signature+expiry remain the
// authoritative check when the token is simply absent from the store.
func (m *Manager) Validate(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	_, err := m.store.Get(sctx, blacklistKey(token))
	cancel()
	switch {
	case err == nil:
		return nil, ErrInvalidToken
	case errors.Is(err, kv.ErrNotFound):
		// not revoked
	default:
		// Store unreachable: fail closed rather than trust an unverifiable
		// revocation state.
		return nil, ErrInvalidToken
	}

	claims, err := m.parse(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	m.touchSession(ctx, claims.Subject, token)
	return claims, nil
}

// Revoke marks the token unusable before its natural expiry. The token is
// decoded without re-verifying the signature; a token already past its
// expiry produces no blacklist entry (the store would reject the
// non-positive TTL anyway). Safe to call repeatedly.
func (m *Manager) Revoke(ctx context.Context, token, principalID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	exp, sub := m.decodeUnverified(token)
	if principalID == "" {
		principalID = sub
	}

	now := m.now().UTC()
	if remaining := exp.Sub(now); !exp.IsZero() && remaining > 0 {
		rec := blacklistRecord{
			PrincipalID: principalID,
			RevokedAt:   now,
			ExpiresAt:   exp,
		}
		if err := m.setJSON(ctx, blacklistKey(token), rec, remaining); err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.Delete(sctx, tokenKey(token)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if principalID != "" {
		if session, err := m.GetSession(ctx, principalID); err == nil && session != nil && session.Token == token {
			dctx, dcancel := context.WithTimeout(ctx, m.storeTimeout)
			defer dcancel()
			if err := m.store.Delete(dctx, sessionKey(principalID)); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
		m.removeSessionRef(ctx, principalID, token)
	}
	return nil
}

// RevokeAll revokes every live token referenced by the principal's session
// set, then drops the set and the current-session pointer. Unlike a
// single-slot pointer, this covers tokens issued to other devices that are
// still within their natural lifetime.
func (m *Manager) RevokeAll(ctx context.Context, principalID string) (int, error) {
	if principalID == "" {
		return 0, ErrInvalidInput
	}
	refs, err := m.sessionRefs(ctx, principalID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	revoked := 0
	now := m.now().UTC()
	for _, ref := range refs {
		remaining := ref.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		rec := blacklistRecord{
			PrincipalID: principalID,
			RevokedAt:   now,
			ExpiresAt:   ref.ExpiresAt,
		}
		if err := m.setJSON(ctx, blacklistKey(ref.Token), rec, remaining); err != nil {
			return revoked, err
		}
		sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		_ = m.store.Delete(sctx, tokenKey(ref.Token))
		cancel()
		revoked++
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.Delete(sctx, sessionSetKey(principalID)); err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	dctx, dcancel := context.WithTimeout(ctx, m.storeTimeout)
	defer dcancel()
	if err := m.store.Delete(dctx, sessionKey(principalID)); err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return revoked, nil
}

// HasActiveSession reports whether the principal's current-session entry is
// present and not yet past its expiry.
func (m *Manager) HasActiveSession(ctx context.Context, principalID string) (bool, error) {
	session, err := m.GetSession(ctx, principalID)
	if err != nil {
		return false, err
	}
	return session != nil && m.now().UTC().Before(session.ExpiresAt), nil
}

// GetSession returns the principal's current-session entry, or nil when no
// session is recorded.
func (m *Manager) GetSession(ctx context.Context, principalID string) (*SessionInfo, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	raw, err := m.store.Get(sctx, sessionKey(principalID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var session SessionInfo
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session entry: %w", err)
	}
	return &session, nil
}

func (m *Manager) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != m.issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if !PrincipalKind(claims.Kind).Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// decodeUnverified extracts expiry and subject without signature checks,
// for revocation bookkeeping only.
func (m *Manager) decodeUnverified(token string) (time.Time, string) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, ""
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return exp, claims.Subject
}

// touchSession refreshes the current-session entry's last-activity stamp.
// Best effort: the session entry is an audit aid, not a validity gate.
func (m *Manager) touchSession(ctx context.Context, principalID, token string) {
	session, err := m.GetSession(ctx, principalID)
	if err != nil || session == nil || session.Token != token {
		return
	}
	now := m.now().UTC()
	remaining := session.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return
	}
	session.LastActivity = now
	_ = m.setJSON(ctx, sessionKey(principalID), session, remaining)
}

func (m *Manager) sessionRefs(ctx context.Context, principalID string) ([]sessionRef, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	raw, err := m.store.Get(sctx, sessionSetKey(principalID))
	if err != nil {
		return nil, err
	}
	var refs []sessionRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// appendSessionRef records the token in the principal's session set so
// RevokeAll can find it later. The read-modify-write is not atomic: two
// logins for the same principal racing through here can drop one ref, and
// RevokeAll would then miss that token until it expires on its own. The
// set is an advisory index over tokens that are individually TTL-bounded,
// so the failure mode is a shortened log-out-everywhere, never a live
// token surviving its own expiry.
func (m *Manager) appendSessionRef(ctx context.Context, principalID string, ref sessionRef) error {
	refs, err := m.sessionRefs(ctx, principalID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := m.now().UTC()
	pruned := make([]sessionRef, 0, len(refs)+1)
	for _, r := range refs {
		if r.ExpiresAt.After(now) && r.Token != ref.Token {
			pruned = append(pruned, r)
		}
	}
	pruned = append(pruned, ref)
	if len(pruned) > maxSessionRefs {
		pruned = pruned[len(pruned)-maxSessionRefs:]
	}

	// The set's TTL tracks the longest-lived member so it never outlives
	// the tokens it references.
	var latest time.Time
	for _, r := range pruned {
		if r.ExpiresAt.After(latest) {
			latest = r.ExpiresAt
		}
	}
	return m.setJSON(ctx, sessionSetKey(principalID), pruned, latest.Sub(now))
}

func (m *Manager) removeSessionRef(ctx context.Context, principalID, token string) {
	refs, err := m.sessionRefs(ctx, principalID)
	if err != nil {
		return
	}
	now := m.now().UTC()
	kept := make([]sessionRef, 0, len(refs))
	var latest time.Time
	for _, r := range refs {
		if r.Token == token || !r.ExpiresAt.After(now) {
			continue
		}
		kept = append(kept, r)
		if r.ExpiresAt.After(latest) {
			latest = r.ExpiresAt
		}
	}
	if len(kept) == 0 {
		sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		defer cancel()
		_ = m.store.Delete(sctx, sessionSetKey(principalID))
		return
	}
	_ = m.setJSON(ctx, sessionSetKey(principalID), kept, latest.Sub(now))
}

func (m *Manager) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode store entry: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.Set(sctx, key, data, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
