package stepup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"medrec.org/internal/ids"
	"medrec.org/internal/kv"
)

const (
	recoveryCodeCount  = 8
	recoveryCodeLength = 8

	// Charset omits characters easily confused when read back over a phone.
	recoveryCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// replayTTL covers the full acceptance window of a code plus one step,
	// so a code cannot be replayed anywhere inside the window it is valid.
	replayTTL = (2*codeSkew + 1) * codePeriod * time.Second
)

// Service runs the step-up (second factor) protocol: challenge issuance with
// explicit enrollment states, code verification with single-use enforcement,
// and single-use recovery codes.
type Service struct {
	store  Store
	replay kv.Store
	issuer string
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer sets the issuer label embedded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the step-up authenticator. The replay store holds
// short-lived used-code markers and must be the same shared store across
// server instances, or a code could be replayed against another instance.
func NewService(store Store, replay kv.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		replay: replay,
		issuer: "medrec",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Challenge is what round 1 of the login protocol hands back.
type Challenge struct {
	// Secret and ProvisioningURI are set only while enrollment is pending;
	// an enrolled principal already holds the secret.
	Secret          string
	ProvisioningURI string

	// RecoveryCodes is the plaintext set, present only on the challenge
	// that created the enrollment.
	RecoveryCodes []string

	Enrolled bool
}

// BeginChallenge prepares the second-factor round for a principal. On the
// first ever challenge it creates a pending enrollment with a fresh secret
// and a recovery-code set; later challenges return the same pending secret
// (never a re-derived one) until a code confirms the enrollment.
func (s *Service) BeginChallenge(ctx context.Context, principalID, accountName string) (*Challenge, error) {
	if principalID == "" {
		return nil, errors.New("stepup: principal id is required")
	}
	enrollment, err := s.store.FindEnrollment(ctx, principalID)
	switch {
	case errors.Is(err, ErrEnrollmentNotFound):
		return s.enroll(ctx, principalID, accountName)
	case err != nil:
		return nil, err
	}

	if enrollment.State == StateActive {
		return &Challenge{Enrolled: true}, nil
	}
	return &Challenge{
		Secret:          enrollment.Secret,
		ProvisioningURI: ProvisioningURI(s.issuer, accountName, enrollment.Secret),
	}, nil
}

func (s *Service) enroll(ctx context.Context, principalID, accountName string) (*Challenge, error) {
	secret, err := GenerateSecret(s.issuer, accountName)
	if err != nil {
		return nil, err
	}
	enrollment := &Enrollment{
		PrincipalID: principalID,
		Secret:      secret,
		State:       StatePending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	plaintext, hashed, err := generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceRecoveryCodes(ctx, principalID, hashed); err != nil {
		return nil, err
	}

	return &Challenge{
		Secret:          secret,
		ProvisioningURI: ProvisioningURI(s.issuer, accountName, secret),
		RecoveryCodes:   plaintext,
	}, nil
}

// VerifyCode checks a submitted 6-digit code for the principal, enforcing
// single use across the whole acceptance window. The first successful code
// against a pending enrollment confirms it.
func (s *Service) VerifyCode(ctx context.Context, principalID, code string) error {
	code = strings.TrimSpace(code)
	if principalID == "" || code == "" {
		return ErrInvalidCode
	}
	enrollment, err := s.store.FindEnrollment(ctx, principalID)
	if errors.Is(err, ErrEnrollmentNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return err
	}

	replayKey := "stepup:used:" + principalID + ":" + code
	if _, err := s.replay.Get(ctx, replayKey); err == nil {
		return ErrInvalidCode
	}

	if !ValidateCode(code, enrollment.Secret, s.now().UTC()) {
		return ErrInvalidCode
	}

	// Mark before reporting success: a failed write must not open a replay.
	if err := s.replay.Set(ctx, replayKey, []byte("1"), replayTTL); err != nil {
		return fmt.Errorf("stepup: record used code: %w", err)
	}

	if enrollment.State == StatePending {
		now := s.now().UTC()
		enrollment.State = StateActive
		enrollment.ConfirmedAt = &now
		if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
			return err
		}
	}
	return nil
}

// VerifyRecoveryCode checks a fallback code against the unused set and
// consumes it on match. Returns how many unused codes remain, so the caller
// can warn a principal running low.
func (s *Service) VerifyRecoveryCode(ctx context.Context, principalID, code string) (int, error) {
	normalized := normalizeRecoveryCode(code)
	if principalID == "" || normalized == "" {
		return -1, ErrInvalidRecoveryCode
	}
	enrollment, err := s.store.FindEnrollment(ctx, principalID)
	if errors.Is(err, ErrEnrollmentNotFound) {
		return -1, ErrNotEnrolled
	}
	if err != nil {
		return -1, err
	}
	if enrollment.State != StateActive {
		return -1, ErrNotEnrolled
	}

	codes, err := s.store.ListRecoveryCodes(ctx, principalID)
	if err != nil {
		return -1, err
	}
	unused := 0
	var match *RecoveryCode
	for i := range codes {
		if codes[i].Used {
			continue
		}
		unused++
		if match == nil && bcrypt.CompareHashAndPassword([]byte(codes[i].CodeHash), []byte(normalized)) == nil {
			match = &codes[i]
		}
	}
	if match == nil {
		return -1, ErrInvalidRecoveryCode
	}
	if err := s.store.ConsumeRecoveryCode(ctx, principalID, match.ID, s.now().UTC()); err != nil {
		return -1, err
	}
	return unused - 1, nil
}

func normalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	return strings.ReplaceAll(code, "-", "")
}

func generateRecoveryCodes() ([]string, []RecoveryCode, error) {
	plaintext := make([]string, 0, recoveryCodeCount)
	hashed := make([]RecoveryCode, 0, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		code, err := randomCode(recoveryCodeLength)
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, err
		}
		plaintext = append(plaintext, code)
		hashed = append(hashed, RecoveryCode{ID: ids.New(), CodeHash: string(hash)})
	}
	return plaintext, hashed, nil
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = recoveryCodeCharset[int(b)%len(recoveryCodeCharset)]
	}
	return string(out), nil
}
