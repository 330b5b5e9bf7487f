package grant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medrec.org/internal/ids"
	"medrec.org/internal/notify"
)

// Service drives the access-grant session machine:
//
//	requested -> {pending_validation | active} -> {terminated | expired}
//
// The requesting mode picks the initial branch; every transition emits a
// notification through the injected dispatcher.
type Service struct {
	store      Store
	dispatcher notify.Dispatcher
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the grant service.
func NewService(store Store, dispatcher notify.Dispatcher, opts ...Option) *Service {
	s := &Service{store: store, dispatcher: dispatcher, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is a professional's ask for temporary access to a patient record.
type Request struct {
	ProfessionalID  string
	PatientID       string
	Mode            Mode
	DurationMinutes int
	Reason          string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.ProfessionalID) == "" {
		return fmt.Errorf("%w: professional id is required", ErrValidation)
	}
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: mode must be one of %s, %s, %s",
			ErrValidation, ModePatientAuthorized, ModeEmergency, ModeCovert)
	}
	if r.DurationMinutes < MinDurationMinutes || r.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: duration must be between %d and %d minutes",
			ErrValidation, MinDurationMinutes, MaxDurationMinutes)
	}
	if n := len(r.Reason); n < MinReasonLength || n > MaxReasonLength {
		return fmt.Errorf("%w: reason must be between %d and %d characters",
			ErrValidation, MinReasonLength, MaxReasonLength)
	}
	return nil
}

// Create validates the request and creates the session in its initial
// state. Validation failures create no entity; a duplicate in-use pair is a
// conflict, never a silent duplicate.
func (s *Service) Create(ctx context.Context, req Request) (*Grant, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	g := &Grant{
		ID:              ids.New(),
		ProfessionalID:  req.ProfessionalID,
		PatientID:       req.PatientID,
		Mode:            req.Mode,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       s.now().UTC(),
	}
	switch req.Mode {
	case ModePatientAuthorized:
		g.State = StatePendingValidation
		g.RequiresApproval = true
	case ModeEmergency, ModeCovert:
		g.State = StateActive
	}

	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}

	s.dispatch(ctx, s.creationEvent(g))
	cp := *g
	return &cp, nil
}

// Get returns the grant with lazy expiry applied.
func (s *Service) Get(ctx context.Context, id string) (*Grant, error) {
	g, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	g.State = g.EffectiveState(s.now().UTC())
	return g, nil
}

// Approve moves a pending_validation grant to active. Only the target
// patient can approve.
func (s *Service) Approve(ctx context.Context, id, patientID string) (*Grant, error) {
	g, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.PatientID != patientID {
		return nil, ErrNotOwner
	}
	now := s.now().UTC()
	if g.EffectiveState(now) != StatePendingValidation {
		return nil, ErrInvalidState
	}
	g.State = StateActive
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}

	s.dispatch(ctx, notify.Event{
		Type:          notify.EventGrantApproved,
		Priority:      notify.PriorityNormal,
		RecipientID:   g.ProfessionalID,
		RecipientKind: "professional",
		Title:         "Access request approved",
		Body:          "The patient approved your access request.",
		Metadata:      map[string]string{"grant_id": g.ID},
	})
	return g, nil
}

// Terminate ends an in-use grant with a free-text reason. Only the owning
// professional may terminate.
func (s *Service) Terminate(ctx context.Context, id, professionalID, reason string) (*Grant, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: termination reason is required", ErrValidation)
	}
	g, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.ProfessionalID != professionalID {
		return nil, ErrNotOwner
	}
	now := s.now().UTC()
	if !g.EffectiveState(now).InUse() {
		return nil, ErrInvalidState
	}
	g.State = StateTerminated
	g.TerminatedAt = &now
	g.TerminationReason = reason
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}

	s.dispatch(ctx, notify.Event{
		Type:          notify.EventGrantTerminated,
		Priority:      notify.PriorityNormal,
		RecipientID:   g.PatientID,
		RecipientKind: "patient",
		Title:         "Record access ended",
		Body:          "A professional's access to your medical record has ended.",
		Metadata:      map[string]string{"grant_id": g.ID, "reason": reason},
	})
	return g, nil
}

// Abandon lets the requesting professional withdraw a grant still waiting
// for patient validation.
func (s *Service) Abandon(ctx context.Context, id, professionalID string) (*Grant, error) {
	g, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.ProfessionalID != professionalID {
		return nil, ErrNotOwner
	}
	now := s.now().UTC()
	if g.EffectiveState(now) != StatePendingValidation {
		return nil, ErrInvalidState
	}
	g.State = StateTerminated
	g.TerminatedAt = &now
	g.TerminationReason = "abandoned before validation"
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// HistoryForProfessional lists the professional's grants, lazily expired.
func (s *Service) HistoryForProfessional(ctx context.Context, professionalID string) ([]*Grant, error) {
	grants, err := s.store.ListByProfessional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	s.applyLazyExpiry(grants)
	return grants, nil
}

// HistoryForPatient lists grants targeting the patient, lazily expired.
func (s *Service) HistoryForPatient(ctx context.Context, patientID string) ([]*Grant, error) {
	grants, err := s.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s.applyLazyExpiry(grants)
	return grants, nil
}

// SweepExpired persists the expired state for every in-use grant past its
// deadline. Invoked by an external scheduler; the service never schedules
// itself.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.MarkExpired(ctx, s.now().UTC())
}

func (s *Service) applyLazyExpiry(grants []*Grant) {
	now := s.now().UTC()
	for _, g := range grants {
		g.State = g.EffectiveState(now)
	}
}

func (s *Service) creationEvent(g *Grant) notify.Event {
	meta := map[string]string{
		"grant_id":        g.ID,
		"professional_id": g.ProfessionalID,
		"mode":            string(g.Mode),
	}
	switch g.Mode {
	case ModeEmergency:
		return notify.Event{
			Type:          notify.EventSecurityAlert,
			Priority:      notify.PriorityCritical,
			RecipientID:   g.PatientID,
			RecipientKind: "patient",
			Title:         "Emergency access to your medical record",
			Body:          "A professional opened your record under the emergency protocol: " + g.Reason,
			Metadata:      meta,
		}
	case ModeCovert:
		return notify.Event{
			Type:          notify.EventCovertAccessAlert,
			Priority:      notify.PriorityHigh,
			RecipientID:   g.PatientID,
			RecipientKind: "patient",
			Title:         "Your medical record was accessed under audit authority",
			Body:          "An authorized professional accessed your record without prior notice. This access is fully audited.",
			Metadata:      meta,
		}
	default:
		return notify.Event{
			Type:          notify.EventValidationRequested,
			Priority:      notify.PriorityHigh,
			RecipientID:   g.PatientID,
			RecipientKind: "patient",
			Title:         "A professional requests access to your record",
			Body:          "Please review and approve or deny the access request: " + g.Reason,
			Metadata:      meta,
		}
	}
}

func (s *Service) dispatch(ctx context.Context, evt notify.Event) {
	if s.dispatcher == nil {
		return
	}
	// Delivery failures must not roll back a committed transition.
	_, _ = s.dispatcher.Dispatch(ctx, evt)
}
