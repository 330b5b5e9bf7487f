package notify

import (
	"context"
	"sync"
	"time"

	"medrec.org/internal/ids"
)

// Channel is one delivery transport (email, SMS, push, in-app). The real
// email/SMS/push transports live outside this service; implementations here
// are the in-app stream and test recorders.
type Channel interface {
	Name() string
	Send(ctx context.Context, evt Event) error
}

// DeliveryResult reports which channels accepted an event.
type DeliveryResult struct {
	Delivered []string
	Failed    []string
}

// Dispatcher routes events to delivery channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt Event) (DeliveryResult, error)
}

// Router selects channels per event type and priority and fans the event
// out. A channel failure never blocks the others; the result lists both
// outcomes so callers can decide what a partial delivery means to them.
type Router struct {
	channels map[string]Channel
	now      func() time.Time
}

// NewRouter builds a dispatcher over the given channels.
func NewRouter(channels ...Channel) *Router {
	r := &Router{channels: make(map[string]Channel, len(channels)), now: time.Now}
	for _, ch := range channels {
		r.channels[ch.Name()] = ch
	}
	return r
}

// channelsFor picks transports: consent requests go to reachable-anywhere
// channels, emergency alerts additionally page SMS/push, covert alerts are
// forced onto email so there is a record outside the app.
func channelsFor(evt Event) []string {
	switch evt.Type {
	case EventValidationRequested:
		return []string{"in_app", "push"}
	case EventSecurityAlert:
		return []string{"in_app", "sms", "push"}
	case EventCovertAccessAlert:
		return []string{"in_app", "email"}
	default:
		if evt.Priority == PriorityCritical || evt.Priority == PriorityHigh {
			return []string{"in_app", "push"}
		}
		return []string{"in_app"}
	}
}

// Dispatch routes the event. Missing channels are skipped: deployments may
// register only a subset of transports.
func (r *Router) Dispatch(ctx context.Context, evt Event) (DeliveryResult, error) {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = r.now().UTC()
	}

	var result DeliveryResult
	for _, name := range channelsFor(evt) {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if err := ch.Send(ctx, evt); err != nil {
			result.Failed = append(result.Failed, name)
			continue
		}
		result.Delivered = append(result.Delivered, name)
	}
	return result, nil
}

// Recorder is a Channel that remembers everything sent through it.
type Recorder struct {
	name string

	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recording channel with the given name.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) Send(ctx context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events matching the given type.
func (r *Recorder) ByType(t EventType) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Discard is a Dispatcher that drops everything. Useful where notification
// side effects are irrelevant.
type Discard struct{}

func (Discard) Dispatch(ctx context.Context, evt Event) (DeliveryResult, error) {
	return DeliveryResult{}, nil
}
