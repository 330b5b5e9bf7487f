package notify

import (
	"context"
	"sync"
)

// Stream is the in-app channel: it fans events out to all active
// subscribers (SSE clients) of the recipient principal.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	principalID string
	ch          chan Event
}

// NewStream initialises an empty in-app stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Name implements Channel.
func (s *Stream) Name() string { return "in_app" }

// Send implements Channel by publishing to the recipient's subscribers.
func (s *Stream) Send(ctx context.Context, evt Event) error {
	s.Publish(evt)
	return nil
}

// Subscribe registers a subscriber for one principal's events and returns a
// channel which will receive them. The channel is closed when the provided
// context ends.
func (s *Stream) Subscribe(ctx context.Context, principalID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{principalID: principalID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to the recipient's subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.principalID != evt.RecipientID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
