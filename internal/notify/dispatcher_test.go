package notify

import (
	"context"
	"testing"
	"time"
)

func TestRouterRoutesByType(t *testing.T) {
	inApp := NewRecorder("in_app")
	sms := NewRecorder("sms")
	push := NewRecorder("push")
	email := NewRecorder("email")
	router := NewRouter(inApp, sms, push, email)
	ctx := context.Background()

	cases := []struct {
		evtType EventType
		want    map[string]int // channel -> delivered count delta
	}{
		{EventValidationRequested, map[string]int{"in_app": 1, "push": 1}},
		{EventSecurityAlert, map[string]int{"in_app": 1, "sms": 1, "push": 1}},
		{EventCovertAccessAlert, map[string]int{"in_app": 1, "email": 1}},
	}
	recorders := map[string]*Recorder{"in_app": inApp, "sms": sms, "push": push, "email": email}

	for _, tc := range cases {
		for _, r := range recorders {
			r.Reset()
		}
		result, err := router.Dispatch(ctx, Event{Type: tc.evtType, RecipientID: "pat-1"})
		if err != nil {
			t.Fatalf("%s: Dispatch: %v", tc.evtType, err)
		}
		if len(result.Failed) != 0 {
			t.Fatalf("%s: unexpected failures: %v", tc.evtType, result.Failed)
		}
		for name, r := range recorders {
			if got := len(r.Events()); got != tc.want[name] {
				t.Fatalf("%s: channel %s got %d events, want %d", tc.evtType, name, got, tc.want[name])
			}
		}
	}
}

func TestRouterFillsIDAndTimestamp(t *testing.T) {
	inApp := NewRecorder("in_app")
	router := NewRouter(inApp)

	if _, err := router.Dispatch(context.Background(), Event{Type: EventSecurityAlert, RecipientID: "pat-1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	events := inApp.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" || events[0].CreatedAt.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", events[0])
	}
}

func TestRouterSkipsUnregisteredChannels(t *testing.T) {
	inApp := NewRecorder("in_app")
	router := NewRouter(inApp) // no sms/push registered

	result, err := router.Dispatch(context.Background(), Event{Type: EventSecurityAlert, RecipientID: "pat-1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(result.Delivered) != 1 || result.Delivered[0] != "in_app" {
		t.Fatalf("unexpected delivery set: %v", result.Delivered)
	}
}

func TestStreamDeliversToMatchingSubscriberOnly(t *testing.T) {
	stream := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := stream.Subscribe(ctx, "pat-1")
	other := stream.Subscribe(ctx, "pat-2")

	stream.Publish(Event{Type: EventSecurityAlert, RecipientID: "pat-1", Title: "alert"})

	select {
	case evt := <-mine:
		if evt.Title != "alert" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case evt := <-other:
		t.Fatalf("wrong subscriber received event: %+v", evt)
	default:
	}
}

func TestStreamClosesOnContextEnd(t *testing.T) {
	stream := NewStream()
	ctx, cancel := context.WithCancel(context.Background())

	ch := stream.Subscribe(ctx, "pat-1")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
