package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{
		ID:   "prof-42",
		Kind: auth.KindProfessional,
	})

	if err := LogEvent(ctx, "auth.login", map[string]any{"outcome": "success"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "auth.login" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["principal_id"] != "prof-42" {
		t.Fatalf("unexpected principal id: %v", entry["principal_id"])
	}
	if entry["principal_kind"] != "professional" {
		t.Fatalf("unexpected principal kind: %v", entry["principal_kind"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["outcome"] != "success" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}
