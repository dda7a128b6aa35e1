package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42", TenantID: "t1"})
	ctx = auth.ContextWithTenant(ctx, "t1")

	if err := LogEvent(ctx, EventRoleCreated, map[string]any{"role_id": "r1"}); err != nil {
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
	if entry["event"] != EventRoleCreated {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if entry["tenant_id"] != "t1" {
		t.Fatalf("unexpected tenant: %v", entry["tenant_id"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("timestamp missing")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["role_id"] != "r1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
