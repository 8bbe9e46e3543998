package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"fintrail.org/internal/obs"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	trail := NewInMemory()
	ctx := context.Background()

	entry := &Entry{
		ActorID:  "user-1",
		Action:   "create",
		Resource: "invoice",
		Outcome:  OutcomeAllowed,
	}
	if err := trail.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected generated id")
	}
	if entry.OccurredAt.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestAppendRejectsInvalidEntry(t *testing.T) {
	trail := NewInMemory()
	ctx := context.Background()

	cases := []*Entry{
		nil,
		{Action: "create", Resource: "invoice", Outcome: OutcomeAllowed},
		{ActorID: "u", Resource: "invoice", Outcome: OutcomeAllowed},
		{ActorID: "u", Action: "create", Outcome: OutcomeAllowed},
		{ActorID: "u", Action: "create", Resource: "invoice", Outcome: "maybe"},
	}
	for i, entry := range cases {
		if err := trail.Append(ctx, entry); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestListFilters(t *testing.T) {
	trail := NewInMemory()
	ctx := context.Background()

	seed := []Entry{
		{ActorID: "alice", Action: "create", Resource: "client", Outcome: OutcomeAllowed},
		{ActorID: "bob", Action: "delete", Resource: "transaction", Outcome: OutcomeDenied},
		{ActorID: "alice", Action: "update", Resource: "invoice", Outcome: OutcomeDenied},
	}
	for i := range seed {
		e := seed[i]
		if err := trail.Append(ctx, &e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	byActor, err := trail.List(ctx, Filter{ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byActor) != 2 {
		t.Fatalf("expected 2 entries for alice, got %d", len(byActor))
	}

	denied, err := trail.List(ctx, Filter{Outcome: OutcomeDenied})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 2 {
		t.Fatalf("expected 2 denied entries, got %d", len(denied))
	}

	limited, err := trail.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestLogEvent(t *testing.T) {
	logger := logOutput(t)

	ctx := WithRequestID(context.Background(), "req-123")
	if err := LogEvent(ctx, "ledger.transaction.record", map[string]any{"client_id": "c1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := logger.String()
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
	if entry["event"] != "ledger.transaction.record" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["client_id"] != "c1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func logOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}
