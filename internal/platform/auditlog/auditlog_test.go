package auditlog

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestValidateRequiresFields(t *testing.T) {
	e := Event{OccurredAt: time.Now(), Actor: "ops", Action: "job.kill", ResourceType: "job"}
	if err := e.Validate(); err == nil || !strings.Contains(err.Error(), "ResourceID") {
		t.Fatalf("expected ResourceID error, got %v", err)
	}
	e.ResourceID = "job-1"
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIntegrityHashIsStable(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := Event{OccurredAt: at, Actor: " ops ", Action: "job.stop", ResourceType: "job", ResourceID: "job-1"}
	a, err := ComputeIntegritySHA256(e, []byte(`{"from":"executing"}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.Actor = "ops"
	b, _ := ComputeIntegritySHA256(e, []byte(`{"from":"executing"}`))
	if a != b || len(a) != 64 {
		t.Fatalf("expected stable hash, got %q and %q", a, b)
	}
	c, _ := ComputeIntegritySHA256(e, []byte(`{"from":"stopped"}`))
	if c == a {
		t.Fatalf("expected payload to change the hash")
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInsertQueryReturnsID(t *testing.T) {
	if !strings.Contains(insertEventQuery, "RETURNING event_id") {
		t.Fatalf("unexpected query %s", insertEventQuery)
	}
}
