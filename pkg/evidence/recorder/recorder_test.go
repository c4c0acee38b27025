package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/storage"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/workflow"
)

var fixed = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func testOptions() Options {
	return Options{Now: func() time.Time { return fixed }}
}

// gatedStorage blocks every Store until gate is closed.
type gatedStorage struct {
	*storage.MemoryStorage
	gate chan struct{}
}

func (g *gatedStorage) Store(ctx context.Context, r *evidence.Record) error {
	<-g.gate
	return g.MemoryStorage.Store(ctx, r)
}

// failingStorage rejects every write.
type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Store(context.Context, *evidence.Record) error {
	return errors.New("disk full")
}

func TestRecorder_RecordsEveryKind(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, DefaultConfig(), testOptions())
	ctx := context.Background()

	rec.RecordAudit(ctx, policy.AuditRecord{
		ID:            "audit-1",
		CorrelationID: "corr-1",
		RuleID:        "budget",
		Outcome:       policy.OutcomeViolation,
		Timestamp:     fixed,
	})
	rec.RecordViolation(ctx, policy.Violation{
		CorrelationID: "corr-1",
		RuleID:        "budget",
		Category:      policy.CategoryCost,
		Severity:      policy.SeverityHigh,
		Action:        policy.ActionDegrade,
	})
	rec.RecordTransition(ctx, workflow.TransitionRecord{
		WorkflowID:    "wf-1",
		CorrelationID: "corr-1",
		Entry: workflow.Entry{
			From:    workflow.StateSelectingModel,
			To:      workflow.StateExecuting,
			Event:   workflow.EventModelSelected,
			At:      fixed,
			Context: map[string]any{"backend_id": "gpt-4o-mini"},
		},
	})
	rec.RecordRoutingDecision(ctx, "corr-1", &routing.Decision{
		BackendID: "gpt-4o-mini",
		Score:     0.000123,
		Degraded:  true,
		Timestamp: fixed,
	})
	rec.RecordCircuitTransition(ctx, recovery.Transition{
		BackendID: "claude-haiku",
		From:      recovery.StatusClosed,
		To:        recovery.StatusOpen,
		Failures:  3,
		At:        fixed,
	})
	rec.RecordRoutingDecision(ctx, "corr-1", nil)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st := rec.Stats()
	if st.Stored != 5 || st.Dropped != 0 || st.Failed != 0 {
		t.Errorf("Stats() = %+v, want 5 stored", st)
	}

	for _, kind := range evidence.Kinds {
		n, _ := store.Count(ctx, &evidence.Query{Kind: kind})
		if n != 1 {
			t.Errorf("Count(%s) = %d, want 1", kind, n)
		}
	}

	audits, _ := store.Query(ctx, &evidence.Query{Kind: evidence.KindAudit})
	if audits[0].ID != "audit-1" || audits[0].Summary != "violation" || audits[0].RuleID != "budget" {
		t.Errorf("audit record = %+v", audits[0])
	}
	if !audits[0].VerifyHash() {
		t.Error("audit record hash does not verify")
	}
	if !audits[0].RecordedAt.Equal(fixed) {
		t.Errorf("RecordedAt = %v, want %v", audits[0].RecordedAt, fixed)
	}

	transitions, _ := store.Query(ctx, &evidence.Query{WorkflowID: "wf-1"})
	if len(transitions) != 1 {
		t.Fatalf("transitions for wf-1 = %d, want 1", len(transitions))
	}
	if transitions[0].BackendID != "gpt-4o-mini" {
		t.Errorf("transition BackendID = %q", transitions[0].BackendID)
	}
	if transitions[0].Summary != "selecting_model -> executing (model_selected)" {
		t.Errorf("transition Summary = %q", transitions[0].Summary)
	}

	routingRecs, _ := store.Query(ctx, &evidence.Query{Kind: evidence.KindRouting})
	if !strings.Contains(routingRecs[0].Summary, "degraded") {
		t.Errorf("routing Summary = %q, want degraded marker", routingRecs[0].Summary)
	}

	circuits, _ := store.Query(ctx, &evidence.Query{BackendID: "claude-haiku"})
	if len(circuits) != 1 || circuits[0].Summary != "closed -> open after 3 failures" {
		t.Errorf("circuit records = %+v", circuits)
	}

	violations, _ := store.Violations(ctx, &evidence.ViolationQuery{})
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].ID == "" || !violations[0].DetectedAt.Equal(fixed) {
		t.Errorf("violation defaults not applied: %+v", violations[0])
	}
}

func TestRecorder_ViolationsStartUnresolved(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, DefaultConfig(), testOptions())

	at := fixed
	rec.RecordViolation(context.Background(), policy.Violation{
		ID:         "v-1",
		Severity:   policy.SeverityLow,
		Resolved:   true,
		ResolvedAt: &at,
		ResolvedBy: "someone",
		DetectedAt: fixed,
	})
	rec.Close()

	got, _ := store.Violations(context.Background(), &evidence.ViolationQuery{})
	if len(got) != 1 {
		t.Fatalf("violations = %d, want 1", len(got))
	}
	if got[0].Resolved || got[0].ResolvedAt != nil || got[0].ResolvedBy != "" {
		t.Errorf("violation stored as resolved: %+v", got[0])
	}
}

func TestRecorder_NeverBlocksWhenQueueFull(t *testing.T) {
	store := &gatedStorage{MemoryStorage: storage.NewMemoryStorage(), gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.AsyncBuffer = 2
	rec := New(store, cfg, testOptions())

	start := time.Now()
	for i := 0; i < 10; i++ {
		rec.RecordAudit(context.Background(), policy.AuditRecord{
			ID:      fmt.Sprintf("audit-%d", i),
			RuleID:  "r",
			Outcome: policy.OutcomePass,
		})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("recording blocked for %v", elapsed)
	}

	// At most one record is held by the worker and two by the queue.
	if dropped := rec.Stats().Dropped; dropped < 7 {
		t.Errorf("Dropped = %d, want at least 7", dropped)
	}

	close(store.gate)
	rec.Close()

	st := rec.Stats()
	if st.Stored+st.Dropped != 10 {
		t.Errorf("stored %d + dropped %d != 10", st.Stored, st.Dropped)
	}
	if st.Pending != 0 {
		t.Errorf("Pending = %d after Close", st.Pending)
	}
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, DefaultConfig(), testOptions())
	rec.Close()

	rec.RecordCircuitTransition(context.Background(), recovery.Transition{BackendID: "b"})

	if rec.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", rec.Stats().Dropped)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRecorder_Disabled(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := DefaultConfig()
	cfg.Enabled = false
	rec := New(store, cfg, testOptions())

	rec.RecordAudit(context.Background(), policy.AuditRecord{ID: "a"})
	rec.RecordViolation(context.Background(), policy.Violation{ID: "v"})
	rec.Close()

	n, _ := store.Count(context.Background(), &evidence.Query{})
	if n != 0 {
		t.Errorf("disabled recorder stored %d records", n)
	}
	if st := rec.Stats(); st.Stored != 0 || st.Dropped != 0 {
		t.Errorf("Stats() = %+v, want zero", st)
	}
}

func TestRecorder_WriteFailuresCounted(t *testing.T) {
	rec := New(failingStorage{storage.NewMemoryStorage()}, DefaultConfig(), testOptions())

	rec.RecordAudit(context.Background(), policy.AuditRecord{ID: "a"})
	rec.RecordAudit(context.Background(), policy.AuditRecord{ID: "b"})
	rec.Close()

	if st := rec.Stats(); st.Failed != 2 || st.Stored != 0 {
		t.Errorf("Stats() = %+v, want 2 failed", st)
	}
}

func TestRecorder_TruncatesErrors(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := DefaultConfig()
	cfg.MaxFieldLength = 20
	rec := New(store, cfg, testOptions())

	rec.RecordAudit(context.Background(), policy.AuditRecord{
		ID:      "a",
		Outcome: policy.OutcomeError,
		Error:   strings.Repeat("x", 100),
	})
	rec.Close()

	got, _ := store.Query(context.Background(), &evidence.Query{})
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if !strings.Contains(string(got[0].Payload), `"error":"xxxxxxxxxxxxxxxxx..."`) {
		t.Errorf("payload not truncated: %s", got[0].Payload)
	}
}

func TestRecorder_ObservesBreakers(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, DefaultConfig(), testOptions())

	breakers := recovery.NewBreakers(recovery.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		recovery.BreakerOptions{Observer: rec})
	breakers.RecordFailure("gpt-4o")
	rec.Close()

	got, _ := store.Query(context.Background(), &evidence.Query{Kind: evidence.KindCircuit})
	if len(got) != 1 || got[0].BackendID != "gpt-4o" {
		t.Fatalf("circuit records = %+v", got)
	}
	if !strings.HasSuffix(got[0].Summary, "open after 1 failures") {
		t.Errorf("Summary = %q", got[0].Summary)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "ab"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
