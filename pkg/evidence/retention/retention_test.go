package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/storage"
	"mercator-hq/conductor/pkg/policy"
)

var now = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

func newTestPruner(t *testing.T, store evidence.Storage, cfg Config) *Pruner {
	t.Helper()
	p := NewPruner(store, cfg, nil)
	p.now = func() time.Time { return now }
	return p
}

func seed(t *testing.T, store evidence.Storage, kind evidence.Kind, id string, age time.Duration) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q}`, id))
	err := store.Store(context.Background(), &evidence.Record{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		Hash:      evidence.HashPayload(payload),
		Timestamp: now.Add(-age),
	})
	if err != nil {
		t.Fatalf("Store(%s) error = %v", id, err)
	}
}

func seedViolation(t *testing.T, store evidence.Storage, id string, age time.Duration, resolved bool) {
	t.Helper()
	ctx := context.Background()
	err := store.StoreViolation(ctx, policy.Violation{
		ID:         id,
		RuleID:     "r",
		Category:   policy.CategoryCost,
		Phase:      policy.PhasePreFlight,
		Severity:   policy.SeverityHigh,
		Action:     policy.ActionBlock,
		DetectedAt: now.Add(-age),
	})
	if err != nil {
		t.Fatalf("StoreViolation(%s) error = %v", id, err)
	}
	if resolved {
		store.ResolveViolation(ctx, id, "ops", "", now)
	}
}

const day = 24 * time.Hour

func TestPruner_PruneByAge(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, evidence.KindAudit, "old-audit", 100*day)
	seed(t, store, evidence.KindCircuit, "old-circuit", 91*day)
	seed(t, store, evidence.KindAudit, "recent", 10*day)
	seedViolation(t, store, "old-resolved", 100*day, true)
	seedViolation(t, store, "old-open", 100*day, false)
	seedViolation(t, store, "recent-resolved", day, true)

	p := newTestPruner(t, store, Config{RetentionDays: 90})
	res, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if res.ByAge != 2 {
		t.Errorf("ByAge = %d, want 2", res.ByAge)
	}
	if res.Violations != 1 {
		t.Errorf("Violations = %d, want 1", res.Violations)
	}
	if res.Total() != 3 {
		t.Errorf("Total() = %d, want 3", res.Total())
	}

	left, _ := store.Query(context.Background(), &evidence.Query{})
	if len(left) != 1 || left[0].ID != "recent" {
		t.Errorf("remaining records = %v", left)
	}
	violations, _ := store.Violations(context.Background(), &evidence.ViolationQuery{})
	if len(violations) != 2 {
		t.Errorf("remaining violations = %d, want 2 (open ones are kept)", len(violations))
	}
}

func TestPruner_KeepsRecordAtCutoff(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, evidence.KindAudit, "edge", 90*day)

	p := newTestPruner(t, store, Config{RetentionDays: 90})
	res, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if res.ByAge != 0 {
		t.Errorf("record exactly at cutoff was pruned")
	}
}

func TestPruner_ZeroRetentionKeepsEverything(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, evidence.KindAudit, "ancient", 3650*day)
	seedViolation(t, store, "ancient-v", 3650*day, true)

	p := newTestPruner(t, store, Config{})
	res, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if res.Total() != 0 {
		t.Errorf("Prune() removed %d with retention disabled", res.Total())
	}
}

func TestPruner_PruneByCount(t *testing.T) {
	store := storage.NewMemoryStorage()
	for i := 0; i < 5; i++ {
		seed(t, store, evidence.KindAudit, fmt.Sprintf("audit-%d", i), time.Duration(i)*time.Hour)
	}
	seed(t, store, evidence.KindRouting, "routing-0", time.Hour)
	seed(t, store, evidence.KindRouting, "routing-1", 2*time.Hour)

	p := newTestPruner(t, store, Config{MaxRecords: 3})
	res, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if res.ByCount != 2 {
		t.Errorf("ByCount = %d, want 2", res.ByCount)
	}

	audits, _ := store.Query(context.Background(), &evidence.Query{Kind: evidence.KindAudit, SortOrder: "asc"})
	if len(audits) != 3 {
		t.Fatalf("audits left = %d, want 3", len(audits))
	}
	// audit-0 is the newest (age 0); audit-3 and audit-4 are the oldest.
	for _, r := range audits {
		if r.ID == "audit-3" || r.ID == "audit-4" {
			t.Errorf("oldest record %s survived", r.ID)
		}
	}

	routing, _ := store.Count(context.Background(), &evidence.Query{Kind: evidence.KindRouting})
	if routing != 2 {
		t.Errorf("routing records = %d, want 2 (under limit)", routing)
	}
}

func TestPruner_ArchiveBeforeDelete(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMemoryStorage()
	seed(t, store, evidence.KindAudit, "old-1", 200*day)
	seed(t, store, evidence.KindTransition, "old-2", 150*day)
	seed(t, store, evidence.KindAudit, "recent", day)

	p := newTestPruner(t, store, Config{RetentionDays: 90, ArchiveBeforeDelete: true, ArchivePath: dir})
	if _, err := p.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "evidence-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("archive files = %v (err %v), want 1", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var archived []*evidence.Record
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatalf("archive is not a JSON array: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("archived %d records, want 2", len(archived))
	}
	if archived[0].ID != "old-1" {
		t.Errorf("archive should be oldest first, got %s", archived[0].ID)
	}
	for _, r := range archived {
		if !r.VerifyHash() {
			t.Errorf("archived record %s fails hash verification", r.ID)
		}
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	p := newTestPruner(t, storage.NewMemoryStorage(), Config{PruneSchedule: "not a cron"})
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start() with invalid schedule should fail")
	}
	if p.scheduler.IsRunning() {
		t.Error("scheduler running after failed start")
	}
}

func TestScheduler_EmptyScheduleIsNoop(t *testing.T) {
	p := newTestPruner(t, storage.NewMemoryStorage(), Config{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.scheduler.IsRunning() {
		t.Error("scheduler should not run without a schedule")
	}
	if p.NextPruning() != nil {
		t.Error("NextPruning() should be nil when idle")
	}
	p.Stop()
}

func TestScheduler_StartStop(t *testing.T) {
	p := newTestPruner(t, storage.NewMemoryStorage(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !p.scheduler.IsRunning() {
		t.Fatal("scheduler not running after Start")
	}
	if err := p.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	next := p.NextPruning()
	if next == nil {
		t.Fatal("NextPruning() = nil while running")
	}
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("next run at %v, want 03:00", next)
	}

	p.Stop()
	if p.scheduler.IsRunning() {
		t.Error("scheduler still running after Stop")
	}
	p.Stop()
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	p := newTestPruner(t, storage.NewMemoryStorage(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for p.scheduler.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not stop after context cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
