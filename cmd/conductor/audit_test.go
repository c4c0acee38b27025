package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/storage"
	"mercator-hq/conductor/pkg/policy"
)

// seedAudit writes records and violations straight into the fixture's
// audit database.
func seedAudit(t *testing.T, f *fixture, records []*evidence.Record, violations []policy.Violation) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(f.auditPath), 0o755); err != nil {
		t.Fatalf("failed to create audit directory: %v", err)
	}
	cfg := storage.DefaultSQLiteConfig()
	cfg.Path = f.auditPath
	st, err := storage.NewSQLiteStorage(cfg)
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, r := range records {
		if err := st.Store(ctx, r); err != nil {
			t.Fatalf("failed to store record: %v", err)
		}
	}
	for _, v := range violations {
		if err := st.StoreViolation(ctx, v); err != nil {
			t.Fatalf("failed to store violation: %v", err)
		}
	}
}

func auditRecord(kind evidence.Kind, correlationID, ruleID, summary string, at time.Time) *evidence.Record {
	payload := []byte(`{"rule_id":"` + ruleID + `","outcome":"` + summary + `"}`)
	return &evidence.Record{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		RuleID:        ruleID,
		Summary:       summary,
		Payload:       payload,
		Hash:          evidence.HashPayload(payload),
		Timestamp:     at,
		RecordedAt:    at,
	}
}

func testViolation(id, ruleID string, severity policy.Severity, at time.Time) policy.Violation {
	return policy.Violation{
		ID:            id,
		CorrelationID: "corr-" + id,
		RuleID:        ruleID,
		Category:      policy.CategoryBehavioral,
		Phase:         policy.PhasePreFlight,
		Severity:      severity,
		Action:        policy.ActionBlock,
		DetectedAt:    at,
	}
}

func TestAuditQuery(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	now := time.Now().UTC()
	seedAudit(t, f, []*evidence.Record{
		auditRecord(evidence.KindAudit, "corr-1", "prompt-cap", "pass", now.Add(-2*time.Minute)),
		auditRecord(evidence.KindAudit, "corr-2", "prompt-cap", "violation", now.Add(-time.Minute)),
		auditRecord(evidence.KindTransition, "corr-2", "", "idle -> analyzing", now.Add(-time.Minute)),
	}, nil)

	t.Run("text filtered by kind", func(t *testing.T) {
		out, err := f.run(t, "audit", "query", "--kind", "audit")
		if err != nil {
			t.Fatalf("query failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "corr-1") || !strings.Contains(out, "corr-2") {
			t.Errorf("expected both audit records:\n%s", out)
		}
		if strings.Contains(out, "idle -> analyzing") {
			t.Errorf("transition record should be filtered out:\n%s", out)
		}
	})

	t.Run("json by correlation", func(t *testing.T) {
		path := filepath.Join(f.dir, "export.json")
		out, err := f.run(t, "audit", "query", "--correlation-id", "corr-2", "--format", "json", "--output", path)
		if err != nil {
			t.Fatalf("query failed: %v\n%s", err, out)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read export: %v", err)
		}
		var records []evidence.Record
		if err := json.Unmarshal(data, &records); err != nil {
			t.Fatalf("failed to decode records: %v\n%s", err, data)
		}
		if len(records) != 2 {
			t.Errorf("got %d records, want 2", len(records))
		}
		for _, r := range records {
			if r.CorrelationID != "corr-2" {
				t.Errorf("unexpected correlation id %q", r.CorrelationID)
			}
		}
	})

	t.Run("csv to file", func(t *testing.T) {
		path := filepath.Join(f.dir, "export.csv")
		out, err := f.run(t, "audit", "query", "--format", "csv", "--output", path)
		if err != nil {
			t.Fatalf("export failed: %v\n%s", err, out)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read export: %v", err)
		}
		if lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; lines != 4 {
			t.Errorf("got %d CSV lines, want header plus 3 records:\n%s", lines, data)
		}
	})

	t.Run("verify", func(t *testing.T) {
		out, err := f.run(t, "audit", "query", "--verify")
		if err != nil {
			t.Fatalf("verification failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "All records verified") {
			t.Errorf("unexpected output:\n%s", out)
		}
	})

	t.Run("invalid kind", func(t *testing.T) {
		_, err := f.run(t, "audit", "query", "--kind", "gossip")
		if code := cli.ExitCode(err); code != cli.ExitConfig {
			t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitConfig, err)
		}
	})
}

func TestAuditQuery_DetectsTampering(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	r := auditRecord(evidence.KindAudit, "corr-1", "prompt-cap", "pass", time.Now().UTC())
	r.Hash = evidence.HashPayload([]byte(`{"rule_id":"prompt-cap","outcome":"violation"}`))
	seedAudit(t, f, []*evidence.Record{r}, nil)

	out, err := f.run(t, "audit", "query", "--verify")
	if !errors.Is(err, errTampered) {
		t.Fatalf("expected tampering error, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "failed hash verification") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestAuditViolationsAndResolve(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	now := time.Now().UTC()
	seedAudit(t, f, nil, []policy.Violation{
		testViolation("v-1", "prompt-cap", policy.SeverityHigh, now.Add(-time.Hour)),
		testViolation("v-2", "no-gamma", policy.SeverityMedium, now.Add(-time.Minute)),
	})

	out, err := f.run(t, "audit", "violations", "--open")
	if err != nil {
		t.Fatalf("violations failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "v-1") || !strings.Contains(out, "v-2") {
		t.Errorf("expected both open violations:\n%s", out)
	}

	out, err = f.run(t, "audit", "resolve", "v-1", "--by", "oncall", "--notes", "prompt trimmed")
	if err != nil {
		t.Fatalf("resolve failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Violation v-1 resolved by oncall") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = f.run(t, "audit", "violations", "--open", "--format", "json")
	if err != nil {
		t.Fatalf("violations failed: %v\n%s", err, out)
	}
	var open []policy.Violation
	if err := json.Unmarshal([]byte(out), &open); err != nil {
		t.Fatalf("failed to decode violations: %v\n%s", err, out)
	}
	if len(open) != 1 || open[0].ID != "v-2" {
		t.Errorf("expected only v-2 open, got %+v", open)
	}

	out, err = f.run(t, "audit", "violations", "--resolved", "--severity", "high")
	if err != nil {
		t.Fatalf("violations failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "v-1") || strings.Contains(out, "v-2") {
		t.Errorf("expected only v-1 resolved:\n%s", out)
	}

	// Resolving twice fails.
	if _, err := f.run(t, "audit", "resolve", "v-1", "--by", "oncall"); err == nil {
		t.Error("expected second resolve to fail")
	}

	if _, err := f.run(t, "audit", "violations", "--open", "--resolved"); err == nil {
		t.Error("expected --open and --resolved to be rejected together")
	}
}

func TestAuditResolve_RequiresResolver(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if _, err := f.run(t, "audit", "resolve", "v-1"); err == nil {
		t.Fatal("expected missing --by to fail")
	}
}

func TestAuditStats(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	now := time.Now().UTC()
	seedAudit(t, f, nil, []policy.Violation{
		testViolation("v-1", "prompt-cap", policy.SeverityHigh, now.Add(-time.Hour)),
		testViolation("v-2", "prompt-cap", policy.SeverityHigh, now.Add(-time.Minute)),
		testViolation("v-3", "no-gamma", policy.SeverityMedium, now.Add(-48*time.Hour)),
	})
	if _, err := f.run(t, "audit", "resolve", "v-1", "--by", "oncall"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	out, err := f.run(t, "audit", "stats")
	if err != nil {
		t.Fatalf("stats failed: %v\n%s", err, out)
	}
	for _, want := range []string{"total:      2", "resolved:   1", "unresolved: 1", "resolution: 50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = f.run(t, "audit", "stats", "--since", "72h")
	if err != nil {
		t.Fatalf("stats failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "total:      3") {
		t.Errorf("expected all three violations in a 72h window:\n%s", out)
	}
}

func TestAuditPrune(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -200)
	seedAudit(t, f, []*evidence.Record{
		auditRecord(evidence.KindAudit, "corr-old", "prompt-cap", "pass", old),
		auditRecord(evidence.KindAudit, "corr-new", "prompt-cap", "pass", now),
	}, []policy.Violation{
		testViolation("v-old-open", "prompt-cap", policy.SeverityHigh, old),
		testViolation("v-old-resolved", "prompt-cap", policy.SeverityHigh, old),
	})
	if _, err := f.run(t, "audit", "resolve", "v-old-resolved", "--by", "oncall"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	out, err := f.run(t, "audit", "prune")
	if err != nil {
		t.Fatalf("prune failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Pruned 1 records older than 90 days") {
		t.Errorf("unexpected prune output:\n%s", out)
	}
	if !strings.Contains(out, "Pruned 1 resolved violations") {
		t.Errorf("unexpected prune output:\n%s", out)
	}

	out, err = f.run(t, "audit", "violations")
	if err != nil {
		t.Fatalf("violations failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "v-old-open") {
		t.Errorf("open violations must survive pruning:\n%s", out)
	}
	if strings.Contains(out, "v-old-resolved") {
		t.Errorf("resolved violation should have been pruned:\n%s", out)
	}
}

func TestAudit_DisabledEvidence(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	data, err := os.ReadFile(f.configPath)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, f.configPath, strings.Replace(string(data), "enabled: true\n  backend: sqlite", "enabled: false\n  backend: sqlite", 1))

	_, err = f.run(t, "audit", "stats")
	if code := cli.ExitCode(err); code != cli.ExitConfig {
		t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitConfig, err)
	}
}

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		raw     string
		want    *time.Time
		wantErr bool
	}{
		{name: "empty", raw: ""},
		{name: "duration", raw: "90m", want: ptr(now.Add(-90 * time.Minute))},
		{name: "rfc3339", raw: "2026-09-30T08:00:00Z", want: ptr(time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC))},
		{name: "negative duration", raw: "-1h", wantErr: true},
		{name: "garbage", raw: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeFlag("since", tt.raw, now)
			if tt.wantErr {
				if cli.ExitCode(err) != cli.ExitConfig {
					t.Fatalf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %v, want nil", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
