package verifier

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/store"
	"mercator-hq/conductor/pkg/registry"
)

type recordingSink struct {
	mu         sync.Mutex
	audits     []policy.AuditRecord
	violations []policy.Violation
}

func (s *recordingSink) RecordAudit(_ context.Context, rec policy.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
}

func (s *recordingSink) RecordViolation(_ context.Context, v policy.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
}

type fakePerformance map[string]policy.PerformanceStats

func (f fakePerformance) Performance(id string) (policy.PerformanceStats, bool) {
	s, ok := f[id]
	return s, ok
}

type fakeRates map[string]int64

func (f fakeRates) TenantRequestRate(tenant string) int64 { return f[tenant] }

func backends() []registry.BackendDescriptor {
	return []registry.BackendDescriptor{
		{ID: "cheap", Vendor: "openai", Tier: registry.Tier1, ContextWindow: 16000,
			CostInPerMillion: 0.15, CostOutPerMillion: 0.6, Active: true, PriorSuccess: 0.99,
			Regions: []string{"us-east"}},
		{ID: "mid", Vendor: "google", Tier: registry.Tier2, ContextWindow: 32000,
			CostInPerMillion: 1, CostOutPerMillion: 3, Active: true, PriorSuccess: 0.98,
			Regions: []string{"eu-west"}},
		{ID: "premium", Vendor: "anthropic", Tier: registry.Tier3, ContextWindow: 200000,
			CostInPerMillion: 15, CostOutPerMillion: 75, Active: true, PriorSuccess: 0.97,
			Regions: []string{"global"}},
	}
}

func newVerifier(t *testing.T, rules []policy.Rule, opts Options) (*Verifier, *recordingSink) {
	t.Helper()
	s, err := store.NewStatic(rules)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	reg, err := registry.NewStatic(backends())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	sink := &recordingSink{}
	opts.Sink = sink
	return New(s, reg, opts), sink
}

func rule(id string, priority int, c policy.Constraint) policy.Rule {
	return policy.Rule{
		ID:         id,
		Category:   c.Category(),
		Enabled:    true,
		Priority:   priority,
		Phase:      policy.PhasePreFlight,
		Constraint: c,
	}
}

func baseContext() policy.RequestContext {
	return policy.RequestContext{
		CorrelationID:         "corr-1",
		TenantID:              "tenant-a",
		EstimatedInputTokens:  100,
		EstimatedOutputTokens: 200,
		MinTier:               registry.Tier1,
	}
}

// TestEvaluate_AllPass tests one audit record per rule and no violations
func TestEvaluate_AllPass(t *testing.T) {
	v, sink := newVerifier(t, []policy.Rule{
		rule("cost", 75, policy.CostConstraint{MaxCostPerRequest: 1}),
		rule("vendor", 95, policy.VendorConstraint{BlockedVendors: []string{"unknown-vendor"}}),
		rule("compliance", 50, policy.ComplianceConstraint{RequiredMetadata: []string{"team"}}),
	}, Options{})

	rc := baseContext()
	rc.Metadata = map[string]string{"team": "search"}
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if !verdict.Passed || len(verdict.Violations) != 0 {
		t.Fatalf("expected pass, got %+v", verdict)
	}
	if verdict.RulesEvaluated != 3 || len(sink.audits) != 3 {
		t.Errorf("expected 3 rules evaluated and audited, got %d/%d", verdict.RulesEvaluated, len(sink.audits))
	}
	for _, a := range sink.audits {
		if a.Outcome != policy.OutcomePass || a.CorrelationID != "corr-1" {
			t.Errorf("unexpected audit record: %+v", a)
		}
	}
	if sink.audits[0].RuleID != "vendor" {
		t.Errorf("expected highest priority rule audited first, got %s", sink.audits[0].RuleID)
	}
	if BlockedErr(verdict) != nil {
		t.Error("expected no blocked error")
	}
}

// TestEvaluate_BlockShortCircuits tests a critical block stops evaluation
func TestEvaluate_BlockShortCircuits(t *testing.T) {
	v, sink := newVerifier(t, []policy.Rule{
		rule("no-anthropic", 95, policy.VendorConstraint{BlockedVendors: []string{"Anthropic"}}),
		rule("compliance", 50, policy.ComplianceConstraint{RequiredMetadata: []string{"team"}}),
	}, Options{})

	rc := baseContext()
	rc.RequestedBackend = "premium"
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if verdict.Passed || !verdict.Blocked() {
		t.Fatal("expected blocked verdict")
	}
	if verdict.RulesEvaluated != 1 || len(sink.audits) != 1 {
		t.Errorf("expected evaluation to stop after the block, evaluated %d", verdict.RulesEvaluated)
	}
	if len(sink.violations) != 1 || sink.violations[0].Resolved {
		t.Errorf("expected one unresolved violation record, got %+v", sink.violations)
	}
	if sink.violations[0].Severity != policy.SeverityCritical {
		t.Errorf("expected critical severity, got %s", sink.violations[0].Severity)
	}

	err := BlockedErr(verdict)
	if !errors.Is(err, policy.ErrPolicyBlocked) {
		t.Fatalf("expected ErrPolicyBlocked, got %v", err)
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Violation.RuleID != "no-anthropic" {
		t.Errorf("unexpected blocked error: %v", err)
	}
}

// TestEvaluate_BypassDowngradesBlock tests the override flag
func TestEvaluate_BypassDowngradesBlock(t *testing.T) {
	v, sink := newVerifier(t, []policy.Rule{
		rule("no-anthropic", 95, policy.VendorConstraint{BlockedVendors: []string{"anthropic"}}),
		rule("compliance", 50, policy.ComplianceConstraint{RequiredMetadata: []string{"team"}}),
	}, Options{})

	rc := baseContext()
	rc.RequestedBackend = "premium"
	rc.Bypass = true
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if !verdict.Passed || verdict.Blocked() {
		t.Fatal("expected bypass to let the request through")
	}
	if verdict.RulesEvaluated != 2 || len(sink.audits) != 2 {
		t.Errorf("expected evaluation to continue, evaluated %d", verdict.RulesEvaluated)
	}
	first := verdict.Violations[0]
	if !first.Overridden || first.Action != policy.ActionWarn {
		t.Errorf("expected overridden warning, got %+v", first)
	}
	if verdict.Excludes("premium") {
		t.Error("overridden block must not exclude the backend")
	}
	if len(verdict.Warnings) == 0 {
		t.Error("expected a warning for the bypassed block")
	}
}

// TestEvaluate_CostDegrade tests a high cost rule degrades and excludes
func TestEvaluate_CostDegrade(t *testing.T) {
	v, _ := newVerifier(t, []policy.Rule{
		rule("ceiling", 75, policy.CostConstraint{MaxCostPerRequest: 0.001}),
	}, Options{})

	rc := baseContext()
	rc.RequestedBackend = "premium"
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if !verdict.Passed {
		t.Fatal("degrade must not block")
	}
	if !verdict.Degraded() {
		t.Fatal("expected degraded verdict")
	}
	if !verdict.Excludes("premium") {
		t.Error("expected premium to be excluded")
	}
	if verdict.Excludes("cheap") || verdict.Excludes("mid") {
		t.Errorf("unexpected exclusions: %v", verdict.Exclusions)
	}
	if got := verdict.Violations[0].Details["violation"]; got != "cost_per_request_exceeded" {
		t.Errorf("unexpected violation detail %v", got)
	}
}

// TestEvaluate_DailyBudget tests cost-so-far is included
func TestEvaluate_DailyBudget(t *testing.T) {
	v, _ := newVerifier(t, []policy.Rule{
		rule("daily", 95, policy.CostConstraint{MaxDailyCost: 10}),
	}, Options{})

	rc := baseContext()
	rc.RequestedBackend = "cheap"
	rc.CostSoFar = 10
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if !verdict.Blocked() {
		t.Fatal("expected daily budget block")
	}
	if got := verdict.Violations[0].Details["violation"]; got != "daily_budget_exceeded" {
		t.Errorf("unexpected violation detail %v", got)
	}
}

// TestEvaluate_FailOpen tests malformed constraints are skipped but audited
func TestEvaluate_FailOpen(t *testing.T) {
	broken := rule("broken", 99, policy.VendorConstraint{BlockedVendors: []string{"x"}})
	broken.Constraint = policy.Malformed{Of: policy.CategoryVendor, Err: errors.New("bad payload")}

	v, sink := newVerifier(t, []policy.Rule{broken}, Options{})
	verdict := v.Evaluate(context.Background(), baseContext(), policy.PhasePreFlight)

	if !verdict.Passed || len(verdict.Violations) != 0 {
		t.Fatalf("expected fail-open pass, got %+v", verdict)
	}
	if len(sink.audits) != 1 || sink.audits[0].Outcome != policy.OutcomeError || sink.audits[0].Error == "" {
		t.Errorf("expected one error audit record, got %+v", sink.audits)
	}
	if len(verdict.Warnings) != 1 {
		t.Errorf("expected one warning, got %d", len(verdict.Warnings))
	}
}

// TestEvaluate_PoolWithoutTarget tests backend rules without a requested backend
func TestEvaluate_PoolWithoutTarget(t *testing.T) {
	t.Run("partial exclusion passes", func(t *testing.T) {
		v, sink := newVerifier(t, []policy.Rule{
			rule("eu", 95, policy.ResidencyConstraint{AllowedRegions: []string{"eu-west"}}),
		}, Options{})

		verdict := v.Evaluate(context.Background(), baseContext(), policy.PhasePreFlight)
		if !verdict.Passed || len(verdict.Violations) != 0 {
			t.Fatalf("expected pass, got %+v", verdict)
		}
		if !verdict.Excludes("cheap") || !verdict.Excludes("premium") || verdict.Excludes("mid") {
			t.Errorf("unexpected exclusions: %v", verdict.Exclusions)
		}

		if len(sink.audits) != 1 {
			t.Fatalf("expected one audit record, got %d", len(sink.audits))
		}
		rec := sink.audits[0]
		if rec.Outcome != policy.OutcomePass {
			t.Errorf("outcome = %s, want pass", rec.Outcome)
		}
		if len(rec.Excluded) != 2 || !slices.Contains(rec.Excluded, "cheap") || !slices.Contains(rec.Excluded, "premium") {
			t.Errorf("audit record must list the excluded backends, got %v", rec.Excluded)
		}
	})

	t.Run("no compliant backend blocks", func(t *testing.T) {
		v, _ := newVerifier(t, []policy.Rule{
			rule("apac", 95, policy.ResidencyConstraint{AllowedRegions: []string{"ap-south"}}),
		}, Options{})

		verdict := v.Evaluate(context.Background(), baseContext(), policy.PhasePreFlight)
		if !verdict.Blocked() {
			t.Fatal("expected block when no backend complies")
		}
		if got := verdict.Violations[0].Details["violation"]; got != "no_compliant_backend" {
			t.Errorf("unexpected violation detail %v", got)
		}
	})

	t.Run("warn rule does not exclude", func(t *testing.T) {
		v, sink := newVerifier(t, []policy.Rule{
			rule("eu-soft", 50, policy.ResidencyConstraint{AllowedRegions: []string{"eu-west"}}),
		}, Options{})

		verdict := v.Evaluate(context.Background(), baseContext(), policy.PhasePreFlight)
		if len(verdict.Exclusions) != 0 {
			t.Errorf("expected no exclusions from a warn rule, got %v", verdict.Exclusions)
		}
		if len(sink.audits) != 1 || len(sink.audits[0].Excluded) != 0 {
			t.Errorf("warn rule audit must not list exclusions, got %+v", sink.audits)
		}
	})
}

// TestBackendScoped_JudgesEachBackendOnce tests a pooled target is not re-evaluated
func TestBackendScoped_JudgesEachBackendOnce(t *testing.T) {
	all := backends()
	calls := map[string]int{}
	fails := func(b registry.BackendDescriptor) (string, map[string]any) {
		calls[b.ID]++
		if b.ID == "premium" {
			return "too_expensive", map[string]any{"estimated_cost": 0.5}
		}
		return "", nil
	}

	t.Run("target in pool", func(t *testing.T) {
		clear(calls)
		env := &evalEnv{pool: all, target: &all[2]}

		res := backendScoped(env, fails)
		for _, b := range all {
			if calls[b.ID] != 1 {
				t.Errorf("%s judged %d times, want 1", b.ID, calls[b.ID])
			}
		}
		if !res.violated || res.details["backend_id"] != "premium" || res.details["estimated_cost"] != 0.5 {
			t.Errorf("expected target violation with predicate details, got %+v", res)
		}
		if len(res.excluded) != 1 || res.excluded[0] != "premium" {
			t.Errorf("unexpected exclusions: %v", res.excluded)
		}
	})

	t.Run("target outside pool", func(t *testing.T) {
		clear(calls)
		env := &evalEnv{pool: all[:2], target: &all[2]}

		res := backendScoped(env, fails)
		if calls["premium"] != 1 {
			t.Errorf("premium judged %d times, want 1", calls["premium"])
		}
		if !res.violated || len(res.excluded) != 1 || res.excluded[0] != "premium" {
			t.Errorf("unexpected result: %+v", res)
		}
	})
}

// TestEvaluate_Predicates tests each category predicate against a target
func TestEvaluate_Predicates(t *testing.T) {
	perf := fakePerformance{
		"mid": {Samples: 100, P95Latency: 3 * time.Second, SuccessRate: 0.97},
	}
	rates := fakeRates{"tenant-a": 61}

	tests := []struct {
		name       string
		constraint policy.Constraint
		mutate     func(*policy.RequestContext)
		wantReason string
	}{
		{
			name:       "vendor allow list",
			constraint: policy.VendorConstraint{AllowedVendors: []string{"openai"}},
			mutate:     func(rc *policy.RequestContext) { rc.RequestedBackend = "mid" },
			wantReason: "vendor_not_allowed",
		},
		{
			name:       "latency",
			constraint: policy.PerformanceConstraint{MaxP95Latency: 2 * time.Second},
			mutate:     func(rc *policy.RequestContext) { rc.RequestedBackend = "mid" },
			wantReason: "latency_exceeded",
		},
		{
			name:       "success rate",
			constraint: policy.PerformanceConstraint{MinSuccessRate: 0.99},
			mutate:     func(rc *policy.RequestContext) { rc.RequestedBackend = "mid" },
			wantReason: "success_rate_below_threshold",
		},
		{
			name:       "residency",
			constraint: policy.ResidencyConstraint{AllowedRegions: []string{"eu-west"}},
			mutate:     func(rc *policy.RequestContext) { rc.RequestedBackend = "premium" },
			wantReason: "region_not_allowed",
		},
		{
			name:       "prompt length",
			constraint: policy.BehavioralConstraint{MaxPromptLength: 10},
			mutate:     func(rc *policy.RequestContext) { rc.PromptLength = 11 },
			wantReason: "prompt_too_long",
		},
		{
			name:       "tenant rate",
			constraint: policy.BehavioralConstraint{MaxRequestsPerMinute: 60},
			mutate:     func(*policy.RequestContext) {},
			wantReason: "rate_exceeded",
		},
		{
			name:       "compliance",
			constraint: policy.ComplianceConstraint{RequiredMetadata: []string{"team", "purpose"}},
			mutate:     func(rc *policy.RequestContext) { rc.Metadata = map[string]string{"team": "x"} },
			wantReason: "missing_metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newVerifier(t, []policy.Rule{rule("r", 50, tt.constraint)},
				Options{Performance: perf, Rates: rates})

			rc := baseContext()
			tt.mutate(&rc)
			verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

			if len(verdict.Violations) != 1 {
				t.Fatalf("expected one violation, got %+v", verdict.Violations)
			}
			got := verdict.Violations[0]
			if got.Details["violation"] != tt.wantReason {
				t.Errorf("expected %s, got %v", tt.wantReason, got.Details["violation"])
			}
			if got.Action != policy.ActionWarn || !verdict.Passed {
				t.Errorf("medium rule should warn and pass, got action %s", got.Action)
			}
		})
	}
}

// TestEvaluate_PostExecutionUsesObservedCost tests execution facts drive post-execution rules
func TestEvaluate_PostExecutionUsesObservedCost(t *testing.T) {
	r := rule("post-cost", 95, policy.CostConstraint{MaxCostPerRequest: 0.5})
	r.Phase = policy.PhasePostExecution
	v, _ := newVerifier(t, []policy.Rule{r}, Options{})

	rc := baseContext().WithExecution(policy.ExecutionFacts{BackendID: "cheap", Cost: 0.75})

	if verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight); verdict.RulesEvaluated != 0 {
		t.Error("post-execution rule should not run in pre-flight")
	}
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePostExecution)
	if !verdict.Blocked() {
		t.Fatal("expected observed cost to violate the ceiling")
	}
}

// TestEvaluate_UnknownTarget tests a missing requested backend is a warning
func TestEvaluate_UnknownTarget(t *testing.T) {
	v, _ := newVerifier(t, []policy.Rule{
		rule("vendor", 95, policy.VendorConstraint{BlockedVendors: []string{"acme"}}),
	}, Options{})

	rc := baseContext()
	rc.RequestedBackend = "ghost"
	verdict := v.Evaluate(context.Background(), rc, policy.PhasePreFlight)

	if !verdict.Passed {
		t.Fatal("expected pass")
	}
	if len(verdict.Warnings) != 1 {
		t.Errorf("expected a not-found warning, got %+v", verdict.Warnings)
	}
}

// TestEvaluate_Latency tests latency uses the injected clock
func TestEvaluate_Latency(t *testing.T) {
	var ticks int
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Millisecond)
	}

	v, _ := newVerifier(t, []policy.Rule{
		rule("compliance", 50, policy.ComplianceConstraint{RequiredMetadata: []string{"team"}}),
	}, Options{Now: clock})

	verdict := v.Evaluate(context.Background(), baseContext(), policy.PhasePreFlight)
	if verdict.Latency <= 0 {
		t.Errorf("expected positive latency, got %v", verdict.Latency)
	}
}
