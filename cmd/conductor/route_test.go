package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	mockadapter "mercator-hq/conductor/internal/providers"
	"mercator-hq/conductor/pkg/cli"
)

type routeOutput struct {
	Verdict struct {
		Passed     bool              `json:"passed"`
		Exclusions map[string]string `json:"exclusions"`
		Violations []struct {
			RuleID string `json:"rule_id"`
		} `json:"violations"`
	} `json:"verdict"`
	Decision *struct {
		BackendID string `json:"backend_id"`
		RunnerUps []struct {
			BackendID string `json:"backend_id"`
		} `json:"runner_ups"`
	} `json:"decision"`
	Outcome *struct {
		State  string `json:"state"`
		Result *struct {
			BackendID string `json:"backend_id"`
			Content   string `json:"content"`
		} `json:"result"`
	} `json:"outcome"`
	Error string `json:"error"`
}

func decodeRoute(t *testing.T, out string) routeOutput {
	t.Helper()
	var r routeOutput
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("failed to decode route output: %v\n%s", err, out)
	}
	return r
}

func TestRoute_SelectsCheapestEligible(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--input-tokens", "1200", "--format", "json")
	if err != nil {
		t.Fatalf("route failed: %v\n%s", err, out)
	}

	r := decodeRoute(t, out)
	if !r.Verdict.Passed {
		t.Error("expected pre-flight verdict to pass")
	}
	if r.Decision == nil {
		t.Fatal("expected a routing decision")
	}
	if r.Decision.BackendID != "cheap-a" {
		t.Errorf("selected %q, want cheap-a", r.Decision.BackendID)
	}
	if len(r.Decision.RunnerUps) != 1 || r.Decision.RunnerUps[0].BackendID != "mid-b" {
		t.Errorf("unexpected fallback chain: %+v", r.Decision.RunnerUps)
	}
}

func TestRoute_MinTierFiltersCandidates(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--input-tokens", "1200", "--min-tier", "Tier_2", "--format", "json")
	if err != nil {
		t.Fatalf("route failed: %v\n%s", err, out)
	}

	r := decodeRoute(t, out)
	if r.Decision == nil || r.Decision.BackendID != "mid-b" {
		t.Fatalf("expected mid-b, got %+v", r.Decision)
	}
}

func TestRoute_TextOutput(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--prompt", "Summarize the quarterly report")
	if err != nil {
		t.Fatalf("route failed: %v\n%s", err, out)
	}

	for _, want := range []string{"Correlation ID:", "Pre-flight: passed", "✓ Selected cheap-a", "fallback chain: mid-b"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRoute_BlockedByPolicy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--prompt", strings.Repeat("x", 500), "--format", "json")
	if err == nil {
		t.Fatalf("expected blocked route to fail:\n%s", out)
	}
	if code := cli.ExitCode(err); code != cli.ExitBlocked {
		t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitBlocked, err)
	}

	r := decodeRoute(t, out)
	if r.Verdict.Passed {
		t.Error("expected verdict to be blocked")
	}
	if len(r.Verdict.Violations) != 1 || r.Verdict.Violations[0].RuleID != "prompt-cap" {
		t.Errorf("unexpected violations: %+v", r.Verdict.Violations)
	}
	if r.Decision != nil {
		t.Error("blocked request must not be routed")
	}
}

func TestRoute_BypassOverridesBlock(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--prompt", strings.Repeat("x", 500), "--bypass", "--format", "json")
	if err != nil {
		t.Fatalf("bypassed route failed: %v\n%s", err, out)
	}
	r := decodeRoute(t, out)
	if r.Decision == nil {
		t.Fatal("expected a routing decision")
	}
}

func TestRoute_NoCandidate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "route", "--input-tokens", "1000", "--min-context", "1000000")
	if err == nil {
		t.Fatalf("expected routing to fail:\n%s", out)
	}
	if code := cli.ExitCode(err); code != cli.ExitNoCandidate {
		t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitNoCandidate, err)
	}
}

func TestRoute_InvalidFlags(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	tests := []struct {
		name string
		args []string
	}{
		{"unknown tier", []string{"route", "--min-tier", "9"}},
		{"csv output", []string{"route", "--format", "csv"}},
		{"negative tokens", []string{"route", "--output-tokens", "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.run(t, tt.args...)
			if code := cli.ExitCode(err); code != cli.ExitConfig {
				t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitConfig, err)
			}
		})
	}
}

// adapterServer starts a mock execute endpoint that always answers with
// status, or with a fixed result when status is 200.
func adapterServer(t *testing.T, status int) *mockadapter.MockServer {
	t.Helper()
	srv := mockadapter.NewMockServer()
	t.Cleanup(srv.Close)
	if status == http.StatusOK {
		srv.Enqueue(mockadapter.MockResponse{
			StatusCode: status,
			Body:       mockadapter.ExecuteResponse("The report shows growth.", 12, 6),
		})
	} else {
		srv.Enqueue(mockadapter.MockResponse{StatusCode: status, Body: "overloaded"})
	}
	return srv
}

func TestRoute_Execute(t *testing.T) {
	acme := adapterServer(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{acmeURL: acme.URL()})

	out, err := f.run(t, "route", "--prompt", "Summarize the quarterly report", "--execute", "--format", "json")
	if err != nil {
		t.Fatalf("execute failed: %v\n%s", err, out)
	}

	r := decodeRoute(t, out)
	if r.Outcome == nil {
		t.Fatal("expected a workflow outcome")
	}
	if r.Outcome.State != "completed" {
		t.Errorf("state = %q, want completed", r.Outcome.State)
	}
	if r.Outcome.Result == nil || r.Outcome.Result.Content != "The report shows growth." {
		t.Errorf("unexpected result: %+v", r.Outcome.Result)
	}
}

func TestRoute_ExecuteFallsBackAndPersistsCircuit(t *testing.T) {
	acme := adapterServer(t, http.StatusServiceUnavailable)
	beta := adapterServer(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{acmeURL: acme.URL(), betaURL: beta.URL()})

	out, err := f.run(t, "route", "--prompt", "Summarize the quarterly report", "--execute", "--format", "json")
	if err != nil {
		t.Fatalf("execute failed: %v\n%s", err, out)
	}

	r := decodeRoute(t, out)
	if r.Outcome == nil || r.Outcome.Result == nil {
		t.Fatalf("expected a completed outcome:\n%s", out)
	}
	if r.Outcome.Result.BackendID != "mid-b" {
		t.Errorf("result from %q, want fallback mid-b", r.Outcome.Result.BackendID)
	}

	// The overloaded backend's circuit opened and was checkpointed.
	out, err = f.run(t, "circuits")
	if err != nil {
		t.Fatalf("circuits failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "cheap-a") || !strings.Contains(out, "open") {
		t.Errorf("expected an open circuit for cheap-a:\n%s", out)
	}

	out, err = f.run(t, "circuits", "reset", "cheap-a")
	if err != nil {
		t.Fatalf("circuits reset failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Circuit state removed for cheap-a") {
		t.Errorf("unexpected reset output:\n%s", out)
	}

	out, err = f.run(t, "circuits")
	if err != nil {
		t.Fatalf("circuits failed: %v\n%s", err, out)
	}
	if strings.Contains(out, "cheap-a") {
		t.Errorf("expected cheap-a circuit to be gone:\n%s", out)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		prompt string
		want   int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.prompt); got != tt.want {
			t.Errorf("estimateTokens(%d chars) = %d, want %d", len(tt.prompt), got, tt.want)
		}
	}
}
