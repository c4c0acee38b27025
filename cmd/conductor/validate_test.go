package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/conductor/pkg/cli"
)

func TestValidate_Valid(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "validate")
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"✓ Configuration valid",
		"registry: 3 backends (2 active)",
		"policy:   2 rules (2 enabled)",
		"✓ All checks passed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_JSONReport(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "validate", "--format", "json")
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}

	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.Backends != 3 || report.Active != 2 {
		t.Errorf("backends = %d/%d, want 3/2", report.Backends, report.Active)
	}
	if report.Rules != 2 || report.PolicyVersion == "" {
		t.Errorf("unexpected rule summary: %+v", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("unexpected errors: %v", report.Errors)
	}
}

func TestValidate_RuleProblems(t *testing.T) {
	tests := []struct {
		name    string
		rules   string
		wantErr string
		wantOut string
	}{
		{
			name: "duplicate id",
			rules: `
rules:
  - id: same
    category: cost
    constraints:
      max_cost_per_request: 0.1
  - id: same
    category: cost
    constraints:
      max_cost_per_request: 0.2
`,
			wantOut: "same",
		},
		{
			name: "unknown category",
			rules: `
rules:
  - id: odd
    category: mood
    constraints: {}
`,
			wantOut: "unknown category",
		},
		{
			name: "out of range priority",
			rules: `
rules:
  - id: loud
    category: cost
    priority: 500
    constraints:
      max_cost_per_request: 0.1
`,
			wantOut: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			path := filepath.Join(f.dir, "candidate.yaml")
			writeFile(t, path, tt.rules)

			out, err := f.run(t, "validate", "--policy", path)
			if err == nil {
				t.Fatalf("expected validation to fail:\n%s", out)
			}
			if code := cli.ExitCode(err); code != cli.ExitConfig {
				t.Errorf("exit code = %d, want %d", code, cli.ExitConfig)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output missing %q:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestValidate_MissingRuleFile(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.run(t, "validate", "--policy", filepath.Join(f.dir, "absent.yaml"))
	if code := cli.ExitCode(err); code != cli.ExitConfig {
		t.Fatalf("exit code = %d, want %d:\n%s", code, cli.ExitConfig, out)
	}
	if !strings.Contains(out, "failed to read rule file") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestValidate_MissingAdapterWarns(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	writeFile(t, filepath.Join(f.dir, "backends.yaml"), testBackends+`
  - id: other-d
    vendor: delta
    tier: Tier_1
    context_window: 8000
    cost_in_per_million: 1
    cost_out_per_million: 2
`)

	out, err := f.run(t, "validate")
	if err != nil {
		t.Fatalf("warnings must not fail validation: %v\n%s", err, out)
	}
	if !strings.Contains(out, `no adapter configured for vendor "delta"`) {
		t.Errorf("expected adapter warning:\n%s", out)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := executeCommand(t, "--config", filepath.Join(dir, "absent.yaml"), "validate")
		if code := cli.ExitCode(err); code != cli.ExitConfig {
			t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitConfig, err)
		}
	})

	t.Run("invalid value", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, `
routing:
  output_margin: -1
telemetry:
  logging:
    level: error
`)
		_, err := executeCommand(t, "--config", path, "validate")
		if code := cli.ExitCode(err); code != cli.ExitConfig {
			t.Errorf("exit code = %d, want %d (%v)", code, cli.ExitConfig, err)
		}
	})
}
