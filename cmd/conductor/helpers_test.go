package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testBackends = `
backends:
  - id: cheap-a
    vendor: acme
    tier: Tier_1
    context_window: 16000
    cost_in_per_million: 0.5
    cost_out_per_million: 1.5
    regions: [us-east]
  - id: mid-b
    vendor: beta
    tier: Tier_2
    context_window: 128000
    cost_in_per_million: 3
    cost_out_per_million: 15
    regions: [eu-west]
  - id: retired-c
    vendor: acme
    tier: Tier_3
    context_window: 200000
    cost_in_per_million: 10
    cost_out_per_million: 30
    active: false
`

const testRules = `
rules:
  - id: prompt-cap
    name: Prompt length cap
    category: behavioral
    priority: 80
    phase: pre-flight
    action: block
    constraints:
      max_prompt_length: 200
  - id: no-gamma
    name: Gamma is not approved
    category: vendor
    priority: 50
    phase: pre-flight
    action: warn
    constraints:
      blocked_vendors: [gamma]
`

// fixture is a temporary deployment: config, registry and rule files plus
// the audit and state databases, all under one directory.
type fixture struct {
	dir        string
	configPath string
	auditPath  string
	statePath  string
}

type fixtureOptions struct {
	acmeURL string
	betaURL string
	rules   string
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.acmeURL == "" {
		opts.acmeURL = "http://127.0.0.1:1"
	}
	if opts.betaURL == "" {
		opts.betaURL = "http://127.0.0.1:1"
	}
	if opts.rules == "" {
		opts.rules = testRules
	}

	dir := t.TempDir()
	f := &fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "conductor.yaml"),
		auditPath:  filepath.Join(dir, "data", "audit.db"),
		statePath:  filepath.Join(dir, "data", "state.db"),
	}

	writeFile(t, filepath.Join(dir, "backends.yaml"), testBackends)
	writeFile(t, filepath.Join(dir, "policies.yaml"), opts.rules)
	writeFile(t, f.configPath, fmt.Sprintf(`
registry:
  source: file
  file_path: %q
  watch: false

policy:
  file_path: %q
  watch: false

recovery:
  failure_threshold: 1
  backoff_base: 1ms
  backoff_max: 5ms
  attempt_timeout: 5s

adapters:
  acme:
    base_url: %q
    timeout: 5s
  beta:
    base_url: %q
    timeout: 5s

evidence:
  enabled: true
  backend: sqlite
  sqlite:
    path: %q

state:
  enabled: true
  path: %q

server:
  enabled: false

telemetry:
  logging:
    level: error
    format: text
  metrics:
    enabled: false
  tracing:
    enabled: false
`, filepath.Join(dir, "backends.yaml"), filepath.Join(dir, "policies.yaml"),
		opts.acmeURL, opts.betaURL, f.auditPath, f.statePath))

	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// run executes the root command with args and returns everything written
// to stdout and stderr.
func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommand(t, append([]string{"--config", f.configPath}, args...)...)
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag to its default. Flag variables are
// package globals, so values would otherwise leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		switch v := f.Value.(type) {
		case pflag.SliceValue:
			_ = v.Replace(nil)
		default:
			if f.Value.Type() != "stringToString" {
				_ = f.Value.Set(f.DefValue)
			}
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}
