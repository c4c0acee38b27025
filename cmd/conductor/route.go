package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/verifier"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/workflow"
)

var routeFlags struct {
	tenant       string
	prompt       string
	inputTokens  int
	outputTokens int
	minTier      string
	minContext   int
	backend      string
	vendors      []string
	region       string
	tools        bool
	bypass       bool
	costSoFar    float64
	metadata     map[string]string
	execute      bool
	format       string
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Evaluate policy and select a backend for a request",
	Long: `Evaluate pre-flight policy for a described request and show the routing
decision: the selected backend, its score, the runner-up fallback chain and
the reasons behind the choice.

By default nothing is executed. With --execute the request runs through the
full workflow (verification, routing, execution with recovery, validation)
against the configured adapters, and the terminal outcome is printed.

Exit codes:
  0  routed (or completed with --execute)
  3  blocked by policy
  4  no candidate backend
  5  execution failed
  70 internal defect

Examples:
  # Route a 1200 token request needing at least Tier_2
  conductor route --input-tokens 1200 --min-tier 2

  # Prefer EU backends for a tenant
  conductor route --tenant acme --region eu-west --prompt "Summarize this"

  # Execute and print the outcome as JSON
  conductor route --prompt "Hello" --execute --format json`,
	RunE: routeRequest,
}

func init() {
	rootCmd.AddCommand(routeCmd)

	f := routeCmd.Flags()
	f.StringVar(&routeFlags.tenant, "tenant", "", "tenant id")
	f.StringVar(&routeFlags.prompt, "prompt", "", "prompt text (used to estimate input tokens when --input-tokens is not set)")
	f.IntVar(&routeFlags.inputTokens, "input-tokens", 0, "estimated input tokens")
	f.IntVar(&routeFlags.outputTokens, "output-tokens", 256, "estimated output tokens")
	f.StringVar(&routeFlags.minTier, "min-tier", "1", "minimum capability tier (1, 2, 3)")
	f.IntVar(&routeFlags.minContext, "min-context", 0, "minimum context window")
	f.StringVar(&routeFlags.backend, "backend", "", "explicitly requested backend id")
	f.StringSliceVar(&routeFlags.vendors, "vendor", nil, "allowed vendors (repeatable)")
	f.StringVar(&routeFlags.region, "region", "", "preferred region")
	f.BoolVar(&routeFlags.tools, "tools", false, "request requires tool use")
	f.BoolVar(&routeFlags.bypass, "bypass", false, "request carries a policy bypass")
	f.Float64Var(&routeFlags.costSoFar, "cost-so-far", 0, "cost already spent on this conversation")
	f.StringToStringVar(&routeFlags.metadata, "metadata", nil, "request metadata (key=value, repeatable)")
	f.BoolVar(&routeFlags.execute, "execute", false, "run the request through the full workflow")
	f.StringVar(&routeFlags.format, "format", "text", "output format: text, json")
}

// routeReport is what the route command prints.
type routeReport struct {
	CorrelationID string                `json:"correlation_id"`
	Verdict       *policy.Verdict       `json:"verdict,omitempty"`
	Decision      *routing.Decision     `json:"decision,omitempty"`
	Outcome       *workflow.Outcome     `json:"outcome,omitempty"`
	Error         string                `json:"error,omitempty"`
	Request       policy.RequestContext `json:"request"`
}

func routeRequest(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(routeFlags.format)
	if err != nil {
		return err
	}
	if format == cli.FormatCSV {
		return cli.NewConfigError("format", "route supports text and json output")
	}

	rc, err := buildRequestContext()
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	// Only a real execution leaves an audit trail.
	a, err := newApp(ctx, cfg, logger, appOptions{Evidence: routeFlags.execute, State: routeFlags.execute})
	if err != nil {
		return cli.NewCommandError("route", err)
	}
	defer a.Close()

	var report *routeReport
	var runErr error
	if routeFlags.execute {
		report, runErr = executeRoute(ctx, a, rc)
	} else {
		report, runErr = dryRoute(ctx, a, rc)
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if err := writeRouteReport(cmd.OutOrStdout(), format, report); err != nil {
		return err
	}
	return runErr
}

// buildRequestContext turns the command flags into a request context.
func buildRequestContext() (policy.RequestContext, error) {
	tier, err := registry.ParseTier(routeFlags.minTier)
	if err != nil {
		return policy.RequestContext{}, cli.NewConfigError("min-tier", err.Error())
	}

	input := routeFlags.inputTokens
	if input == 0 {
		input = estimateTokens(routeFlags.prompt)
	}
	if input < 0 || routeFlags.outputTokens < 0 {
		return policy.RequestContext{}, cli.NewConfigError("input-tokens", "token estimates must be non-negative")
	}

	return policy.RequestContext{
		CorrelationID:         uuid.NewString(),
		TenantID:              routeFlags.tenant,
		EstimatedInputTokens:  input,
		EstimatedOutputTokens: routeFlags.outputTokens,
		MinTier:               tier,
		MinContextWindow:      routeFlags.minContext,
		RequestedBackend:      routeFlags.backend,
		Vendors:               routeFlags.vendors,
		PreferredRegion:       routeFlags.region,
		RequiresTools:         routeFlags.tools,
		PromptLength:          len(routeFlags.prompt),
		Bypass:                routeFlags.bypass,
		CostSoFar:             routeFlags.costSoFar,
		Metadata:              routeFlags.metadata,
	}, nil
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	return (len(prompt) + 3) / 4
}

// dryRoute evaluates pre-flight policy and routes without executing.
func dryRoute(ctx context.Context, a *app, rc policy.RequestContext) (*routeReport, error) {
	report := &routeReport{CorrelationID: rc.CorrelationID, Request: rc}

	report.Verdict = a.verifier.Evaluate(ctx, rc, policy.PhasePreFlight)
	if err := verifier.BlockedErr(report.Verdict); err != nil {
		return report, err
	}

	decision, err := a.router.Select(ctx, rc, report.Verdict)
	if err != nil {
		return report, err
	}
	report.Decision = decision
	return report, nil
}

// executeRoute runs the request through the workflow engine.
func executeRoute(ctx context.Context, a *app, rc policy.RequestContext) (*routeReport, error) {
	report := &routeReport{CorrelationID: rc.CorrelationID, Request: rc}

	outcome, err := a.engine.Run(ctx, rc, providers.Request{
		CorrelationID:   rc.CorrelationID,
		Prompt:          routeFlags.prompt,
		MaxOutputTokens: rc.EstimatedOutputTokens,
		Metadata:        rc.Metadata,
	})
	if outcome != nil {
		report.Outcome = outcome
		report.Verdict = outcome.PreFlight
		report.Decision = outcome.Decision
	}
	if a.persister != nil {
		if cerr := a.persister.Checkpoint(ctx); cerr != nil {
			slog.Warn("failed to checkpoint state", "error", cerr)
		}
	}
	if a.recorder != nil {
		stats := a.recorder.Stats()
		slog.Debug("audit recorder", "stored", stats.Stored, "dropped", stats.Dropped, "pending", stats.Pending)
	}
	return report, err
}

func writeRouteReport(w io.Writer, format cli.OutputFormat, report *routeReport) error {
	if format == cli.FormatJSON {
		return (&cli.JSONFormatter{Indent: true}).FormatTo(w, report)
	}

	fmt.Fprintf(w, "Correlation ID: %s\n", report.CorrelationID)

	if v := report.Verdict; v != nil {
		status := "passed"
		if !v.Passed {
			status = "blocked"
		}
		fmt.Fprintf(w, "Pre-flight: %s (%d rules, %s)\n", status, v.RulesEvaluated, v.Latency)
		for _, vi := range v.Violations {
			fmt.Fprintf(w, "  ✗ %s [%s/%s] action=%s\n", vi.RuleID, vi.Category, vi.Severity, vi.Action)
		}
		for _, wn := range v.Warnings {
			fmt.Fprintf(w, "  ! %s\n", wn.Message)
		}
		for _, id := range slices.Sorted(maps.Keys(v.Exclusions)) {
			fmt.Fprintf(w, "  - excluded %s: %s\n", id, v.Exclusions[id])
		}
	}

	if d := report.Decision; d != nil {
		fmt.Fprintf(w, "✓ Selected %s (%s, %s) score=%.6f\n", d.BackendID, d.Backend.Vendor, d.Backend.Tier, d.Score)
		if d.Degraded {
			fmt.Fprintln(w, "  degraded: cheaper tier enforced")
		}
		if d.Region != "" {
			fallback := ""
			if d.RegionFallback {
				fallback = " (no backend serves it, using all regions)"
			}
			fmt.Fprintf(w, "  region: %s%s\n", d.Region, fallback)
		}
		if len(d.RunnerUps) > 0 {
			ids := make([]string, len(d.RunnerUps))
			for i, c := range d.RunnerUps {
				ids[i] = c.BackendID
			}
			fmt.Fprintf(w, "  fallback chain: %s\n", strings.Join(ids, ", "))
		}
		for _, r := range d.Reasons {
			fmt.Fprintf(w, "  reason: %s\n", r)
		}
	}

	if o := report.Outcome; o != nil {
		fmt.Fprintf(w, "Workflow %s: %s", o.WorkflowID, o.State)
		if o.Reason != "" {
			fmt.Fprintf(w, " (%s)", o.Reason)
		}
		fmt.Fprintf(w, " in %s after %d attempts\n", o.Duration, len(o.Attempts))
		for _, e := range o.History {
			fmt.Fprintf(w, "  %s -> %s on %s\n", e.From, e.To, e.Event)
		}
		if o.Result != nil {
			fmt.Fprintf(w, "\n%s\n", o.Result.Content)
		}
	}

	if report.Error != "" {
		fmt.Fprintf(w, "✗ %s\n", report.Error)
	}
	return nil
}
