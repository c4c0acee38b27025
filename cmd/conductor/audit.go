package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/export"
	"mercator-hq/conductor/pkg/evidence/query"
	"mercator-hq/conductor/pkg/evidence/retention"
	"mercator-hq/conductor/pkg/policy"
)

// errTampered is returned by audit query --verify when a record's payload
// no longer matches its hash.
var errTampered = errors.New("audit records failed hash verification")

var auditFlags struct {
	kind          string
	correlationID string
	workflowID    string
	backendID     string
	ruleID        string
	since         string
	until         string
	limit         int
	offset        int
	order         string
	format        string
	output        string
	verify        bool

	severity string
	category string
	open     bool
	resolved bool

	by    string
	notes string

	statsSince string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail and manage violations",
	Long: `Query, export and prune the audit trail, and triage policy violations.

The audit trail holds one record per rule evaluation, workflow transition,
routing decision and circuit breaker change. Each record stores the hash of
its payload so tampering can be detected with --verify.

Subcommands:
  query       - Query and export audit records
  violations  - List policy violations
  resolve     - Mark a violation resolved
  stats       - Violation counts by severity
  prune       - Apply the retention policy now

Time flags accept RFC3339 timestamps or durations before now ("24h", "30m").`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit records",
	Long: `Query audit records with filters and print or export them.

Examples:
  # Rule evaluations from the last day
  conductor audit query --kind audit --since 24h

  # Everything recorded for one request
  conductor audit query --correlation-id 5f0c...

  # Export routing decisions to CSV
  conductor audit query --kind routing --format csv --output routing.csv

  # Check that no record was modified
  conductor audit query --since 720h --limit 10000 --verify`,
	RunE: queryAudit,
}

var auditViolationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List policy violations",
	Long: `List policy violations, newest first.

Examples:
  # Open critical violations
  conductor audit violations --open --severity critical

  # Cost violations in the last week as JSON
  conductor audit violations --category cost --since 168h --format json`,
	RunE: listViolations,
}

var auditResolveCmd = &cobra.Command{
	Use:   "resolve <violation-id>",
	Short: "Mark a violation resolved",
	Long: `Mark a violation resolved with who resolved it and optional notes.

Examples:
  conductor audit resolve 9b1d... --by alice --notes "budget raised"`,
	Args: cobra.ExactArgs(1),
	RunE: resolveViolation,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show violation counts by severity",
	RunE:  complianceStats,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy now",
	Long: `Delete audit records older than evidence.retention.days, enforce
evidence.retention.max_records per kind, and drop resolved violations past
retention. Open violations are never pruned.`,
	RunE: pruneAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditViolationsCmd, auditResolveCmd, auditStatsCmd, auditPruneCmd)

	q := auditQueryCmd.Flags()
	q.StringVar(&auditFlags.kind, "kind", "", "record kind: audit, transition, routing, circuit")
	q.StringVar(&auditFlags.correlationID, "correlation-id", "", "filter by correlation id")
	q.StringVar(&auditFlags.workflowID, "workflow-id", "", "filter by workflow id")
	q.StringVar(&auditFlags.backendID, "backend", "", "filter by backend id")
	q.StringVar(&auditFlags.ruleID, "rule", "", "filter by rule id")
	q.StringVar(&auditFlags.since, "since", "", "earliest timestamp (RFC3339 or duration ago)")
	q.StringVar(&auditFlags.until, "until", "", "latest timestamp (RFC3339 or duration ago)")
	q.IntVar(&auditFlags.limit, "limit", 100, "max results")
	q.IntVar(&auditFlags.offset, "offset", 0, "pagination offset")
	q.StringVar(&auditFlags.order, "order", "desc", "sort by timestamp: asc, desc")
	q.StringVar(&auditFlags.format, "format", "text", "output format: text, json, csv")
	q.StringVarP(&auditFlags.output, "output", "o", "", "output file (default: stdout)")
	q.BoolVar(&auditFlags.verify, "verify", false, "verify each record's payload hash")

	v := auditViolationsCmd.Flags()
	v.StringVar(&auditFlags.severity, "severity", "", "filter by severity: critical, high, medium, low")
	v.StringVar(&auditFlags.category, "category", "", "filter by rule category")
	v.StringVar(&auditFlags.ruleID, "rule", "", "filter by rule id")
	v.StringVar(&auditFlags.correlationID, "correlation-id", "", "filter by correlation id")
	v.StringVar(&auditFlags.since, "since", "", "earliest detection time (RFC3339 or duration ago)")
	v.StringVar(&auditFlags.until, "until", "", "latest detection time (RFC3339 or duration ago)")
	v.BoolVar(&auditFlags.open, "open", false, "only unresolved violations")
	v.BoolVar(&auditFlags.resolved, "resolved", false, "only resolved violations")
	v.IntVar(&auditFlags.limit, "limit", 100, "max results")
	v.IntVar(&auditFlags.offset, "offset", 0, "pagination offset")
	v.StringVar(&auditFlags.format, "format", "text", "output format: text, json, csv")
	auditViolationsCmd.MarkFlagsMutuallyExclusive("open", "resolved")

	auditResolveCmd.Flags().StringVar(&auditFlags.by, "by", "", "who resolved the violation")
	auditResolveCmd.Flags().StringVar(&auditFlags.notes, "notes", "", "resolution notes")
	_ = auditResolveCmd.MarkFlagRequired("by")

	auditStatsCmd.Flags().StringVar(&auditFlags.statsSince, "since", "24h", "window start (RFC3339 or duration ago)")
	auditStatsCmd.Flags().StringVar(&auditFlags.format, "format", "text", "output format: text, json")
}

// openAuditStore loads the configuration and opens the audit store.
func openAuditStore() (*config.Config, *slog.Logger, evidence.Storage, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if !cfg.Evidence.Enabled {
		return nil, nil, nil, cli.NewConfigError("evidence.enabled", "the audit trail is disabled")
	}
	st, err := openEvidence(&cfg.Evidence)
	if err != nil {
		return nil, nil, nil, cli.NewCommandError("audit", err)
	}
	return cfg, logger, st, nil
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration before now.
// An empty value yields nil.
func parseTimeFlag(name, raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return nil, cli.NewConfigError(name, "duration must be non-negative")
		}
		t := now.Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, cli.NewConfigError(name, fmt.Sprintf("expected RFC3339 time or duration, got %q", raw))
	}
	return &t, nil
}

// recordTable renders audit records as rows.
type recordTable []*evidence.Record

func (t recordTable) Header() []string {
	return []string{"TIMESTAMP", "KIND", "CORRELATION", "BACKEND", "RULE", "SUMMARY"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			r.Timestamp.Format(time.RFC3339),
			string(r.Kind),
			orDash(r.CorrelationID),
			orDash(r.BackendID),
			orDash(r.RuleID),
			r.Summary,
		})
	}
	return rows
}

// violationTable renders violations as rows.
type violationTable []policy.Violation

func (t violationTable) Header() []string {
	return []string{"ID", "DETECTED", "RULE", "CATEGORY", "SEVERITY", "ACTION", "RESOLVED"}
}

func (t violationTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, v := range t {
		rows = append(rows, []string{
			v.ID,
			v.DetectedAt.Format(time.RFC3339),
			v.RuleID,
			string(v.Category),
			string(v.Severity),
			string(v.Action),
			strconv.FormatBool(v.Resolved),
		})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func buildAuditQuery(now time.Time) (*evidence.Query, error) {
	q := &evidence.Query{
		Kind:          evidence.Kind(auditFlags.kind),
		CorrelationID: auditFlags.correlationID,
		WorkflowID:    auditFlags.workflowID,
		BackendID:     auditFlags.backendID,
		RuleID:        auditFlags.ruleID,
		Limit:         auditFlags.limit,
		Offset:        auditFlags.offset,
		SortOrder:     auditFlags.order,
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, cli.NewConfigError("kind", fmt.Sprintf("unknown record kind %q", auditFlags.kind))
	}

	var err error
	if q.StartTime, err = parseTimeFlag("since", auditFlags.since, now); err != nil {
		return nil, err
	}
	if q.EndTime, err = parseTimeFlag("until", auditFlags.until, now); err != nil {
		return nil, err
	}
	if err := query.Validate(q); err != nil {
		return nil, cli.NewConfigError("query", err.Error())
	}
	query.ApplyDefaults(q)
	return q, nil
}

func queryAudit(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(auditFlags.format)
	if err != nil {
		return err
	}
	q, err := buildAuditQuery(time.Now())
	if err != nil {
		return err
	}

	_, _, st, err := openAuditStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	w := cmd.OutOrStdout()
	if auditFlags.output != "" {
		f, err := os.Create(auditFlags.output)
		if err != nil {
			return cli.NewCommandError("audit query", fmt.Errorf("failed to create output file: %w", err))
		}
		defer f.Close()
		w = f
	}

	var tampered int
	if format == cli.FormatText {
		records, err := st.Query(ctx, q)
		if err != nil {
			return cli.NewCommandError("audit query", err)
		}
		if len(records) == 0 {
			fmt.Fprintln(w, "No records found")
			return nil
		}
		for _, r := range records {
			if auditFlags.verify && !r.VerifyHash() {
				tampered++
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ record %s failed hash verification\n", r.ID)
			}
		}
		if err := cli.NewFormatter(format).FormatTo(w, recordTable(records)); err != nil {
			return err
		}
	} else {
		tampered, err = exportAudit(ctx, st, q, format, w, cmd.ErrOrStderr())
		if err != nil {
			return cli.NewCommandError("audit query", err)
		}
		if auditFlags.output != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported to %s\n", auditFlags.output)
		}
	}

	if auditFlags.verify {
		if tampered > 0 {
			return cli.NewCommandError("audit query", fmt.Errorf("%w: %d record(s)", errTampered, tampered))
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "✓ All records verified")
	}
	return nil
}

// exportAudit streams matching records through a JSON or CSV exporter,
// reporting progress on progressOut. It returns the number of records that
// failed hash verification when --verify is set.
func exportAudit(ctx context.Context, st evidence.Storage, q *evidence.Query, format cli.OutputFormat, w, progressOut io.Writer) (int, error) {
	var exporter evidence.Exporter
	switch format {
	case cli.FormatCSV:
		exporter = export.NewCSVExporter(true)
	default:
		exporter = export.NewJSONExporter(true)
	}

	total, err := st.Count(ctx, q)
	if err != nil {
		return 0, err
	}
	if remaining := total - int64(q.Offset); remaining < int64(q.Limit) {
		total = max(remaining, 0)
	} else {
		total = int64(q.Limit)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	records, errs, err := st.QueryStream(ctx, q)
	if err != nil {
		return 0, err
	}

	progress := cli.NewProgressReporter(progressOut, "records")
	progress.Start(total)

	tampered := 0
	counted := make(chan *evidence.Record)
	go func() {
		defer close(counted)
		var n int64
		for r := range records {
			if auditFlags.verify && !r.VerifyHash() {
				tampered++
			}
			select {
			case counted <- r:
			case <-ctx.Done():
				return
			}
			n++
			progress.Update(n)
		}
	}()

	if err := exporter.ExportStream(ctx, counted, w); err != nil {
		progress.Error(err)
		return 0, err
	}
	// Drained: the stream goroutine has exited and tampered is final.
	if err := <-errs; err != nil {
		progress.Error(err)
		return 0, err
	}
	progress.Finish()
	return tampered, nil
}

func listViolations(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(auditFlags.format)
	if err != nil {
		return err
	}

	now := time.Now()
	q := &evidence.ViolationQuery{
		Severity:      policy.Severity(auditFlags.severity),
		Category:      policy.Category(auditFlags.category),
		RuleID:        auditFlags.ruleID,
		CorrelationID: auditFlags.correlationID,
		Limit:         auditFlags.limit,
		Offset:        auditFlags.offset,
	}
	if q.Category != "" && !q.Category.Valid() {
		return cli.NewConfigError("category", fmt.Sprintf("unknown category %q", auditFlags.category))
	}
	if q.StartTime, err = parseTimeFlag("since", auditFlags.since, now); err != nil {
		return err
	}
	if q.EndTime, err = parseTimeFlag("until", auditFlags.until, now); err != nil {
		return err
	}
	switch {
	case auditFlags.open:
		resolved := false
		q.Resolved = &resolved
	case auditFlags.resolved:
		resolved := true
		q.Resolved = &resolved
	}
	if err := query.ValidateViolations(q); err != nil {
		return cli.NewConfigError("query", err.Error())
	}

	_, _, st, err := openAuditStore()
	if err != nil {
		return err
	}
	defer st.Close()

	violations, err := st.Violations(cmd.Context(), q)
	if err != nil {
		return cli.NewCommandError("audit violations", err)
	}
	if len(violations) == 0 && format == cli.FormatText {
		fmt.Fprintln(cmd.OutOrStdout(), "No violations found")
		return nil
	}
	if format == cli.FormatJSON {
		return (&cli.JSONFormatter{Indent: true}).FormatTo(cmd.OutOrStdout(), violations)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), violationTable(violations))
}

func resolveViolation(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(auditFlags.by) == "" {
		return cli.NewConfigError("by", "resolver is required")
	}

	_, _, st, err := openAuditStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResolveViolation(cmd.Context(), args[0], auditFlags.by, auditFlags.notes, time.Now()); err != nil {
		return cli.NewCommandError("audit resolve", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Violation %s resolved by %s\n", args[0], auditFlags.by)
	return nil
}

// statsReport is the printable form of compliance stats.
type statsReport struct {
	Since          time.Time                                   `json:"since"`
	Total          int64                                       `json:"total"`
	Resolved       int64                                       `json:"resolved"`
	Unresolved     int64                                       `json:"unresolved"`
	ResolutionRate float64                                     `json:"resolution_rate"`
	BySeverity     map[policy.Severity]evidence.SeverityCounts `json:"by_severity"`
}

func complianceStats(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(auditFlags.format)
	if err != nil {
		return err
	}
	since, err := parseTimeFlag("since", auditFlags.statsSince, time.Now())
	if err != nil {
		return err
	}
	if since == nil {
		return cli.NewConfigError("since", "a window start is required")
	}

	_, _, st, err := openAuditStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.ComplianceStats(cmd.Context(), *since)
	if err != nil {
		return cli.NewCommandError("audit stats", err)
	}
	report := statsReport{
		Since:          stats.Since,
		Total:          stats.Total,
		Resolved:       stats.Resolved,
		Unresolved:     stats.Unresolved(),
		ResolutionRate: stats.ResolutionRate(),
		BySeverity:     stats.BySeverity,
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatJSON {
		return (&cli.JSONFormatter{Indent: true}).FormatTo(out, report)
	}

	fmt.Fprintf(out, "Violations since %s\n", report.Since.Format(time.RFC3339))
	fmt.Fprintf(out, "  total:      %d\n", report.Total)
	fmt.Fprintf(out, "  resolved:   %d\n", report.Resolved)
	fmt.Fprintf(out, "  unresolved: %d\n", report.Unresolved)
	fmt.Fprintf(out, "  resolution: %.1f%%\n", report.ResolutionRate*100)

	severities := make([]policy.Severity, 0, len(report.BySeverity))
	for s := range report.BySeverity {
		severities = append(severities, s)
	}
	sort.Slice(severities, func(i, j int) bool { return severities[i] < severities[j] })
	for _, s := range severities {
		c := report.BySeverity[s]
		fmt.Fprintf(out, "  %-9s %d (%d resolved)\n", s+":", c.Total, c.Resolved)
	}
	return nil
}

func pruneAudit(cmd *cobra.Command, args []string) error {
	cfg, logger, st, err := openAuditStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pruner := retention.NewPruner(st, retention.Config{
		RetentionDays: cfg.Evidence.Retention.Days,
		PruneSchedule: cfg.Evidence.Retention.PruneSchedule,
		MaxRecords:    cfg.Evidence.Retention.MaxRecords,
	}, logger)

	res, err := pruner.Prune(cmd.Context())
	if err != nil {
		return cli.NewCommandError("audit prune", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Pruned %d records older than %d days\n", res.ByAge, cfg.Evidence.Retention.Days)
	if res.ByCount > 0 {
		fmt.Fprintf(out, "✓ Pruned %d records over the per-kind limit\n", res.ByCount)
	}
	fmt.Fprintf(out, "✓ Pruned %d resolved violations\n", res.Violations)
	return nil
}
