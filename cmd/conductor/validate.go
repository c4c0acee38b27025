package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/store"
)

var validateFlags struct {
	policyFile string
	format     string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, model registry and policy rules",
	Long: `Check that the configuration, the model registry and the policy rule file
load cleanly, without starting anything.

The validate command reports:
  - configuration errors (with the offending field)
  - registry descriptors that fail validation or duplicate an id
  - policy rules that fail validation or duplicate an id
  - rules whose constraints cannot be decoded (these fail open at runtime)
  - active backends whose vendor has no configured adapter

Examples:
  # Validate the default configuration
  conductor validate

  # Validate a candidate rule file against the current catalog
  conductor validate --policy ./policies-next.yaml

  # Machine-readable report
  conductor validate --format json`,
	RunE: validateAll,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.policyFile, "policy", "", "rule file to validate (default: policy.file_path)")
	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json")
}

// validationReport is what the validate command prints.
type validationReport struct {
	ConfigFile    string   `json:"config_file"`
	Backends      int      `json:"backends"`
	Active        int      `json:"active_backends"`
	Rules         int      `json:"rules"`
	EnabledRules  int      `json:"enabled_rules"`
	PolicyVersion string   `json:"policy_version,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Valid reports whether no errors were found.
func (r *validationReport) Valid() bool {
	return len(r.Errors) == 0
}

func validateAll(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(validateFlags.format)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	report := &validationReport{ConfigFile: cfgFile}
	a := &app{cfg: cfg, logger: logger}
	defer a.Close()

	validateRegistry(cmd.Context(), a, report)

	path := validateFlags.policyFile
	if path == "" {
		path = cfg.Policy.FilePath
	}
	validateRules(path, report)

	if err := writeValidationReport(cmd.OutOrStdout(), format, report); err != nil {
		return err
	}
	if !report.Valid() {
		return cli.NewConfigError("validate", fmt.Sprintf("%d problem(s) found", len(report.Errors)))
	}
	return nil
}

func validateRegistry(ctx context.Context, a *app, report *validationReport) {
	if err := a.buildRegistry(ctx); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}

	all := a.registry.All()
	active := a.registry.ActiveBackends()
	report.Backends = len(all)
	report.Active = len(active)

	if len(active) == 0 {
		report.Warnings = append(report.Warnings, "registry has no active backends; every request will fail routing")
	}

	var missing []string
	for _, b := range active {
		if _, ok := a.cfg.Adapters[b.Vendor]; !ok && !slices.Contains(missing, b.Vendor) {
			missing = append(missing, b.Vendor)
		}
	}
	slices.Sort(missing)
	for _, vendor := range missing {
		report.Warnings = append(report.Warnings, fmt.Sprintf("no adapter configured for vendor %q", vendor))
	}
}

func validateRules(path string, report *validationReport) {
	data, err := os.ReadFile(path)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to read rule file: %v", err))
		return
	}
	rules, version, err := store.ParseRules(data)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	report.Rules = len(rules)
	report.PolicyVersion = version

	invalid := false
	for _, r := range rules {
		if r.Enabled {
			report.EnabledRules++
		}
		if err := r.Validate(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			invalid = true
			continue
		}
		if m, ok := r.Constraint.(policy.Malformed); ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("rule %s has malformed constraints and will fail open: %v", r.ID, m.Err))
		}
	}
	if invalid {
		return
	}

	// Catches duplicate ids across otherwise valid rules.
	if _, err := store.NewStatic(rules); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
}

func writeValidationReport(w io.Writer, format cli.OutputFormat, report *validationReport) error {
	switch format {
	case cli.FormatJSON:
		return (&cli.JSONFormatter{Indent: true}).FormatTo(w, report)
	case cli.FormatCSV:
		return cli.NewConfigError("format", "validate supports text and json output")
	}

	fmt.Fprintf(w, "Validating %s\n", report.ConfigFile)
	fmt.Fprintln(w, "✓ Configuration valid")
	fmt.Fprintf(w, "  registry: %d backends (%d active)\n", report.Backends, report.Active)
	fmt.Fprintf(w, "  policy:   %d rules (%d enabled)", report.Rules, report.EnabledRules)
	if report.PolicyVersion != "" {
		fmt.Fprintf(w, ", version %s", report.PolicyVersion)
	}
	fmt.Fprintln(w)

	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "! %s\n", warn)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "✗ %s\n", e)
	}
	if report.Valid() {
		fmt.Fprintln(w, "✓ All checks passed")
	}
	return nil
}
