package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/telemetry/logging"
)

var (
	// Global flags
	cfgFile  string
	verbose  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - policy-governed LLM request routing",
	Long: `Conductor routes LLM requests across a catalog of model backends.

For every request it:
  - Evaluates policy rules in pre-flight, runtime and post-execution phases
  - Selects the cheapest backend that satisfies capability and policy constraints
  - Drives the request through a single control-flow state machine
  - Recovers from backend failures with retries, fallbacks and circuit breakers
  - Records every rule evaluation, transition and routing decision for audit`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code that tells scripts
// how the command failed.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "conductor.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override telemetry.logging.level (debug, info, warn, error)")
}

// loadConfig loads the configuration named by --config, installs it as the
// process-wide configuration and sets up logging from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return nil, nil, err
		}
		return nil, nil, cli.NewConfigError("config", err.Error())
	}
	config.SetConfig(cfg)

	logCfg := logging.FromConfig(&cfg.Telemetry.Logging)
	switch {
	case logLevel != "":
		logCfg.Level = logLevel
	case verbose:
		logCfg.Level = "debug"
	}
	logger, err := logging.Setup(logCfg)
	if err != nil {
		return nil, nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	return cfg, logger, nil
}
