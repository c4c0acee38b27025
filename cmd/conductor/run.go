package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/conductor/pkg/cli"
	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/server"
	"mercator-hq/conductor/pkg/watch"
)

// workflowPruneInterval is how often finished workflows past their
// retention are dropped from the orchestrator.
const workflowPruneInterval = time.Minute

var runFlags struct {
	listenAddress string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start Conductor",
	Long: `Start Conductor with the specified configuration.

Run loads the model registry and policy rules, restores circuit breaker
state, and then supervises until interrupted:
  - the admin API (health, metrics, circuits, workflows, usage)
  - registry and policy file watchers (hot reload)
  - periodic state checkpoints
  - the audit retention scheduler

Examples:
  # Start with default config
  conductor run

  # Start with custom config
  conductor run --config /etc/conductor/conductor.yaml

  # Override the admin listen address
  conductor run --listen 0.0.0.0:9090

  # Build every component and exit
  conductor run --dry-run`,
	RunE: runConductor,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override admin listen address")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "build every component and exit without serving")
}

func runConductor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}

	out := cmd.OutOrStdout()
	printBanner(out, cfg)

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{Evidence: true, State: true})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close components", "error", err)
		}
	}()

	fmt.Fprintf(out, "✓ Registry loaded (%d active backends)\n", len(a.registry.ActiveBackends()))
	fmt.Fprintf(out, "✓ Policy rules loaded (%d rules, version %s)\n", len(a.rules.Rules()), a.rules.Version())
	if a.evidence != nil {
		fmt.Fprintf(out, "✓ Audit store initialized (%s)\n", cfg.Evidence.Backend)
	}
	if a.persister != nil {
		fmt.Fprintf(out, "✓ State restored (%d circuits)\n", len(a.breakers.States()))
	}

	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Dry run complete")
		return nil
	}

	if err := supervise(ctx, out, a, logger); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Conductor stopped")
	return nil
}

// supervise runs every long-lived task until ctx is cancelled or one of
// them fails. A failure cancels the others.
func supervise(ctx context.Context, out io.Writer, a *app, logger *slog.Logger) error {
	cfg := a.cfg
	g, gctx := errgroup.WithContext(ctx)

	var srv *server.Server
	if cfg.Server.Enabled {
		opts := server.Options{
			Circuits:  a.breakers,
			Workflows: a.orch,
			Usage:     a.usage,
			Metrics:   a.metrics,
			Logger:    logger,
		}
		if a.evidence != nil {
			opts.Compliance = a.evidence
		}
		srv = server.NewServer(&cfg.Server, &cfg.Telemetry.Metrics, opts)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	switch {
	case a.regFile != nil && cfg.Registry.Watch:
		w, err := watch.New(watch.Config{
			Path:             a.regFile.Path(),
			DebounceInterval: cfg.Policy.DebounceDelay,
		}, logger.With("component", "registry"))
		if err != nil {
			return fmt.Errorf("failed to watch registry file: %w", err)
		}
		g.Go(func() error {
			return w.Watch(gctx, a.registry.Reload)
		})
	case a.regPG != nil && cfg.Registry.RefreshInterval > 0:
		g.Go(func() error {
			return a.registry.Poll(gctx, cfg.Registry.RefreshInterval)
		})
	}

	if cfg.Policy.Watch {
		g.Go(func() error {
			return a.loader.Watch(gctx, cfg.Policy.DebounceDelay)
		})
	}

	if a.persister != nil {
		g.Go(func() error {
			return a.persister.Run(gctx)
		})
	}

	g.Go(func() error {
		return a.orch.Run(gctx, workflowPruneInterval)
	})

	if a.pruner != nil {
		if err := a.pruner.Start(gctx); err != nil {
			logger.Warn("failed to start retention scheduler", "error", err)
		} else {
			defer a.pruner.Stop()
			if next := a.pruner.NextPruning(); next != nil {
				logger.Debug("audit retention scheduler started", "next_pruning", next)
			}
		}
	}

	if srv != nil {
		addr, err := waitForServerReady(gctx, srv, 5*time.Second)
		if err != nil {
			// The server goroutine reports the cause through the group.
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "✓ Admin API listening on %s\n", addr)
		fmt.Fprintf(out, "✓ Health endpoint: http://%s/health\n", addr)
		if cfg.Telemetry.Metrics.Enabled {
			fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", addr, cfg.Telemetry.Metrics.Path)
		}
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printBanner(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Conductor v%s\n", Version)
	fmt.Fprintf(out, "Loading configuration from: %s\n", cfgFile)
	fmt.Fprintln(out, "✓ Configuration loaded")

	slog.Debug("registry source", "source", cfg.Registry.Source, "watch", cfg.Registry.Watch)
	slog.Debug("policy rules", "path", cfg.Policy.FilePath, "watch", cfg.Policy.Watch)
	if cfg.Evidence.Enabled {
		slog.Debug("audit enabled", "backend", cfg.Evidence.Backend)
	}
	if cfg.Quota.Enabled {
		slog.Debug("quota enabled", "backend", cfg.Quota.Backend)
	}
}

// waitForServerReady polls until the admin server is listening and returns
// its bound address.
func waitForServerReady(ctx context.Context, srv *server.Server, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if srv.IsRunning() {
			if addr := srv.Addr(); addr != nil {
				return addr.String(), nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", errors.New("admin server did not start in time")
		case <-tick.C:
		}
	}
}
