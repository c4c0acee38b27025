package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/recorder"
	"mercator-hq/conductor/pkg/evidence/retention"
	"mercator-hq/conductor/pkg/evidence/storage"
	"mercator-hq/conductor/pkg/limits/quota"
	lstorage "mercator-hq/conductor/pkg/limits/storage"
	"mercator-hq/conductor/pkg/policy/store"
	"mercator-hq/conductor/pkg/policy/verifier"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/telemetry/tracing"
	"mercator-hq/conductor/pkg/usage"
	"mercator-hq/conductor/pkg/workflow"
)

// app holds every component built from one configuration. Fields for
// disabled features are nil.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics *metrics.Collector
	tracer  *tracing.Tracer

	registry *registry.Registry
	regFile  *registry.FileSource
	regPG    *registry.PostgresSource

	rules  *store.Store
	loader *store.FileLoader

	evidence evidence.Storage
	recorder *recorder.Recorder
	pruner   *retention.Pruner

	quota    *quota.Tracker
	redis    *quota.RedisStore
	usage    *usage.Tracker
	breakers *recovery.Breakers

	state     lstorage.Backend
	persister *lstorage.Persister

	verifier *verifier.Verifier
	router   *routing.Router
	adapters *providers.Set
	executor *recovery.Executor
	orch     *workflow.Orchestrator
	engine   *workflow.Engine

	closers []func() error
}

// appOptions selects optional pieces. Short-lived commands skip the ones
// that only matter to a long-running process.
type appOptions struct {
	// Evidence opens the audit store and starts the recorder.
	Evidence bool

	// State restores circuit and spend snapshots from the state store.
	State bool
}

// newApp builds the component graph in dependency order. On error every
// component built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if cfg.Telemetry.Metrics.Enabled {
		a.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	}

	if cfg.Telemetry.Tracing.Enabled {
		a.tracer, err = tracing.New(&cfg.Telemetry.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.tracer.Shutdown(shutdownCtx)
		})
	} else {
		a.tracer = tracing.Noop()
	}

	if err := a.buildRegistry(ctx); err != nil {
		return nil, err
	}
	if err := a.buildPolicy(ctx); err != nil {
		return nil, err
	}
	if opts.Evidence {
		if err := a.buildEvidence(); err != nil {
			return nil, err
		}
	}
	if err := a.buildQuota(ctx); err != nil {
		return nil, err
	}

	a.usage = usage.New(usage.Options{Metrics: a.metrics, Logger: logger})

	var observer recovery.TransitionObserver
	if a.recorder != nil {
		observer = a.recorder
	}
	a.breakers = recovery.NewBreakers(recovery.BreakerConfig{
		FailureThreshold: cfg.Recovery.FailureThreshold,
		Cooldown:         cfg.Recovery.Cooldown,
		MaxCooldown:      cfg.Recovery.MaxCooldown,
	}, recovery.BreakerOptions{
		Observer: observer,
		Metrics:  a.metrics,
		Logger:   logger,
	})

	if opts.State && cfg.State.Enabled {
		if err := a.buildState(ctx); err != nil {
			return nil, err
		}
	}

	a.buildPipeline()
	return a, nil
}

func (a *app) buildRegistry(ctx context.Context) error {
	cfg := a.cfg.Registry

	var source registry.Source
	switch cfg.Source {
	case "postgres":
		pg, err := registry.NewPostgresSource(ctx, registry.PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		}, a.logger)
		if err != nil {
			return err
		}
		a.regPG = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		source = pg
	default:
		a.regFile = registry.NewFileSource(cfg.FilePath, a.logger)
		source = a.regFile
	}

	a.registry = registry.New(source, a.logger)
	if err := a.registry.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load model registry: %w", err)
	}
	return nil
}

func (a *app) buildPolicy(ctx context.Context) error {
	a.rules = store.New(a.logger)
	a.loader = store.NewFileLoader(a.cfg.Policy.FilePath, a.rules, a.logger)
	if err := a.loader.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	return nil
}

func (a *app) buildEvidence() error {
	cfg := a.cfg.Evidence
	if !cfg.Enabled {
		return nil
	}

	st, err := openEvidence(&cfg)
	if err != nil {
		return err
	}
	a.evidence = st

	a.recorder = recorder.New(st, recorder.Config{
		Enabled:      true,
		AsyncBuffer:  cfg.Recorder.AsyncBuffer,
		WriteTimeout: cfg.Recorder.WriteTimeout,
	}, recorder.Options{Metrics: a.metrics, Logger: a.logger})

	a.pruner = retention.NewPruner(st, retention.Config{
		RetentionDays: cfg.Retention.Days,
		PruneSchedule: cfg.Retention.PruneSchedule,
		MaxRecords:    cfg.Retention.MaxRecords,
	}, a.logger)

	// The recorder drains into the store, so it closes first.
	a.closers = append(a.closers, st.Close, a.recorder.Close)
	return nil
}

// openEvidence opens the configured evidence store.
func openEvidence(cfg *config.EvidenceConfig) (evidence.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create evidence directory: %w", err)
			}
		}
		st, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			WALMode:      cfg.SQLite.WALMode,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open evidence store: %w", err)
		}
		return st, nil
	}
}

func (a *app) buildQuota(ctx context.Context) error {
	cfg := a.cfg.Quota
	if !cfg.Enabled {
		return nil
	}

	var shared quota.SharedStore
	if cfg.Backend == "redis" {
		rs, err := quota.NewRedisStore(ctx, quota.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to quota store: %w", err)
		}
		a.redis = rs
		a.closers = append(a.closers, rs.Close)
		shared = rs
	}

	a.quota = quota.New(a.registry, quota.Options{Shared: shared, Logger: a.logger})
	return nil
}

// openState opens the circuit snapshot store.
func openState(cfg *config.StateConfig) (*lstorage.SQLiteBackend, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	backend, err := lstorage.NewSQLiteBackend(lstorage.SQLiteConfig{
		Path:        cfg.Path,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return backend, nil
}

func (a *app) buildState(ctx context.Context) error {
	backend, err := openState(&a.cfg.State)
	if err != nil {
		return err
	}
	a.state = backend
	a.closers = append(a.closers, backend.Close)

	var spend lstorage.SpendSource
	if a.quota != nil {
		spend = a.quota
	}
	a.persister = lstorage.NewPersister(backend, a.breakers, spend, a.cfg.State.CheckpointInterval, a.logger)
	if err := a.persister.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	return nil
}

func (a *app) buildPipeline() {
	cfg := a.cfg

	var sink verifier.AuditSink
	var wfSink workflow.Sink
	if a.recorder != nil {
		sink = a.recorder
		wfSink = a.recorder
	}

	vopts := verifier.Options{
		Performance: a.usage,
		Sink:        sink,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
		Logger:      a.logger,
	}
	ropts := routing.Options{
		Circuits: a.breakers,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
		Logger:   a.logger,
		Stats:    routing.NewAtomicRoutingStats(),
	}
	var q workflow.Quota
	if a.quota != nil {
		vopts.Rates = a.quota
		ropts.Quotas = a.quota
		q = a.quota
	}

	a.verifier = verifier.New(a.rules, a.registry, vopts)
	a.router = routing.New(a.registry, routing.Config{
		OutputMargin:        cfg.Routing.OutputMargin,
		FallbackChainLength: cfg.Routing.FallbackChainLength,
		DefaultRegion:       cfg.Routing.DefaultRegion,
	}, ropts)

	a.adapters = providers.NewSet()
	for vendor, ac := range cfg.Adapters {
		adapter := providers.NewHTTPAdapter(providers.HTTPConfig{
			Name:    vendor,
			BaseURL: ac.BaseURL,
			APIKey:  ac.APIKey,
			Timeout: ac.Timeout,
		}, a.logger)
		a.adapters.RegisterVendor(vendor, adapter)
		a.closers = append(a.closers, adapter.Close)
	}

	a.executor = recovery.NewExecutor(a.router, a.adapters, a.breakers, recovery.Config{
		TimeoutRetries: cfg.Recovery.TimeoutRetries,
		UnknownRetries: cfg.Recovery.UnknownRetries,
		BackoffBase:    cfg.Recovery.BackoffBase,
		BackoffMax:     cfg.Recovery.BackoffMax,
		MaxFallbacks:   cfg.Recovery.MaxFallbacks,
		AttemptTimeout: cfg.Recovery.AttemptTimeout,
	}, recovery.Options{
		Verifier: a.verifier,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
		Logger:   a.logger,
	})

	a.orch = workflow.NewOrchestrator(workflow.OrchestratorConfig{
		MaxInstances: cfg.Workflow.MaxInstances,
		Retention:    cfg.Workflow.Retention,
	}, a.logger)

	a.engine = workflow.NewEngine(a.verifier, a.router, a.executor, workflow.Config{
		RequestTimeout: cfg.Workflow.RequestTimeout,
	}, workflow.Options{
		Orchestrator: a.orch,
		Quota:        q,
		Usage:        a.usage,
		Sink:         wfSink,
		Validator:    workflow.NonEmptyOutput,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
		Logger:       a.logger,
	})
}

// Close releases components in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
