package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource loads the catalog from a PostgreSQL table with the layout:
//
//	CREATE TABLE models (
//	    model_id              TEXT PRIMARY KEY,
//	    vendor_id             TEXT NOT NULL,
//	    capability_tier       TEXT NOT NULL,   -- 'Tier_1' .. 'Tier_3'
//	    context_window        INTEGER NOT NULL,
//	    cost_in_per_mil       DOUBLE PRECISION NOT NULL,
//	    cost_out_per_mil      DOUBLE PRECISION NOT NULL,
//	    function_call_support BOOLEAN NOT NULL DEFAULT FALSE,
//	    is_active             BOOLEAN NOT NULL DEFAULT TRUE,
//	    quota_rpm             INTEGER NOT NULL DEFAULT 0,
//	    quota_tpm             INTEGER NOT NULL DEFAULT 0,
//	    regions               TEXT[] NOT NULL DEFAULT '{global}',
//	    p_success             DOUBLE PRECISION NOT NULL DEFAULT 0.99
//	);
type PostgresSource struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// PostgresConfig configures a PostgresSource.
type PostgresConfig struct {
	DSN      string
	Table    string
	MaxConns int32
}

// NewPostgresSource opens a connection pool and verifies connectivity.
func NewPostgresSource(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Table == "" {
		cfg.Table = "models"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresSource{
		pool:   pool,
		table:  cfg.Table,
		logger: logger.With("component", "registry.postgres", "table", cfg.Table),
	}, nil
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres:" + s.table }

// Load implements Source.
func (s *PostgresSource) Load(ctx context.Context) ([]BackendDescriptor, error) {
	query := fmt.Sprintf(`
		SELECT model_id, vendor_id, capability_tier, context_window,
		       cost_in_per_mil, cost_out_per_mil, function_call_support,
		       is_active, quota_rpm, quota_tpm, regions, p_success
		FROM %s
		ORDER BY model_id`, pgx.Identifier{s.table}.Sanitize())

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}

	backends, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (BackendDescriptor, error) {
		var (
			d    BackendDescriptor
			tier string
		)
		if err := row.Scan(
			&d.ID, &d.Vendor, &tier, &d.ContextWindow,
			&d.CostInPerMillion, &d.CostOutPerMillion, &d.SupportsTools,
			&d.Active, &d.QuotaRPM, &d.QuotaTPM, &d.Regions, &d.PriorSuccess,
		); err != nil {
			return d, err
		}
		parsed, err := ParseTier(tier)
		if err != nil {
			return d, fmt.Errorf("model %s: %w", d.ID, err)
		}
		d.Tier = parsed
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog rows: %w", err)
	}

	s.logger.Debug("catalog rows loaded", "backends", len(backends))
	return backends, nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
