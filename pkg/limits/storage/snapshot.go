package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/conductor/pkg/recovery"
)

// spendRetention bounds how long a tenant's spend record outlives its last
// checkpoint. Spend is a rolling daily total.
const spendRetention = 24 * time.Hour

// CircuitSource is the circuit breaker view the persister snapshots.
type CircuitSource interface {
	States() []recovery.CircuitState
	Restore(states []recovery.CircuitState)
}

// SpendSource is the quota view the persister snapshots.
type SpendSource interface {
	Spend() map[string]float64
	RestoreSpend(spend map[string]float64)
}

// SaveCircuits writes one record per circuit.
func SaveCircuits(ctx context.Context, b Backend, states []recovery.CircuitState) error {
	now := time.Now()
	for _, s := range states {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode circuit %s: %w", s.BackendID, err)
		}
		if err := b.Save(ctx, &State{
			Identifier:  s.BackendID,
			Dimension:   DimensionCircuit,
			Payload:     payload,
			LastUpdated: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadCircuits reads every persisted circuit. Undecodable records are
// skipped and reported in the joined error.
func LoadCircuits(ctx context.Context, b Backend) ([]recovery.CircuitState, error) {
	records, err := b.List(ctx, DimensionCircuit)
	if err != nil {
		return nil, err
	}
	var (
		out  []recovery.CircuitState
		errs []error
	)
	for _, r := range records {
		var s recovery.CircuitState
		if err := json.Unmarshal(r.Payload, &s); err != nil {
			errs = append(errs, fmt.Errorf("decode circuit %s: %w", r.Identifier, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

// SaveSpend writes one record per tenant.
func SaveSpend(ctx context.Context, b Backend, spend map[string]float64) error {
	now := time.Now()
	for tenant, amount := range spend {
		payload, err := json.Marshal(amount)
		if err != nil {
			return fmt.Errorf("encode spend %s: %w", tenant, err)
		}
		if err := b.Save(ctx, &State{
			Identifier:  tenant,
			Dimension:   DimensionSpend,
			Payload:     payload,
			LastUpdated: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadSpend reads every persisted tenant spend.
func LoadSpend(ctx context.Context, b Backend) (map[string]float64, error) {
	records, err := b.List(ctx, DimensionSpend)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(records))
	var errs []error
	for _, r := range records {
		var amount float64
		if err := json.Unmarshal(r.Payload, &amount); err != nil {
			errs = append(errs, fmt.Errorf("decode spend %s: %w", r.Identifier, err))
			continue
		}
		out[r.Identifier] = amount
	}
	return out, errors.Join(errs...)
}

// Persister checkpoints circuit and spend state to a Backend and restores
// it on startup. Either source may be nil.
type Persister struct {
	backend  Backend
	circuits CircuitSource
	spend    SpendSource
	interval time.Duration
	logger   *slog.Logger
}

// NewPersister creates a persister that checkpoints every interval.
func NewPersister(backend Backend, circuits CircuitSource, spend SpendSource, interval time.Duration, logger *slog.Logger) *Persister {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		backend:  backend,
		circuits: circuits,
		spend:    spend,
		interval: interval,
		logger:   logger.With("component", "state"),
	}
}

// Restore seeds the sources from the backend. Decode failures are logged
// and the remaining records still load.
func (p *Persister) Restore(ctx context.Context) error {
	if p.circuits != nil {
		states, err := LoadCircuits(ctx, p.backend)
		if err != nil {
			if states == nil {
				return fmt.Errorf("load circuits: %w", err)
			}
			p.logger.Warn("skipped unreadable circuit records", "error", err)
		}
		p.circuits.Restore(states)
	}
	if p.spend != nil {
		spend, err := LoadSpend(ctx, p.backend)
		if err != nil {
			if spend == nil {
				return fmt.Errorf("load spend: %w", err)
			}
			p.logger.Warn("skipped unreadable spend records", "error", err)
		}
		p.spend.RestoreSpend(spend)
	}
	return nil
}

// Checkpoint writes the current state and prunes stale records.
func (p *Persister) Checkpoint(ctx context.Context) error {
	if p.circuits != nil {
		if err := SaveCircuits(ctx, p.backend, p.circuits.States()); err != nil {
			return fmt.Errorf("save circuits: %w", err)
		}
	}
	if p.spend != nil {
		if err := SaveSpend(ctx, p.backend, p.spend.Spend()); err != nil {
			return fmt.Errorf("save spend: %w", err)
		}
	}
	if n, err := p.backend.Cleanup(ctx, time.Now().Add(-spendRetention)); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	} else if n > 0 {
		p.logger.Debug("pruned stale state", "records", n)
	}
	return nil
}

// Run checkpoints every interval until ctx is cancelled, then writes a
// final checkpoint.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.Checkpoint(final); err != nil {
				p.logger.Error("final checkpoint failed", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if err := p.Checkpoint(ctx); err != nil {
				p.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}
