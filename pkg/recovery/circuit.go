package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mercator-hq/conductor/pkg/telemetry/metrics"
)

// Status is the state of one backend's circuit.
type Status int

const (
	StatusClosed Status = iota
	StatusOpen
	StatusHalfOpen
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusOpen:
		return "open"
	case StatusHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "closed":
		*s = StatusClosed
	case "open":
		*s = StatusOpen
	case "half-open", "half_open", "halfopen":
		*s = StatusHalfOpen
	default:
		return fmt.Errorf("unknown circuit status %q", text)
	}
	return nil
}

// CircuitState is a point-in-time copy of one backend's circuit.
type CircuitState struct {
	BackendID           string        `json:"backend_id"`
	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	Cooldown            time.Duration `json:"cooldown"`

	// Reopens counts consecutive half-open trials that failed.
	Reopens int `json:"reopens"`

	// TrialInFlight is true while the single half-open trial is running.
	TrialInFlight bool `json:"trial_in_flight"`
}

// NextTrial is when an open circuit admits its half-open trial.
func (s CircuitState) NextTrial() time.Time {
	if s.Status != StatusOpen {
		return time.Time{}
	}
	return s.OpenedAt.Add(s.Cooldown)
}

// Transition is emitted on every circuit status change.
type Transition struct {
	BackendID string        `json:"backend_id"`
	From      Status        `json:"from"`
	To        Status        `json:"to"`
	Failures  int           `json:"failures"`
	Cooldown  time.Duration `json:"cooldown"`
	At        time.Time     `json:"at"`
}

// TransitionObserver receives circuit status changes. Implementations must
// not block.
type TransitionObserver interface {
	RecordCircuitTransition(ctx context.Context, t Transition)
}

// BreakerConfig configures the circuit set.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a circuit.
	FailureThreshold int

	// Cooldown is the first open duration.
	Cooldown time.Duration

	// MaxCooldown caps the doubling on repeated reopening.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		MaxCooldown:      15 * time.Minute,
	}
}

// BreakerOptions carries optional collaborators.
type BreakerOptions struct {
	Observer TransitionObserver
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Now      func() time.Time
}

type circuit struct {
	mu    sync.Mutex
	state CircuitState
}

// Breakers holds one circuit per backend id. Each circuit has its own lock,
// so traffic to one backend never waits on another.
type Breakers struct {
	cfg      BreakerConfig
	observer TransitionObserver
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	circuits sync.Map // backend id -> *circuit
}

// NewBreakers creates an empty circuit set. Zero config fields take defaults.
func NewBreakers(cfg BreakerConfig, opts BreakerOptions) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = max(def.MaxCooldown, cfg.Cooldown)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breakers{
		cfg:      cfg,
		observer: opts.Observer,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "circuit"),
		now:      opts.Now,
	}
}

// Config returns the effective configuration.
func (b *Breakers) Config() BreakerConfig {
	return b.cfg
}

func (b *Breakers) get(id string) *circuit {
	if c, ok := b.circuits.Load(id); ok {
		return c.(*circuit)
	}
	c, _ := b.circuits.LoadOrStore(id, &circuit{state: CircuitState{BackendID: id, Cooldown: b.cfg.Cooldown}})
	return c.(*circuit)
}

// IsOpen reports whether the router must skip id: the circuit is open and
// cooling down, or half-open with its trial already running. An open
// circuit past its cooldown reports false so the router can pick it for
// the trial.
func (b *Breakers) IsOpen(id string) bool {
	c, ok := b.circuits.Load(id)
	if !ok {
		return false
	}
	cc := c.(*circuit)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	switch cc.state.Status {
	case StatusOpen:
		return b.now().Before(cc.state.NextTrial())
	case StatusHalfOpen:
		return cc.state.TrialInFlight
	default:
		return false
	}
}

// Allow admits one call to id. A closed circuit always admits. An open
// circuit past its cooldown moves to half-open and admits exactly one
// trial, reported by trial=true; every other call gets *CircuitOpenError.
func (b *Breakers) Allow(id string) (trial bool, err error) {
	c := b.get(id)
	c.mu.Lock()

	var tr *Transition
	now := b.now()
	switch c.state.Status {
	case StatusOpen:
		if now.Before(c.state.NextTrial()) {
			retryAt := c.state.NextTrial()
			c.mu.Unlock()
			return false, &CircuitOpenError{BackendID: id, RetryAt: retryAt}
		}
		tr = b.setStatus(c, StatusHalfOpen, now)
		c.state.TrialInFlight = true
		trial = true
	case StatusHalfOpen:
		if c.state.TrialInFlight {
			c.mu.Unlock()
			return false, &CircuitOpenError{BackendID: id, HalfOpen: true}
		}
		c.state.TrialInFlight = true
		trial = true
	}
	c.mu.Unlock()

	b.emit(tr)
	return trial, nil
}

// RecordSuccess closes the circuit and resets its failure count.
func (b *Breakers) RecordSuccess(id string) {
	c := b.get(id)
	c.mu.Lock()

	var tr *Transition
	if c.state.Status != StatusClosed {
		tr = b.setStatus(c, StatusClosed, b.now())
	}
	c.state.ConsecutiveFailures = 0
	c.state.Reopens = 0
	c.state.TrialInFlight = false
	c.state.OpenedAt = time.Time{}
	c.state.Cooldown = b.cfg.Cooldown
	c.mu.Unlock()

	b.emit(tr)
}

// RecordFailure counts a backend failure. The threshold-th consecutive
// failure opens a closed circuit; a failed half-open trial reopens it with
// double the previous cooldown, capped at MaxCooldown.
func (b *Breakers) RecordFailure(id string) {
	c := b.get(id)
	c.mu.Lock()

	var tr *Transition
	now := b.now()
	c.state.ConsecutiveFailures++
	switch c.state.Status {
	case StatusClosed:
		if c.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
			c.state.Cooldown = b.cfg.Cooldown
			c.state.OpenedAt = now
			tr = b.setStatus(c, StatusOpen, now)
		}
	case StatusHalfOpen:
		c.state.Reopens++
		c.state.Cooldown = min(c.state.Cooldown*2, b.cfg.MaxCooldown)
		c.state.OpenedAt = now
		c.state.TrialInFlight = false
		tr = b.setStatus(c, StatusOpen, now)
	}
	c.mu.Unlock()

	b.emit(tr)
}

// Release returns an admission without judging the backend, as when the
// call was cancelled or failed for a reason that says nothing about the
// backend's health. A half-open circuit becomes available for another trial.
func (b *Breakers) Release(id string) {
	c, ok := b.circuits.Load(id)
	if !ok {
		return
	}
	cc := c.(*circuit)
	cc.mu.Lock()
	cc.state.TrialInFlight = false
	cc.mu.Unlock()
}

// Reset forces the circuit closed, for operator intervention.
func (b *Breakers) Reset(id string) {
	b.RecordSuccess(id)
}

// State returns a copy of id's circuit. Unknown ids are closed.
func (b *Breakers) State(id string) CircuitState {
	c, ok := b.circuits.Load(id)
	if !ok {
		return CircuitState{BackendID: id, Status: StatusClosed, Cooldown: b.cfg.Cooldown}
	}
	cc := c.(*circuit)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

// States returns a copy of every known circuit ordered by backend id.
func (b *Breakers) States() []CircuitState {
	var out []CircuitState
	b.circuits.Range(func(_, v any) bool {
		c := v.(*circuit)
		c.mu.Lock()
		out = append(out, c.state)
		c.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// Restore loads persisted circuit states, replacing any in memory. A
// restored half-open circuit loses its in-flight trial, since the process
// running it is gone.
func (b *Breakers) Restore(states []CircuitState) {
	for _, s := range states {
		if s.BackendID == "" {
			continue
		}
		s.TrialInFlight = false
		if s.Cooldown <= 0 {
			s.Cooldown = b.cfg.Cooldown
		}
		b.circuits.Store(s.BackendID, &circuit{state: s})
	}
	b.logger.Info("circuit states restored", "count", len(states))
}

// setStatus changes status under c.mu and returns the transition to emit
// after unlocking.
func (b *Breakers) setStatus(c *circuit, to Status, now time.Time) *Transition {
	from := c.state.Status
	c.state.Status = to
	return &Transition{
		BackendID: c.state.BackendID,
		From:      from,
		To:        to,
		Failures:  c.state.ConsecutiveFailures,
		Cooldown:  c.state.Cooldown,
		At:        now,
	}
}

func (b *Breakers) emit(tr *Transition) {
	if tr == nil {
		return
	}

	if tr.To == StatusOpen {
		b.logger.Warn("circuit opened",
			"backend_id", tr.BackendID,
			"from", tr.From.String(),
			"failures", tr.Failures,
			"cooldown", tr.Cooldown,
		)
	} else {
		b.logger.Info("circuit state changed",
			"backend_id", tr.BackendID,
			"from", tr.From.String(),
			"to", tr.To.String(),
		)
	}

	b.metrics.RecordCircuitTransition(tr.BackendID, tr.From.String(), tr.To.String())
	if b.observer != nil {
		b.observer.RecordCircuitTransition(context.Background(), *tr)
	}
}
