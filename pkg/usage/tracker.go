package usage

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/telemetry/metrics"
)

// DefaultWindow is the number of recent executions kept per backend.
const DefaultWindow = 100

// Record is one execution attempt, successful or not.
type Record struct {
	CorrelationID string                 `json:"correlation_id"`
	BackendID     string                 `json:"backend_id"`
	Vendor        string                 `json:"vendor,omitempty"`
	InputTokens   int                    `json:"input_tokens"`
	OutputTokens  int                    `json:"output_tokens"`
	Cost          float64                `json:"cost"`
	Latency       time.Duration          `json:"latency"`
	Success       bool                   `json:"success"`
	Class         providers.FailureClass `json:"class,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// TotalTokens returns input plus output tokens.
func (r Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Cost prices observed token counts at the backend's per-million rates.
func Cost(b registry.BackendDescriptor, inputTokens, outputTokens int) float64 {
	return b.EstimateCost(inputTokens, outputTokens)
}

// SessionStats are totals since the tracker was created or last reset.
type SessionStats struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
	Failures int     `json:"failures"`

	// SuccessRate is 1.0 when nothing has been recorded.
	SuccessRate float64 `json:"success_rate"`
}

// BackendStats summarizes one backend's recent window.
type BackendStats struct {
	BackendID   string        `json:"backend_id"`
	Samples     int           `json:"samples"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	P95Latency  time.Duration `json:"p95_latency"`
	Tokens      int           `json:"tokens"`
	Cost        float64       `json:"cost"`
}

// Options configures a Tracker.
type Options struct {
	// Window bounds the per-backend sample ring.
	// Default: 100
	Window int

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

type sample struct {
	latency time.Duration
	success bool
}

type backendWindow struct {
	samples []sample
	next    int
	full    bool
	tokens  int
	cost    float64
}

func (w *backendWindow) add(s sample) {
	if !w.full && len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, s)
		if len(w.samples) == cap(w.samples) {
			w.full = true
		}
		return
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
}

func (w *backendWindow) stats(id string) BackendStats {
	st := BackendStats{BackendID: id, Samples: len(w.samples), Tokens: w.tokens, Cost: w.cost, SuccessRate: 1}
	if len(w.samples) == 0 {
		return st
	}
	latencies := make([]time.Duration, 0, len(w.samples))
	for _, s := range w.samples {
		if !s.success {
			st.Failures++
		}
		latencies = append(latencies, s.latency)
	}
	slices.Sort(latencies)
	st.P95Latency = percentile(latencies, 0.95)
	st.SuccessRate = float64(st.Samples-st.Failures) / float64(st.Samples)
	return st
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.999999) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

// Tracker accumulates usage. It is safe for concurrent use.
type Tracker struct {
	window  int
	metrics *metrics.Collector
	logger  *slog.Logger

	mu       sync.RWMutex
	session  SessionStats
	backends map[string]*backendWindow
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		window:   opts.Window,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "usage"),
		session:  SessionStats{SuccessRate: 1},
		backends: make(map[string]*backendWindow),
	}
}

// RecordExecution adds one execution to the session totals and the
// backend's window.
func (t *Tracker) RecordExecution(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.session.Requests++
	t.session.Tokens += rec.TotalTokens()
	t.session.Cost += rec.Cost
	if !rec.Success {
		t.session.Failures++
	}
	t.session.SuccessRate = float64(t.session.Requests-t.session.Failures) / float64(t.session.Requests)

	w, ok := t.backends[rec.BackendID]
	if !ok {
		w = &backendWindow{samples: make([]sample, 0, t.window)}
		t.backends[rec.BackendID] = w
	}
	w.add(sample{latency: rec.Latency, success: rec.Success})
	w.tokens += rec.TotalTokens()
	w.cost += rec.Cost
	t.mu.Unlock()

	if rec.Success {
		t.metrics.RecordUsage(rec.BackendID, rec.InputTokens, rec.OutputTokens, rec.Cost)
	}
	t.logger.DebugContext(ctx, "execution recorded",
		"backend_id", rec.BackendID,
		"tokens", rec.TotalTokens(),
		"cost", rec.Cost,
		"latency", rec.Latency,
		"success", rec.Success,
	)
}

// Performance implements policy.PerformanceSource.
func (t *Tracker) Performance(backendID string) (policy.PerformanceStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.backends[backendID]
	if !ok || len(w.samples) == 0 {
		return policy.PerformanceStats{}, false
	}
	st := w.stats(backendID)
	return policy.PerformanceStats{
		Samples:     st.Samples,
		P95Latency:  st.P95Latency,
		SuccessRate: st.SuccessRate,
	}, true
}

// Session returns the session totals.
func (t *Tracker) Session() SessionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

// Backends returns per-backend stats ordered by backend id.
func (t *Tracker) Backends() []BackendStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]BackendStats, 0, len(t.backends))
	for id, w := range t.backends {
		out = append(out, w.stats(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// Reset clears session totals and backend windows.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = SessionStats{SuccessRate: 1}
	t.backends = make(map[string]*backendWindow)
}
