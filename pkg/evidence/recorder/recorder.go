package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/verifier"
	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/workflow"
)

// kindViolation labels violations in drop metrics and logs.
const kindViolation = "violation"

var (
	_ verifier.AuditSink          = (*Recorder)(nil)
	_ recovery.TransitionObserver = (*Recorder)(nil)
	_ workflow.Sink               = (*Recorder)(nil)
)

var (
	errQueueFull = errors.New("queue full")
	errClosed    = errors.New("recorder closed")
)

// Config contains configuration for the evidence recorder.
type Config struct {
	// Enabled enables evidence recording. A disabled recorder accepts and
	// discards everything.
	Enabled bool

	// AsyncBuffer is the size of the async write channel buffer.
	// Default: 1000
	AsyncBuffer int

	// WriteTimeout is the timeout for writing one record to storage.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// MaxFieldLength caps free-text fields such as error messages.
	// Default: 500
	MaxFieldLength int
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		AsyncBuffer:    1000,
		WriteTimeout:   5 * time.Second,
		MaxFieldLength: 500,
	}
}

// Options carries the recorder's collaborators.
type Options struct {
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stats reports recorder throughput since creation.
type Stats struct {
	Stored  int64 `json:"stored"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// item is one queued write: a record or a violation.
type item struct {
	record    *evidence.Record
	violation *policy.Violation
}

func (it item) kind() string {
	if it.violation != nil {
		return kindViolation
	}
	return string(it.record.Kind)
}

// Recorder is the audit sink for the request path. Every Record method
// returns immediately: records are queued and written by one background
// worker, and a full queue drops the record rather than wait.
//
// Recorder implements verifier.AuditSink, recovery.TransitionObserver and
// workflow.Sink.
type Recorder struct {
	storage evidence.Storage
	config  Config
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	queue chan item
	done  chan struct{}
	wg    sync.WaitGroup

	// mu orders enqueues against Close so nothing is queued after the
	// worker's final drain.
	mu     sync.RWMutex
	closed bool

	stored  atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a recorder writing to storage and starts its worker.
func New(storage evidence.Storage, config Config, opts Options) *Recorder {
	def := DefaultConfig()
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = def.AsyncBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.MaxFieldLength <= 0 {
		config.MaxFieldLength = def.MaxFieldLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Recorder{
		storage: storage,
		config:  config,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "evidence.recorder"),
		now:     opts.Now,
		queue:   make(chan item, config.AsyncBuffer),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()

	r.logger.Info("evidence recorder initialized",
		"enabled", config.Enabled,
		"async_buffer", config.AsyncBuffer,
		"write_timeout", config.WriteTimeout,
	)

	return r
}

// RecordAudit queues one rule evaluation.
func (r *Recorder) RecordAudit(ctx context.Context, rec policy.AuditRecord) {
	rec.Error = truncate(rec.Error, r.config.MaxFieldLength)
	r.enqueueRecord(evidence.KindAudit, rec.ID, rec, func(e *evidence.Record) {
		e.CorrelationID = rec.CorrelationID
		e.RuleID = rec.RuleID
		e.Summary = string(rec.Outcome)
		e.Timestamp = rec.Timestamp
	})
}

// RecordViolation queues a violation. Violations start unresolved.
func (r *Recorder) RecordViolation(ctx context.Context, v policy.Violation) {
	if !r.config.Enabled {
		return
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.DetectedAt.IsZero() {
		v.DetectedAt = r.now()
	}
	v.Resolved = false
	v.ResolvedAt = nil
	v.ResolvedBy = ""
	v.ResolutionNotes = ""
	r.enqueue(item{violation: &v})
}

// RecordTransition queues one workflow transition.
func (r *Recorder) RecordTransition(ctx context.Context, rec workflow.TransitionRecord) {
	r.enqueueRecord(evidence.KindTransition, "", rec, func(e *evidence.Record) {
		e.CorrelationID = rec.CorrelationID
		e.WorkflowID = rec.WorkflowID
		if id, ok := rec.Context["backend_id"].(string); ok {
			e.BackendID = id
		}
		e.Summary = fmt.Sprintf("%s -> %s (%s)", rec.From, rec.To, rec.Event)
		if rec.Reason != "" {
			e.Summary += ": " + truncate(rec.Reason, r.config.MaxFieldLength)
		}
		e.Timestamp = rec.At
	})
}

// RecordRoutingDecision queues one routing decision.
func (r *Recorder) RecordRoutingDecision(ctx context.Context, correlationID string, d *routing.Decision) {
	if d == nil {
		return
	}
	r.enqueueRecord(evidence.KindRouting, "", d, func(e *evidence.Record) {
		e.CorrelationID = correlationID
		e.BackendID = d.BackendID
		e.Summary = fmt.Sprintf("selected %s (score %.6f, %d runner-ups)", d.BackendID, d.Score, len(d.RunnerUps))
		if d.Degraded {
			e.Summary += ", degraded"
		}
		e.Timestamp = d.Timestamp
	})
}

// RecordCircuitTransition queues one circuit status change.
func (r *Recorder) RecordCircuitTransition(ctx context.Context, t recovery.Transition) {
	r.enqueueRecord(evidence.KindCircuit, "", t, func(e *evidence.Record) {
		e.BackendID = t.BackendID
		e.Summary = fmt.Sprintf("%s -> %s after %d failures", t.From, t.To, t.Failures)
		e.Timestamp = t.At
	})
}

// enqueueRecord encodes event as the payload of a new record of kind,
// lets fill set the indexed fields, and queues it.
func (r *Recorder) enqueueRecord(kind evidence.Kind, id string, event any, fill func(*evidence.Record)) {
	if !r.config.Enabled {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.drop(string(kind), fmt.Errorf("encode payload: %w", err))
		return
	}
	if id == "" {
		id = uuid.NewString()
	}

	rec := &evidence.Record{
		ID:      id,
		Kind:    kind,
		Payload: payload,
		Hash:    evidence.HashPayload(payload),
	}
	fill(rec)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	r.enqueue(item{record: rec})
}

func (r *Recorder) enqueue(it item) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(it.kind(), errClosed)
		return
	}

	select {
	case r.queue <- it:
	default:
		r.drop(it.kind(), errQueueFull)
	}
}

func (r *Recorder) drop(kind string, cause error) {
	r.dropped.Add(1)
	r.metrics.RecordAuditDropped(kind)
	r.logger.Warn("audit record dropped",
		"kind", kind,
		"reason", cause,
		"channel_capacity", r.config.AsyncBuffer,
	)
}

// Stats returns throughput counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Stored:  r.stored.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Pending: len(r.queue),
	}
}

// Close stops accepting records, drains the queue, and waits for the
// worker to finish. It does not close the storage.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.logger.Info("shutting down evidence recorder", "pending_count", len(r.queue))
	close(r.done)
	r.wg.Wait()

	st := r.Stats()
	r.logger.Info("evidence recorder shut down complete",
		"stored", st.Stored,
		"dropped", st.Dropped,
		"failed", st.Failed,
	)
	return nil
}

// worker drains the queue until Close, then writes whatever is left.
func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case it := <-r.queue:
			r.write(it)

		case <-r.done:
			for {
				select {
				case it := <-r.queue:
					r.write(it)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	var err error
	var id string
	if it.violation != nil {
		id = it.violation.ID
		err = r.storage.StoreViolation(ctx, *it.violation)
	} else {
		id = it.record.ID
		it.record.RecordedAt = r.now()
		err = r.storage.Store(ctx, it.record)
	}

	if err != nil {
		r.failed.Add(1)
		r.metrics.RecordAuditDropped(it.kind())
		r.logger.Error("failed to store evidence record",
			"kind", it.kind(),
			"record_id", id,
			"error", &evidence.RecorderError{Kind: it.kind(), Cause: err},
		)
		return
	}
	r.stored.Add(1)

	if d := time.Since(start); d > r.config.WriteTimeout/2 {
		r.logger.Warn("slow evidence write",
			"kind", it.kind(),
			"record_id", id,
			"duration_ms", d.Milliseconds(),
			"threshold_ms", (r.config.WriteTimeout / 2).Milliseconds(),
		)
	}
}

// truncate caps s at maxLen bytes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
