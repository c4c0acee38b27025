package metrics

import (
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics tracks request lifecycles and the audit sink.
//
// Metrics:
//   - workflows_active: instances not yet terminal
//   - workflows_total: terminal instances by state and reason
//   - workflow_duration_seconds: time from creation to terminal state
//   - workflow_transitions_total: transitions by from/to state
//   - workflow_illegal_transitions_total: rejected events
//   - audit_records_dropped_total: audit records the sink could not accept
type WorkflowMetrics struct {
	active             prometheus.Gauge
	total              *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	illegalTransitions prometheus.Counter
	auditDropped       *prometheus.CounterVec
}

// NewWorkflowMetrics creates and registers workflow metrics with the provided registry.
func NewWorkflowMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *WorkflowMetrics {
	wm := &WorkflowMetrics{
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "workflows_active",
				Help:      "Number of workflow instances not yet terminal",
			},
		),

		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "workflows_total",
				Help:      "Total number of terminal workflow instances",
			},
			[]string{"state", "reason"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow duration from creation to terminal state",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"state"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "workflow_transitions_total",
				Help:      "Total number of workflow state transitions",
			},
			[]string{"from", "to"},
		),

		illegalTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "workflow_illegal_transitions_total",
				Help:      "Total number of rejected workflow events",
			},
		),

		auditDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_records_dropped_total",
				Help:      "Total number of audit records dropped by the sink",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		wm.active,
		wm.total,
		wm.duration,
		wm.transitions,
		wm.illegalTransitions,
		wm.auditDropped,
	)

	return wm
}

// RecordStarted increments the active gauge.
func (wm *WorkflowMetrics) RecordStarted() {
	wm.active.Inc()
}

// RecordFinished records a terminal instance.
func (wm *WorkflowMetrics) RecordFinished(state, reason string, duration time.Duration) {
	wm.active.Dec()
	wm.total.WithLabelValues(state, reason).Inc()
	wm.duration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordTransition records a state change.
func (wm *WorkflowMetrics) RecordTransition(from, to string) {
	wm.transitions.WithLabelValues(from, to).Inc()
}

// RecordIllegalTransition records a rejected event.
func (wm *WorkflowMetrics) RecordIllegalTransition() {
	wm.illegalTransitions.Inc()
}

// RecordAuditDropped records an audit record the sink refused.
func (wm *WorkflowMetrics) RecordAuditDropped(kind string) {
	wm.auditDropped.WithLabelValues(kind).Inc()
}
