package metrics

import (
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RoutingMetrics tracks router decisions.
//
// Metrics:
//   - routing_decisions_total: selections by backend
//   - routing_no_candidate_total: selections that found no eligible backend
//   - routing_candidates: size of the eligible candidate set
//   - routing_decision_duration_seconds: selection latency
type RoutingMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	noCandidateTotal prometheus.Counter
	candidates       prometheus.Histogram
	decisionDuration prometheus.Histogram
}

// NewRoutingMetrics creates and registers routing metrics with the provided registry.
func NewRoutingMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RoutingMetrics {
	rm := &RoutingMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routing_decisions_total",
				Help:      "Total number of routing decisions by selected backend",
			},
			[]string{"backend", "degraded"},
		),

		noCandidateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routing_no_candidate_total",
				Help:      "Total number of routing attempts with no eligible backend",
			},
		),

		candidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routing_candidates",
				Help:      "Number of eligible backends per routing decision",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),

		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routing_decision_duration_seconds",
				Help:      "Duration of backend selection in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15),
			},
		),
	}

	registry.MustRegister(
		rm.decisionsTotal,
		rm.noCandidateTotal,
		rm.candidates,
		rm.decisionDuration,
	)

	return rm
}

// RecordDecision records a successful selection.
func (rm *RoutingMetrics) RecordDecision(backendID string, degraded bool, candidates int, duration time.Duration) {
	d := "false"
	if degraded {
		d = "true"
	}
	rm.decisionsTotal.WithLabelValues(backendID, d).Inc()
	rm.candidates.Observe(float64(candidates))
	rm.decisionDuration.Observe(duration.Seconds())
}

// RecordNoCandidate records a selection that found no eligible backend.
func (rm *RoutingMetrics) RecordNoCandidate(duration time.Duration) {
	rm.noCandidateTotal.Inc()
	rm.candidates.Observe(0)
	rm.decisionDuration.Observe(duration.Seconds())
}
