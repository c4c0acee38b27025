package metrics

import (
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AdapterMetrics tracks execution adapter calls.
//
// Metrics:
//   - adapter_attempts_total: attempts by backend and outcome ("success" or failure class)
//   - adapter_latency_seconds: attempt latency by backend
//   - adapter_tokens_total: tokens consumed by backend and direction
//   - adapter_cost_total: cost accrued by backend
type AdapterMetrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
}

// NewAdapterMetrics creates and registers adapter metrics with the provided registry.
func NewAdapterMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AdapterMetrics {
	am := &AdapterMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "adapter_attempts_total",
				Help:      "Total number of adapter attempts by outcome",
			},
			[]string{"backend", "outcome"},
		),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "adapter_latency_seconds",
				Help:      "Adapter call latency in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"backend"},
		),

		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "adapter_tokens_total",
				Help:      "Total number of tokens by backend and direction",
			},
			[]string{"backend", "direction"},
		),

		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "adapter_cost_total",
				Help:      "Total cost accrued per backend",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		am.attempts,
		am.latency,
		am.tokens,
		am.cost,
	)

	return am
}

// RecordAttempt records one adapter call.
func (am *AdapterMetrics) RecordAttempt(backendID, outcome string, latency time.Duration) {
	am.attempts.WithLabelValues(backendID, outcome).Inc()
	am.latency.WithLabelValues(backendID).Observe(latency.Seconds())
}

// RecordUsage records token usage and cost for a successful call.
func (am *AdapterMetrics) RecordUsage(backendID string, tokensIn, tokensOut int, cost float64) {
	am.tokens.WithLabelValues(backendID, "input").Add(float64(tokensIn))
	am.tokens.WithLabelValues(backendID, "output").Add(float64(tokensOut))
	if cost > 0 {
		am.cost.WithLabelValues(backendID).Add(cost)
	}
}
