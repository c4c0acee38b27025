package metrics

import (
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// PolicyMetrics tracks metrics related to policy verification.
//
// Metrics:
//   - policy_evaluations_total: verdicts by phase and result
//   - policy_evaluation_duration_seconds: verdict latency by phase
//   - policy_rule_outcomes_total: per-rule outcomes (pass, violation, error)
//   - policy_violations_total: violations by category, severity and action
type PolicyMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	ruleOutcomes       *prometheus.CounterVec
	violationsTotal    *prometheus.CounterVec
}

// NewPolicyMetrics creates and registers policy metrics with the provided registry.
func NewPolicyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PolicyMetrics {
	pm := &PolicyMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy verdicts",
			},
			[]string{"phase", "result"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_evaluation_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				// Verdicts are computed in memory and should stay well under 10ms
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15),
			},
			[]string{"phase"},
		),

		ruleOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_rule_outcomes_total",
				Help:      "Total number of rule evaluations by outcome",
			},
			[]string{"rule_id", "outcome"},
		),

		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations",
			},
			[]string{"category", "severity", "action"},
		),
	}

	registry.MustRegister(
		pm.evaluationsTotal,
		pm.evaluationDuration,
		pm.ruleOutcomes,
		pm.violationsTotal,
	)

	return pm
}

// RecordEvaluation records a completed verdict.
func (pm *PolicyMetrics) RecordEvaluation(phase string, passed bool, duration time.Duration) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	pm.evaluationsTotal.WithLabelValues(phase, result).Inc()
	pm.evaluationDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRuleOutcome records the outcome of a single rule ("pass", "violation", "error").
func (pm *PolicyMetrics) RecordRuleOutcome(ruleID, outcome string) {
	pm.ruleOutcomes.WithLabelValues(ruleID, outcome).Inc()
}

// RecordViolation records a violation.
func (pm *PolicyMetrics) RecordViolation(category, severity, action string) {
	pm.violationsTotal.WithLabelValues(category, severity, action).Inc()
}
