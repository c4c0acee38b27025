package metrics

import (
	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// Circuit status values exported by circuit_state.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// RecoveryMetrics tracks circuit breakers and recovery actions.
//
// Metrics:
//   - circuit_state: current status per backend (0=closed, 1=half-open, 2=open)
//   - circuit_transitions_total: status changes per backend
//   - recovery_actions_total: recovery actions by failure class
type RecoveryMetrics struct {
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
}

// NewRecoveryMetrics creates and registers recovery metrics with the provided registry.
func NewRecoveryMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RecoveryMetrics {
	rm := &RecoveryMetrics{
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker status per backend (0=closed, 1=half-open, 2=open)",
			},
			[]string{"backend"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker status changes",
			},
			[]string{"backend", "from", "to"},
		),

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "recovery_actions_total",
				Help:      "Total number of recovery actions by failure class",
			},
			[]string{"class", "action"},
		),
	}

	registry.MustRegister(
		rm.circuitState,
		rm.circuitTransitions,
		rm.actionsTotal,
	)

	return rm
}

// RecordCircuitTransition records a status change and updates the gauge.
func (rm *RecoveryMetrics) RecordCircuitTransition(backendID, from, to string, value float64) {
	rm.circuitTransitions.WithLabelValues(backendID, from, to).Inc()
	rm.circuitState.WithLabelValues(backendID).Set(value)
}

// RecordAction records a recovery action taken for a failure class.
func (rm *RecoveryMetrics) RecordAction(class, action string) {
	rm.actionsTotal.WithLabelValues(class, action).Inc()
}
