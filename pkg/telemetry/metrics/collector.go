package metrics

import (
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns every Prometheus metric exported by Conductor and gives the
// decision path a single recording surface.
//
// All Record methods are safe on a nil *Collector and become no-ops when
// metrics are disabled, so components never branch on configuration.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	policy   *PolicyMetrics
	routing  *RoutingMetrics
	recovery *RecoveryMetrics
	adapter  *AdapterMetrics
	workflow *WorkflowMetrics
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry with the Go and
// process collectors is created.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	router.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = append([]float64(nil), config.DefaultDurationBuckets...)
	}

	return &Collector{
		config:   cfg,
		registry: registry,
		policy:   NewPolicyMetrics(cfg, registry),
		routing:  NewRoutingMetrics(cfg, registry),
		recovery: NewRecoveryMetrics(cfg, registry),
		adapter:  NewAdapterMetrics(cfg, registry),
		workflow: NewWorkflowMetrics(cfg, registry),
	}
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordPolicyEvaluation records a completed verdict for a phase.
func (c *Collector) RecordPolicyEvaluation(phase string, passed bool, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.policy.RecordEvaluation(phase, passed, duration)
}

// RecordRuleOutcome records a single rule evaluation.
func (c *Collector) RecordRuleOutcome(ruleID, outcome string) {
	if !c.enabled() {
		return
	}
	c.policy.RecordRuleOutcome(ruleID, outcome)
}

// RecordViolation records a policy violation.
func (c *Collector) RecordViolation(category, severity, action string) {
	if !c.enabled() {
		return
	}
	c.policy.RecordViolation(category, severity, action)
}

// RecordRoutingDecision records a successful backend selection.
func (c *Collector) RecordRoutingDecision(backendID string, degraded bool, candidates int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.routing.RecordDecision(backendID, degraded, candidates, duration)
}

// RecordNoCandidate records a selection with an empty candidate set.
func (c *Collector) RecordNoCandidate(duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.routing.RecordNoCandidate(duration)
}

// RecordCircuitTransition records a circuit status change ("closed", "half-open", "open").
func (c *Collector) RecordCircuitTransition(backendID, from, to string) {
	if !c.enabled() {
		return
	}
	value := float64(CircuitClosed)
	switch to {
	case "open":
		value = CircuitOpen
	case "half-open":
		value = CircuitHalfOpen
	}
	c.recovery.RecordCircuitTransition(backendID, from, to, value)
}

// RecordRecoveryAction records the action chosen for a classified failure.
func (c *Collector) RecordRecoveryAction(class, action string) {
	if !c.enabled() {
		return
	}
	c.recovery.RecordAction(class, action)
}

// RecordAdapterAttempt records one adapter call and its outcome.
func (c *Collector) RecordAdapterAttempt(backendID, outcome string, latency time.Duration) {
	if !c.enabled() {
		return
	}
	c.adapter.RecordAttempt(backendID, outcome, latency)
}

// RecordUsage records token usage and cost for a completed call.
func (c *Collector) RecordUsage(backendID string, tokensIn, tokensOut int, cost float64) {
	if !c.enabled() {
		return
	}
	c.adapter.RecordUsage(backendID, tokensIn, tokensOut, cost)
}

// RecordWorkflowStarted records a new instance.
func (c *Collector) RecordWorkflowStarted() {
	if !c.enabled() {
		return
	}
	c.workflow.RecordStarted()
}

// RecordWorkflowFinished records an instance reaching a terminal state.
func (c *Collector) RecordWorkflowFinished(state, reason string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.workflow.RecordFinished(state, reason, duration)
}

// RecordWorkflowTransition records a state transition.
func (c *Collector) RecordWorkflowTransition(from, to string) {
	if !c.enabled() {
		return
	}
	c.workflow.RecordTransition(from, to)
}

// RecordIllegalTransition records a rejected workflow event.
func (c *Collector) RecordIllegalTransition() {
	if !c.enabled() {
		return
	}
	c.workflow.RecordIllegalTransition()
}

// RecordAuditDropped records an audit record the sink could not accept.
func (c *Collector) RecordAuditDropped(kind string) {
	if !c.enabled() {
		return
	}
	c.workflow.RecordAuditDropped(kind)
}
