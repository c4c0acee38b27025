package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/conductor/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Helper function to create test config
func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:         true,
		Namespace:       "test",
		Subsystem:       "metrics",
		DurationBuckets: []float64{0.1, 0.5, 1.0, 5.0},
	}
}

// TestCollector_NewCollector tests collector creation
func TestCollector_NewCollector(t *testing.T) {
	cfg := testConfig()
	registry := prometheus.NewRegistry()

	collector := NewCollector(cfg, registry)

	if collector.Registry() != registry {
		t.Error("Collector registry not set correctly")
	}
}

// TestCollector_PolicyMetrics tests verdict and violation recording
func TestCollector_PolicyMetrics(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.RecordPolicyEvaluation("pre-flight", false, 2*time.Millisecond)
	collector.RecordPolicyEvaluation("pre-flight", true, time.Millisecond)
	collector.RecordRuleOutcome("cost-cap", "violation")
	collector.RecordViolation("cost", "high", "degrade")

	if got := testutil.ToFloat64(collector.policy.evaluationsTotal.WithLabelValues("pre-flight", "failed")); got != 1 {
		t.Errorf("expected 1 failed evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(collector.policy.ruleOutcomes.WithLabelValues("cost-cap", "violation")); got != 1 {
		t.Errorf("expected 1 violation outcome, got %v", got)
	}
	if got := testutil.ToFloat64(collector.policy.violationsTotal.WithLabelValues("cost", "high", "degrade")); got != 1 {
		t.Errorf("expected 1 violation, got %v", got)
	}
}

// TestCollector_CircuitTransition tests the circuit gauge follows the latest status
func TestCollector_CircuitTransition(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	tests := []struct {
		from, to string
		want     float64
	}{
		{"closed", "open", CircuitOpen},
		{"open", "half-open", CircuitHalfOpen},
		{"half-open", "closed", CircuitClosed},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			collector.RecordCircuitTransition("b1", tt.from, tt.to)
			if got := testutil.ToFloat64(collector.recovery.circuitState.WithLabelValues("b1")); got != tt.want {
				t.Errorf("expected gauge %v, got %v", tt.want, got)
			}
		})
	}
}

// TestCollector_WorkflowLifecycle tests the active gauge
func TestCollector_WorkflowLifecycle(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.RecordWorkflowStarted()
	collector.RecordWorkflowStarted()
	collector.RecordWorkflowFinished("completed", "", 300*time.Millisecond)

	if got := testutil.ToFloat64(collector.workflow.active); got != 1 {
		t.Errorf("expected 1 active workflow, got %v", got)
	}
	if got := testutil.ToFloat64(collector.workflow.total.WithLabelValues("completed", "")); got != 1 {
		t.Errorf("expected 1 completed workflow, got %v", got)
	}
}

// TestCollector_Disabled tests that disabled or nil collectors record nothing
func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	collector := NewCollector(cfg, prometheus.NewRegistry())

	collector.RecordNoCandidate(time.Millisecond)
	if got := testutil.ToFloat64(collector.routing.noCandidateTotal); got != 0 {
		t.Errorf("expected no recording when disabled, got %v", got)
	}

	var nilCollector *Collector
	nilCollector.RecordAdapterAttempt("b1", "success", time.Second)
	nilCollector.RecordAuditDropped("audit")
}

// TestCollector_Handler tests the exposition endpoint
func TestCollector_Handler(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.RecordRoutingDecision("cheap-1", false, 3, time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_metrics_routing_decisions_total") {
		t.Error("expected routing metric in exposition")
	}
}
