package policy

import (
	"maps"
	"slices"
	"time"

	"mercator-hq/conductor/pkg/registry"
)

// RequestContext is everything the decision path knows about one request.
// It is a value: the workflow hands copies to the verifier and router, and
// a change (such as recording execution facts) produces a new context.
type RequestContext struct {
	// CorrelationID ties audit, violation and workflow records together.
	CorrelationID string `json:"correlation_id"`

	// TenantID owns the request for rate and budget accounting.
	TenantID string `json:"tenant_id,omitempty"`

	// EstimatedInputTokens and EstimatedOutputTokens are the caller's hints.
	EstimatedInputTokens  int `json:"estimated_input_tokens"`
	EstimatedOutputTokens int `json:"estimated_output_tokens"`

	// MinTier is the lowest acceptable capability tier.
	MinTier registry.Tier `json:"min_tier"`

	// MinContextWindow is the smallest acceptable context window in tokens.
	MinContextWindow int `json:"min_context_window,omitempty"`

	// RequestedBackend is the backend the caller asked for, if any.
	// Backend-scoped rules evaluate against it and degrade restricts
	// routing to its tier or below.
	RequestedBackend string `json:"requested_backend,omitempty"`

	// Vendors restricts candidates to these vendors when non-empty.
	Vendors []string `json:"vendors,omitempty"`

	// PreferredRegion is tried first by the router.
	PreferredRegion string `json:"preferred_region,omitempty"`

	// RequiresTools limits candidates to backends supporting tool calls.
	RequiresTools bool `json:"requires_tools,omitempty"`

	// PromptLength is the prompt size in characters.
	PromptLength int `json:"prompt_length,omitempty"`

	// Bypass is an explicit human override: blocks become warnings.
	Bypass bool `json:"bypass,omitempty"`

	// CostSoFar is the tenant's accumulated spend for the current day.
	CostSoFar float64 `json:"cost_so_far"`

	// Metadata carries caller-supplied labels checked by compliance rules.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Execution is set once a backend has produced a result, for
	// post-execution evaluation.
	Execution *ExecutionFacts `json:"execution,omitempty"`
}

// ExecutionFacts are observed outcomes of the call that served a request.
type ExecutionFacts struct {
	BackendID    string        `json:"backend_id"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
}

// Clone returns a deep copy.
func (rc RequestContext) Clone() RequestContext {
	rc.Vendors = slices.Clone(rc.Vendors)
	rc.Metadata = maps.Clone(rc.Metadata)
	if rc.Execution != nil {
		facts := *rc.Execution
		rc.Execution = &facts
	}
	return rc
}

// WithExecution returns a copy carrying the given execution facts.
func (rc RequestContext) WithExecution(facts ExecutionFacts) RequestContext {
	out := rc.Clone()
	out.Execution = &facts
	return out
}

// TargetBackend returns the backend that backend-scoped rules evaluate
// against: the executed backend once known, else the requested one.
func (rc RequestContext) TargetBackend() string {
	if rc.Execution != nil && rc.Execution.BackendID != "" {
		return rc.Execution.BackendID
	}
	return rc.RequestedBackend
}

// Tokens returns input and output token counts, preferring observed values.
func (rc RequestContext) Tokens() (in, out int) {
	if rc.Execution != nil {
		return rc.Execution.InputTokens, rc.Execution.OutputTokens
	}
	return rc.EstimatedInputTokens, rc.EstimatedOutputTokens
}

// PerformanceStats are observed figures for one backend.
type PerformanceStats struct {
	// Samples is the number of executions the figures are drawn from.
	Samples int

	// P95Latency is the 95th percentile latency.
	P95Latency time.Duration

	// SuccessRate is successes over samples, in [0,1].
	SuccessRate float64
}

// PerformanceSource supplies observed backend performance. Implementations
// must answer from memory.
type PerformanceSource interface {
	Performance(backendID string) (PerformanceStats, bool)
}

// RateSource supplies the number of requests a tenant made in the last
// minute. Implementations must answer from memory.
type RateSource interface {
	TenantRequestRate(tenantID string) int64
}
