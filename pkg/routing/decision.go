package routing

import (
	"time"

	"mercator-hq/conductor/pkg/registry"
)

// Candidate is a scored backend.
type Candidate struct {
	BackendID    string        `json:"backend_id"`
	Vendor       string        `json:"vendor"`
	Tier         registry.Tier `json:"tier"`
	Score        float64       `json:"score"`
	PriorSuccess float64       `json:"prior_success"`
}

// Decision is an immutable routing outcome. A retry or fallback produces a
// new Decision rather than modifying this one.
type Decision struct {
	// BackendID is the selected backend.
	BackendID string `json:"backend_id"`

	// Backend is the descriptor the decision was made against.
	Backend registry.BackendDescriptor `json:"backend"`

	// Score is the selected backend's expected cost of successful completion.
	Score float64 `json:"score"`

	// RunnerUps are the remaining candidates, best first.
	RunnerUps []Candidate `json:"runner_ups,omitempty"`

	// Degraded is set when a degrade verdict capped the tier.
	Degraded bool `json:"degraded,omitempty"`

	// Region is the region the candidates were restricted to, if any.
	Region string `json:"region,omitempty"`

	// RegionFallback is set when no backend served Region and the full
	// candidate set was used instead.
	RegionFallback bool `json:"region_fallback,omitempty"`

	// Reasons explains the selection for the audit trail.
	Reasons []string `json:"reasons,omitempty"`

	// Timestamp is when the decision was made. It plays no part in selection.
	Timestamp time.Time `json:"timestamp"`
}

// FallbackChain returns up to n runner-up backend ids, best first.
func (d *Decision) FallbackChain(n int) []string {
	n = max(0, min(n, len(d.RunnerUps)))
	out := make([]string, 0, n)
	for _, c := range d.RunnerUps[:n] {
		out = append(out, c.BackendID)
	}
	return out
}
