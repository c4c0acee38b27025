package policy

import (
	"slices"
	"time"
)

// Violation is one failed rule. Violations are appended to the violation
// log unresolved; resolution fields are filled in later by an operator.
type Violation struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	RuleID        string         `json:"rule_id"`
	RuleName      string         `json:"rule_name,omitempty"`
	Category      Category       `json:"category"`
	Phase         Phase          `json:"phase"`
	Severity      Severity       `json:"severity"`
	Action        Action         `json:"action"`
	Details       map[string]any `json:"details,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`

	// Overridden is set when a block was downgraded by the bypass flag.
	Overridden bool `json:"overridden,omitempty"`

	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Warning is a non-blocking note attached to a verdict.
type Warning struct {
	RuleID  string `json:"rule_id,omitempty"`
	Message string `json:"message"`
}

// Outcome of evaluating a single rule.
type Outcome string

const (
	OutcomePass      Outcome = "pass"
	OutcomeViolation Outcome = "violation"
	OutcomeError     Outcome = "error"
)

// AuditRecord is emitted once for every rule evaluated, whatever the result.
type AuditRecord struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id"`
	RuleID        string        `json:"rule_id"`
	RuleName      string        `json:"rule_name,omitempty"`
	Category      Category      `json:"category"`
	Phase         Phase         `json:"phase"`
	Outcome       Outcome       `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Timestamp     time.Time     `json:"timestamp"`

	// Excluded lists the backends the rule ruled out of routing, which a
	// passing backend-scoped rule can still do.
	Excluded []string `json:"excluded,omitempty"`
}

// Verdict is the immutable result of one evaluation phase.
type Verdict struct {
	Phase      Phase       `json:"phase"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`

	// Exclusions maps backend ids to the enforcing rule that rules them out.
	Exclusions map[string]string `json:"exclusions,omitempty"`

	// RulesEvaluated counts rules actually evaluated; it is lower than the
	// number of enabled rules when a block short-circuits evaluation.
	RulesEvaluated int `json:"rules_evaluated"`

	Latency     time.Duration `json:"latency"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Blocked reports whether any violation blocks the request.
func (v *Verdict) Blocked() bool {
	if v == nil {
		return false
	}
	return slices.ContainsFunc(v.Violations, func(vi Violation) bool {
		return vi.Action == ActionBlock
	})
}

// Degraded reports whether any violation asks for a cheaper tier.
func (v *Verdict) Degraded() bool {
	if v == nil {
		return false
	}
	return slices.ContainsFunc(v.Violations, func(vi Violation) bool {
		return vi.Action == ActionDegrade
	})
}

// BlockingViolation returns the first blocking violation.
func (v *Verdict) BlockingViolation() (Violation, bool) {
	if v == nil {
		return Violation{}, false
	}
	for _, vi := range v.Violations {
		if vi.Action == ActionBlock {
			return vi, true
		}
	}
	return Violation{}, false
}

// Excludes reports whether the verdict rules out backendID.
func (v *Verdict) Excludes(backendID string) bool {
	if v == nil {
		return false
	}
	_, ok := v.Exclusions[backendID]
	return ok
}
