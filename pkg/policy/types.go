package policy

import (
	"fmt"
	"strings"
)

// Category groups rules by what they constrain. Each category has exactly
// one Constraint variant.
type Category string

const (
	// CategoryCost constrains estimated spend per request and per day.
	CategoryCost Category = "cost"

	// CategoryVendor constrains which vendors may serve a request.
	CategoryVendor Category = "vendor"

	// CategoryBehavioral constrains prompt length and request rate.
	CategoryBehavioral Category = "behavioral"

	// CategoryPerformance constrains observed backend latency and success rate.
	CategoryPerformance Category = "performance"

	// CategoryDataResidency constrains the regions a backend may serve from.
	CategoryDataResidency Category = "data-residency"

	// CategoryCompliance requires metadata to be present on the request.
	CategoryCompliance Category = "compliance"
)

// Categories lists every category in declaration order.
var Categories = []Category{
	CategoryCost,
	CategoryVendor,
	CategoryBehavioral,
	CategoryPerformance,
	CategoryDataResidency,
	CategoryCompliance,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Phase is the point in the request lifecycle at which a rule is evaluated.
type Phase string

const (
	// PhasePreFlight runs before a backend is selected.
	PhasePreFlight Phase = "pre-flight"

	// PhaseRuntime runs while a request is executing.
	PhaseRuntime Phase = "runtime"

	// PhasePostExecution runs after execution, during validation.
	PhasePostExecution Phase = "post-execution"

	// PhaseContinuous runs periodically, outside any single request.
	PhaseContinuous Phase = "continuous"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePreFlight, PhaseRuntime, PhasePostExecution, PhaseContinuous:
		return true
	}
	return false
}

// Action is what happens when a rule is violated.
type Action string

const (
	// ActionBlock stops the request.
	ActionBlock Action = "block"

	// ActionWarn lets the request proceed and attaches a warning.
	ActionWarn Action = "warn"

	// ActionLog only records the violation.
	ActionLog Action = "log"

	// ActionDegrade restricts routing to cheaper tiers.
	ActionDegrade Action = "degrade"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionWarn, ActionLog, ActionDegrade:
		return true
	}
	return false
}

// Enforcing reports whether the action constrains where a request may run.
func (a Action) Enforcing() bool {
	return a == ActionBlock || a == ActionDegrade
}

// Severity is derived from a rule's priority band.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityForPriority maps a priority (0-100) to its severity band:
// 90-100 critical, 70-89 high, 40-69 medium, 0-39 low.
func SeverityForPriority(priority int) Severity {
	switch {
	case priority >= 90:
		return SeverityCritical
	case priority >= 70:
		return SeverityHigh
	case priority >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DefaultAction is the action applied when a rule does not name one.
func DefaultAction(severity Severity, category Category) Action {
	switch severity {
	case SeverityCritical:
		return ActionBlock
	case SeverityHigh:
		if category == CategoryCost {
			return ActionDegrade
		}
		return ActionBlock
	case SeverityMedium:
		return ActionWarn
	default:
		return ActionLog
	}
}

// Rule is one policy rule as held by the policy store.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string

	// Name is a human-readable label.
	Name string

	// Description explains what the rule is for.
	Description string

	// Category selects the predicate that evaluates the rule.
	Category Category

	// Enabled rules are returned by the store; disabled rules are ignored.
	Enabled bool

	// Priority (0-100) orders evaluation and determines severity.
	Priority int

	// Phase is when the rule is evaluated.
	Phase Phase

	// Action overrides the severity default when set.
	Action Action

	// Constraint is the category-specific payload.
	Constraint Constraint
}

// Severity returns the severity band of the rule's priority.
func (r Rule) Severity() Severity {
	return SeverityForPriority(r.Priority)
}

// EffectiveAction returns the explicit action or the severity default.
func (r Rule) EffectiveAction() Action {
	if r.Action != "" {
		return r.Action
	}
	return DefaultAction(r.Severity(), r.Category)
}

// Validate checks structural invariants. A malformed constraint payload is
// not a validation failure: it is carried as a Malformed constraint and
// fails open at evaluation time.
func (r Rule) Validate() error {
	var problems []string
	if r.ID == "" {
		problems = append(problems, "id is required")
	}
	if !r.Category.Valid() {
		problems = append(problems, fmt.Sprintf("unknown category %q", r.Category))
	}
	if r.Priority < 0 || r.Priority > 100 {
		problems = append(problems, fmt.Sprintf("priority %d out of range 0-100", r.Priority))
	}
	if !r.Phase.Valid() {
		problems = append(problems, fmt.Sprintf("unknown phase %q", r.Phase))
	}
	if r.Action != "" && !r.Action.Valid() {
		problems = append(problems, fmt.Sprintf("unknown action %q", r.Action))
	}
	if r.Constraint == nil {
		problems = append(problems, "constraint is required")
	} else if r.Constraint.Category() != r.Category {
		problems = append(problems, fmt.Sprintf("constraint category %q does not match rule category %q",
			r.Constraint.Category(), r.Category))
	}

	if len(problems) > 0 {
		return &RuleError{RuleID: r.ID, Message: strings.Join(problems, "; ")}
	}
	return nil
}
