package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyBlocked is the sentinel for requests stopped by a blocking rule.
	ErrPolicyBlocked = errors.New("request blocked by policy")

	// ErrInvalidRule is the sentinel for rules failing structural validation.
	ErrInvalidRule = errors.New("invalid policy rule")

	// ErrDuplicateRule is returned when two rules share an id.
	ErrDuplicateRule = errors.New("duplicate policy rule id")
)

// RuleError describes why a rule is invalid.
type RuleError struct {
	RuleID  string
	Message string
}

// Error returns the error message.
func (e *RuleError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid policy rule: %s", e.Message)
	}
	return fmt.Sprintf("invalid policy rule %s: %s", e.RuleID, e.Message)
}

// Is matches ErrInvalidRule.
func (e *RuleError) Is(target error) bool {
	return target == ErrInvalidRule
}
