package verifier

import (
	"fmt"

	"mercator-hq/conductor/pkg/policy"
)

// BlockedError is returned to callers whose request was stopped by a
// blocking rule. It is user-correctable: change the request or obtain an
// override.
type BlockedError struct {
	Violation policy.Violation
	Verdict   *policy.Verdict
}

// Error returns the error message.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked by policy rule %s (%s, %s)",
		e.Violation.RuleID, e.Violation.Category, e.Violation.Severity)
}

// Is matches policy.ErrPolicyBlocked.
func (e *BlockedError) Is(target error) bool {
	return target == policy.ErrPolicyBlocked
}

// BlockedErr returns a *BlockedError for a blocking verdict and nil otherwise.
func BlockedErr(verdict *policy.Verdict) error {
	v, ok := verdict.BlockingViolation()
	if !ok {
		return nil
	}
	return &BlockedError{Violation: v, Verdict: verdict}
}
