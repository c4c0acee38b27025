package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoCandidate is returned when no backend satisfies the request's
	// constraints. It is distinct from a policy block.
	ErrNoCandidate = errors.New("no candidate backend")
)

// Rejection reasons reported by NoCandidateError.
const (
	RejectTierBelowMinimum   = "tier_below_minimum"
	RejectContextTooSmall    = "context_window_too_small"
	RejectToolsUnsupported   = "tools_unsupported"
	RejectVendorNotRequested = "vendor_not_requested"
	RejectCircuitOpen        = "circuit_open"
	RejectPolicyExcluded     = "policy_excluded"
	RejectQuotaExhausted     = "quota_exhausted"
	RejectDegradeTierCap     = "degrade_tier_cap"
	RejectExcludedByCaller   = "excluded_by_caller"
)

// NoCandidateError is returned when the candidate set is empty. The caller
// decides whether that is a hard failure or an escalation.
type NoCandidateError struct {
	// CorrelationID identifies the request.
	CorrelationID string

	// Considered is the number of active backends examined.
	Considered int

	// Rejected maps backend ids to the first filter that removed them.
	Rejected map[string]string

	// Degraded is set when a degrade verdict capped the tier.
	Degraded bool
}

// Error implements the error interface.
func (e *NoCandidateError) Error() string {
	if len(e.Rejected) == 0 {
		return fmt.Sprintf("no candidate backend for request %s (considered %d)", e.CorrelationID, e.Considered)
	}
	ids := make([]string, 0, len(e.Rejected))
	for id := range e.Rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+e.Rejected[id])
	}
	return fmt.Sprintf("no candidate backend for request %s (rejected: %s)",
		e.CorrelationID, strings.Join(parts, ", "))
}

// Is implements error matching for errors.Is().
func (e *NoCandidateError) Is(target error) bool {
	return target == ErrNoCandidate
}
