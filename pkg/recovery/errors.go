package recovery

import (
	"errors"
	"fmt"
	"time"

	"mercator-hq/conductor/pkg/providers"
)

// ErrCircuitOpen is returned when a backend's circuit rejects a call.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError reports a call rejected by an open or busy half-open
// circuit. It triggers fallback and is never a final failure on its own.
type CircuitOpenError struct {
	BackendID string

	// RetryAt is when the circuit admits its trial. Zero when half-open.
	RetryAt time.Time

	// HalfOpen is true when the rejection is due to a running trial.
	HalfOpen bool
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.HalfOpen {
		return fmt.Sprintf("circuit for backend %q is half-open with a trial in flight", e.BackendID)
	}
	return fmt.Sprintf("circuit for backend %q is open until %s", e.BackendID, e.RetryAt.Format(time.RFC3339))
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// FailureError is the terminal failure of ExecuteWithRecovery. Err joins
// the last classified failure with whatever ended recovery, such as the
// router finding no further candidate.
type FailureError struct {
	// Last is the last classified adapter failure, nil if no adapter call
	// failed (every candidate's circuit was open).
	Last *providers.ClassifiedError

	// Attempts is the number of adapter calls made.
	Attempts int

	// Tried lists every backend considered, in order.
	Tried []string

	Err error
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("execution failed with %s after %d attempt(s) on %v: %v", e.Last.Class, e.Attempts, e.Tried, e.Err)
	}
	return fmt.Sprintf("execution failed after %d attempt(s) on %v: %v", e.Attempts, e.Tried, e.Err)
}

// Unwrap returns the wrapped error.
func (e *FailureError) Unwrap() error {
	return e.Err
}

// Class returns the last failure class, or ClassUnknown when none.
func (e *FailureError) Class() providers.FailureClass {
	if e.Last == nil {
		return providers.ClassUnknown
	}
	return e.Last.Class
}

// ErrFallbacksExhausted is returned when a request used up its fallback
// allowance.
var ErrFallbacksExhausted = errors.New("fallback limit reached")
