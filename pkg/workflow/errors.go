package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is the sentinel for events not valid in the
	// current state. It always indicates a defect.
	ErrIllegalTransition = errors.New("illegal workflow transition")

	// ErrCancelled is the cancellation cause used when a workflow is
	// cancelled through the orchestrator.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrRequestTimeout is the cancellation cause when the overall request
	// deadline passes.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrValidationFailed is the sentinel for results rejected during
	// validation.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNotFound is returned for unknown workflow ids.
	ErrNotFound = errors.New("workflow not found")

	// ErrNotTerminal is returned when completing a workflow still running.
	ErrNotTerminal = errors.New("workflow not terminal")

	// ErrCapacity is returned when the orchestrator holds its maximum
	// number of workflows.
	ErrCapacity = errors.New("workflow capacity reached")
)

// IllegalTransitionError reports an event fired in a state that has no
// transition for it. The instance is left unchanged.
type IllegalTransitionError struct {
	WorkflowID string
	From       State
	Event      Event
}

// Error returns the error message.
func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("workflow %s: no transition from %s on %s", e.WorkflowID, e.From, e.Event)
}

// Is matches ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// DefectError marks a failure caused by a bug in the system or an adapter
// rather than by the request. Callers should surface it differently from
// ordinary request failures.
type DefectError struct {
	Err error
}

// Error returns the error message.
func (e *DefectError) Error() string {
	return "defect: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DefectError) Unwrap() error {
	return e.Err
}

// IsDefect reports whether err is or wraps a DefectError.
func IsDefect(err error) bool {
	var d *DefectError
	return errors.As(err, &d)
}

// ValidationError reports why a result was rejected.
type ValidationError struct {
	Err error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
