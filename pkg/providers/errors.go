package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// FailureClass is the normalized category of an execution failure. It is
// derived from the adapter's reported error, never from content.
type FailureClass int

const (
	// ClassUnknown is any failure not matching another class.
	ClassUnknown FailureClass = iota
	ClassRateLimit
	ClassTimeout
	ClassOverload
	ClassContextOverflow
	ClassInvalidRequest
	ClassAuthentication
)

var classNames = map[FailureClass]string{
	ClassUnknown:         "Unknown",
	ClassRateLimit:       "RateLimit",
	ClassTimeout:         "Timeout",
	ClassOverload:        "Overload",
	ClassContextOverflow: "ContextOverflow",
	ClassInvalidRequest:  "InvalidRequest",
	ClassAuthentication:  "Authentication",
}

// String returns the class name.
func (c FailureClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("FailureClass(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c FailureClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *FailureClass) UnmarshalText(text []byte) error {
	for class, name := range classNames {
		if strings.EqualFold(name, string(text)) {
			*c = class
			return nil
		}
	}
	return fmt.Errorf("unknown failure class %q", text)
}

var (
	// ErrExecutionFailure is the sentinel for classified adapter failures.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrContractViolation is the sentinel for adapters breaking their
	// contract. These are defects, not request failures.
	ErrContractViolation = errors.New("adapter contract violation")
)

// ClassifiedError is an adapter failure with its failure class.
type ClassifiedError struct {
	// Class is the failure category driving recovery.
	Class FailureClass

	// BackendID is the backend that failed.
	BackendID string

	// StatusCode is the HTTP status (0 if not applicable).
	StatusCode int

	// RetryAfter is the vendor's requested wait, if any.
	RetryAfter time.Duration

	// Message is the vendor's error message.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend %q failed with %s (status %d): %s", e.BackendID, e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("backend %q failed with %s: %s", e.BackendID, e.Class, msg)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches ErrExecutionFailure.
func (e *ClassifiedError) Is(target error) bool {
	return target == ErrExecutionFailure
}

// ContractError reports an adapter breaking its contract, such as returning
// neither a result nor an error, or no adapter being registered.
type ContractError struct {
	BackendID string
	Message   string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	return fmt.Sprintf("adapter contract violation for backend %q: %s", e.BackendID, e.Message)
}

// Is matches ErrContractViolation.
func (e *ContractError) Is(target error) bool {
	return target == ErrContractViolation
}

// Classify returns the failure class of err. Cancellation is not a failure
// class; callers must check for context.Canceled before classifying.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassUnknown
}

// ClassifyStatus maps an HTTP status and error body to a failure class.
func ClassifyStatus(status int, body string) FailureClass {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuthentication
	case http.StatusTooManyRequests:
		return ClassRateLimit
	case http.StatusRequestEntityTooLarge:
		return ClassContextOverflow
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if mentionsContextLength(body) {
			return ClassContextOverflow
		}
		return ClassInvalidRequest
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ClassTimeout
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return ClassOverload
	}
	return ClassUnknown
}

func mentionsContextLength(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "context length") ||
		strings.Contains(b, "context_length") ||
		strings.Contains(b, "context window") ||
		strings.Contains(b, "maximum context")
}
