package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDescriptor is returned when a catalog entry violates descriptor invariants.
	ErrInvalidDescriptor = errors.New("invalid backend descriptor")

	// ErrDuplicateBackend is returned when two catalog entries share an id.
	ErrDuplicateBackend = errors.New("duplicate backend id")

	// ErrNotLoaded is returned when the registry has no snapshot yet.
	ErrNotLoaded = errors.New("registry not loaded")
)

// SourceError wraps a failure to load the catalog from a source.
type SourceError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return fmt.Sprintf("registry source %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}
