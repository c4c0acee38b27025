package evidence

import (
	"errors"
	"fmt"
)

var (
	// ErrViolationNotFound is returned when resolving an unknown violation.
	ErrViolationNotFound = errors.New("violation not found")

	// ErrAlreadyResolved is returned when resolving a violation twice.
	ErrAlreadyResolved = errors.New("violation already resolved")

	// ErrDuplicateRecord is returned when an id is stored twice.
	ErrDuplicateRecord = errors.New("duplicate evidence id")
)

// StorageError represents an error from the storage backend.
type StorageError struct {
	Backend   string // Storage backend type ("sqlite", "memory")
	Operation string // Operation that failed ("store", "query", "delete", etc.)
	Cause     error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}

// QueryError represents an invalid query.
type QueryError struct {
	Field string
	Cause error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("query error [field=%s]: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("query error: %v", e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NewQueryError creates a new QueryError.
func NewQueryError(field string, cause error) *QueryError {
	return &QueryError{
		Field: field,
		Cause: cause,
	}
}

// RecorderError represents a record the recorder could not accept.
type RecorderError struct {
	Kind  string // Record kind, or "violation"
	Cause error  // Underlying error
}

// Error implements the error interface.
func (e *RecorderError) Error() string {
	return fmt.Sprintf("recorder error [kind=%s]: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *RecorderError) Unwrap() error {
	return e.Cause
}

// RetentionError represents an error during retention policy enforcement.
type RetentionError struct {
	RetentionDays int   // Configured retention period
	Cause         error // Underlying error
}

// Error implements the error interface.
func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention error [retention_days=%d]: %v", e.RetentionDays, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *RetentionError) Unwrap() error {
	return e.Cause
}

// NewRetentionError creates a new RetentionError.
func NewRetentionError(retentionDays int, cause error) *RetentionError {
	return &RetentionError{
		RetentionDays: retentionDays,
		Cause:         cause,
	}
}

// ExportError represents an error during evidence export.
type ExportError struct {
	Format      string // Export format ("json", "csv")
	RecordCount int    // Number of records written before the failure
	Cause       error  // Underlying error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, record_count=%d]: %v", e.Format, e.RecordCount, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates a new ExportError.
func NewExportError(format string, recordCount int, cause error) *ExportError {
	return &ExportError{
		Format:      format,
		RecordCount: recordCount,
		Cause:       cause,
	}
}
