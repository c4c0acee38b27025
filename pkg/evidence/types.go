package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"mercator-hq/conductor/pkg/policy"
)

// Kind identifies what an evidence record describes.
type Kind string

const (
	// KindAudit is one rule evaluation, whatever its outcome.
	KindAudit Kind = "audit"

	// KindTransition is one workflow state transition.
	KindTransition Kind = "transition"

	// KindRouting is one routing decision.
	KindRouting Kind = "routing"

	// KindCircuit is one circuit breaker status change.
	KindCircuit Kind = "circuit"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindAudit, KindTransition, KindRouting, KindCircuit}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Record is an immutable evidence entry. The indexed fields are copied out
// of the payload so records can be filtered without decoding it.
type Record struct {
	// ID is a unique identifier (UUID v4).
	ID string `json:"id"`

	Kind          Kind   `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	BackendID     string `json:"backend_id,omitempty"`
	RuleID        string `json:"rule_id,omitempty"`

	// Summary is a short human readable description, e.g. "pass" for an
	// audit record or "executing -> validating" for a transition.
	Summary string `json:"summary"`

	// Payload is the full JSON encoding of the source event.
	Payload json.RawMessage `json:"payload"`

	// Hash is the SHA-256 of Payload, set by the recorder.
	Hash string `json:"hash,omitempty"`

	// Timestamp is when the event happened.
	Timestamp time.Time `json:"timestamp"`

	// RecordedAt is when the record was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// HashPayload returns the hex-encoded SHA-256 of payload, or "" when empty.
func HashPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored hash matches the payload. Records
// written without a hash never verify.
func (r *Record) VerifyHash() bool {
	return r.Hash != "" && r.Hash == HashPayload(r.Payload)
}

// Query specifies filters for evidence record retrieval.
// Zero-valued fields are ignored.
type Query struct {
	// Time range filter on Timestamp (inclusive).
	StartTime *time.Time
	EndTime   *time.Time

	Kind          Kind
	CorrelationID string
	WorkflowID    string
	BackendID     string
	RuleID        string

	// Limit is the maximum number of records to return (default: 100, max: 10000).
	Limit int

	// Offset is the number of records to skip.
	Offset int

	// SortOrder is "asc" or "desc" by Timestamp (default: "desc").
	SortOrder string
}

// ViolationQuery specifies filters for violation retrieval.
type ViolationQuery struct {
	// Time range filter on DetectedAt (inclusive).
	StartTime *time.Time
	EndTime   *time.Time

	Severity      policy.Severity
	Category      policy.Category
	RuleID        string
	CorrelationID string

	// Resolved filters on resolution state when non-nil.
	Resolved *bool

	Limit  int
	Offset int
}

// SeverityCounts holds violation counts for one severity.
type SeverityCounts struct {
	Total    int64 `json:"total"`
	Resolved int64 `json:"resolved"`
}

// ComplianceStats summarizes violations detected since a point in time.
type ComplianceStats struct {
	Since      time.Time                          `json:"since"`
	Total      int64                              `json:"total"`
	Resolved   int64                              `json:"resolved"`
	BySeverity map[policy.Severity]SeverityCounts `json:"by_severity"`
}

// Unresolved returns the number of open violations.
func (s *ComplianceStats) Unresolved() int64 {
	return s.Total - s.Resolved
}

// ResolutionRate returns the resolved share, or 1 when nothing was detected.
func (s *ComplianceStats) ResolutionRate() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Resolved) / float64(s.Total)
}

// Storage persists evidence records and violations.
type Storage interface {
	// Store persists an evidence record.
	Store(ctx context.Context, record *Record) error

	// Query retrieves evidence records matching the filters.
	Query(ctx context.Context, query *Query) ([]*Record, error)

	// QueryStream streams matching records. Both channels are closed when
	// the query completes, fails, or ctx is cancelled.
	QueryStream(ctx context.Context, query *Query) (<-chan *Record, <-chan error, error)

	// Count returns the number of records matching the filters. Limit and
	// Offset are ignored.
	Count(ctx context.Context, query *Query) (int64, error)

	// Delete removes matching records and returns how many were removed.
	// Limit and Offset are ignored.
	Delete(ctx context.Context, query *Query) (int64, error)

	// StoreViolation persists a violation. Storing an id twice is an error.
	StoreViolation(ctx context.Context, v policy.Violation) error

	// Violations retrieves violations matching the filters, newest first.
	Violations(ctx context.Context, query *ViolationQuery) ([]policy.Violation, error)

	// ResolveViolation marks a violation resolved. It returns
	// ErrViolationNotFound for unknown ids and ErrAlreadyResolved when the
	// violation was resolved before.
	ResolveViolation(ctx context.Context, id, by, notes string, at time.Time) error

	// ComplianceStats counts violations detected at or after since.
	ComplianceStats(ctx context.Context, since time.Time) (*ComplianceStats, error)

	// DeleteResolvedViolations removes resolved violations detected before
	// cutoff. Open violations are never pruned.
	DeleteResolvedViolations(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources held by the storage backend.
	Close() error
}

// Exporter writes evidence records in an output format.
type Exporter interface {
	Export(ctx context.Context, records []*Record, w io.Writer) error
	ExportStream(ctx context.Context, records <-chan *Record, w io.Writer) error
}
