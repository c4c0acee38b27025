package query

import (
	"fmt"
	"time"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/policy"
)

const (
	// DefaultLimit is the default number of records to return if not specified.
	DefaultLimit = 100

	// MaxLimit is the maximum number of records that can be returned in a single query.
	MaxLimit = 10000
)

// ValidSortOrders contains the valid sort orders.
var ValidSortOrders = map[string]bool{
	"asc":  true,
	"desc": true,
}

// Validate validates a record query and returns an error if any parameters are invalid.
func Validate(q *evidence.Query) error {
	if err := validatePage(q.Limit, q.Offset); err != nil {
		return err
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return evidence.NewQueryError("kind", fmt.Errorf("unknown record kind %q", q.Kind))
	}
	if q.SortOrder != "" && !ValidSortOrders[q.SortOrder] {
		return evidence.NewQueryError("sort_order", fmt.Errorf("invalid sort order: %s (must be 'asc' or 'desc')", q.SortOrder))
	}
	return validateRange(q.StartTime, q.EndTime)
}

// ValidateViolations validates a violation query.
func ValidateViolations(q *evidence.ViolationQuery) error {
	if err := validatePage(q.Limit, q.Offset); err != nil {
		return err
	}
	switch q.Severity {
	case "", policy.SeverityLow, policy.SeverityMedium, policy.SeverityHigh, policy.SeverityCritical:
	default:
		return evidence.NewQueryError("severity", fmt.Errorf("unknown severity %q", q.Severity))
	}
	if q.Category != "" && !q.Category.Valid() {
		return evidence.NewQueryError("category", fmt.Errorf("unknown category %q", q.Category))
	}
	return validateRange(q.StartTime, q.EndTime)
}

// ApplyDefaults applies default values to a record query.
func ApplyDefaults(q *evidence.Query) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}

// ApplyViolationDefaults applies default values to a violation query.
func ApplyViolationDefaults(q *evidence.ViolationQuery) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
}

func validatePage(limit, offset int) error {
	if limit < 0 {
		return evidence.NewQueryError("limit", fmt.Errorf("limit must be >= 0, got %d", limit))
	}
	if limit > MaxLimit {
		return evidence.NewQueryError("limit", fmt.Errorf("limit must be <= %d, got %d", MaxLimit, limit))
	}
	if offset < 0 {
		return evidence.NewQueryError("offset", fmt.Errorf("offset must be >= 0, got %d", offset))
	}
	return nil
}

func validateRange(start, end *time.Time) error {
	if start != nil && end != nil && start.After(*end) {
		return evidence.NewQueryError("start_time", fmt.Errorf("start_time must be before end_time"))
	}
	return nil
}
