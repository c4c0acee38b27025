package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/query"
	"mercator-hq/conductor/pkg/policy"
)

// MemoryStorage implements the Storage interface using in-memory maps.
// Records are lost on restart; use it for tests and ephemeral deployments.
type MemoryStorage struct {
	mu         sync.RWMutex
	records    map[string]*evidence.Record
	violations map[string]policy.Violation
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:    make(map[string]*evidence.Record),
		violations: make(map[string]policy.Violation),
	}
}

// Store persists an evidence record to memory.
func (s *MemoryStorage) Store(ctx context.Context, record *evidence.Record) error {
	if record.ID == "" {
		return evidence.NewStorageError("memory", "store", fmt.Errorf("record id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return evidence.NewStorageError("memory", "store", fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, record.ID))
	}
	s.records[record.ID] = copyRecord(record)
	return nil
}

// Query retrieves evidence records matching the query filters.
func (s *MemoryStorage) Query(ctx context.Context, q *evidence.Query) ([]*evidence.Record, error) {
	if err := query.Validate(q); err != nil {
		return nil, err
	}
	page := *q
	query.ApplyDefaults(&page)

	results := s.matching(&page)
	return paginate(results, page.Offset, page.Limit), nil
}

// QueryStream returns a channel of evidence records.
// The channels are closed when the query completes or ctx is cancelled.
func (s *MemoryStorage) QueryStream(ctx context.Context, q *evidence.Query) (<-chan *evidence.Record, <-chan error, error) {
	records, err := s.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	recordsCh := make(chan *evidence.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		for _, record := range records {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of evidence records matching the query filters.
func (s *MemoryStorage) Count(ctx context.Context, q *evidence.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.records {
		if matchesQuery(record, q) {
			count++
		}
	}
	return count, nil
}

// Delete removes evidence records matching the query filters.
func (s *MemoryStorage) Delete(ctx context.Context, q *evidence.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, record := range s.records {
		if matchesQuery(record, q) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// StoreViolation persists a violation.
func (s *MemoryStorage) StoreViolation(ctx context.Context, v policy.Violation) error {
	if v.ID == "" {
		return evidence.NewStorageError("memory", "store_violation", fmt.Errorf("violation id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[v.ID]; ok {
		return evidence.NewStorageError("memory", "store_violation", fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, v.ID))
	}
	s.violations[v.ID] = copyViolation(v)
	return nil
}

// Violations retrieves violations matching the filters, newest first.
func (s *MemoryStorage) Violations(ctx context.Context, q *evidence.ViolationQuery) ([]policy.Violation, error) {
	if err := query.ValidateViolations(q); err != nil {
		return nil, err
	}
	page := *q
	query.ApplyViolationDefaults(&page)

	s.mu.RLock()
	results := make([]policy.Violation, 0)
	for _, v := range s.violations {
		if matchesViolation(v, &page) {
			results = append(results, copyViolation(v))
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if !results[i].DetectedAt.Equal(results[j].DetectedAt) {
			return results[i].DetectedAt.After(results[j].DetectedAt)
		}
		return results[i].ID < results[j].ID
	})
	return paginate(results, page.Offset, page.Limit), nil
}

// ResolveViolation marks a violation resolved.
func (s *MemoryStorage) ResolveViolation(ctx context.Context, id, by, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return fmt.Errorf("%w: %s", evidence.ErrViolationNotFound, id)
	}
	if v.Resolved {
		return fmt.Errorf("%w: %s", evidence.ErrAlreadyResolved, id)
	}
	resolvedAt := at
	v.Resolved = true
	v.ResolvedAt = &resolvedAt
	v.ResolvedBy = by
	v.ResolutionNotes = notes
	s.violations[id] = v
	return nil
}

// ComplianceStats counts violations detected at or after since.
func (s *MemoryStorage) ComplianceStats(ctx context.Context, since time.Time) (*evidence.ComplianceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newComplianceStats(since)
	for _, v := range s.violations {
		if v.DetectedAt.Before(since) {
			continue
		}
		stats.add(v.Severity, v.Resolved)
	}
	return stats.ComplianceStats, nil
}

// DeleteResolvedViolations removes resolved violations detected before cutoff.
func (s *MemoryStorage) DeleteResolvedViolations(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, v := range s.violations {
		if v.Resolved && v.DetectedAt.Before(cutoff) {
			delete(s.violations, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close releases resources held by the storage backend.
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) matching(q *evidence.Query) []*evidence.Record {
	s.mu.RLock()
	results := make([]*evidence.Record, 0)
	for _, record := range s.records {
		if matchesQuery(record, q) {
			results = append(results, copyRecord(record))
		}
	}
	s.mu.RUnlock()

	asc := q.SortOrder == "asc"
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if asc {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return results
}

// matchesQuery checks if a record matches the query filters.
func matchesQuery(record *evidence.Record, q *evidence.Query) bool {
	if q.StartTime != nil && record.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && record.Timestamp.After(*q.EndTime) {
		return false
	}
	if q.Kind != "" && record.Kind != q.Kind {
		return false
	}
	if q.CorrelationID != "" && record.CorrelationID != q.CorrelationID {
		return false
	}
	if q.WorkflowID != "" && record.WorkflowID != q.WorkflowID {
		return false
	}
	if q.BackendID != "" && record.BackendID != q.BackendID {
		return false
	}
	if q.RuleID != "" && record.RuleID != q.RuleID {
		return false
	}
	return true
}

func matchesViolation(v policy.Violation, q *evidence.ViolationQuery) bool {
	if q.StartTime != nil && v.DetectedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && v.DetectedAt.After(*q.EndTime) {
		return false
	}
	if q.Severity != "" && v.Severity != q.Severity {
		return false
	}
	if q.Category != "" && v.Category != q.Category {
		return false
	}
	if q.RuleID != "" && v.RuleID != q.RuleID {
		return false
	}
	if q.CorrelationID != "" && v.CorrelationID != q.CorrelationID {
		return false
	}
	if q.Resolved != nil && v.Resolved != *q.Resolved {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyRecord(r *evidence.Record) *evidence.Record {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	return &out
}

func copyViolation(v policy.Violation) policy.Violation {
	if v.Details != nil {
		details := make(map[string]any, len(v.Details))
		for k, val := range v.Details {
			details[k] = val
		}
		v.Details = details
	}
	if v.ResolvedAt != nil {
		at := *v.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

// statsBuilder accumulates compliance counts.
type statsBuilder struct {
	*evidence.ComplianceStats
}

func newComplianceStats(since time.Time) statsBuilder {
	return statsBuilder{&evidence.ComplianceStats{
		Since:      since,
		BySeverity: make(map[policy.Severity]evidence.SeverityCounts),
	}}
}

func (b statsBuilder) add(severity policy.Severity, resolved bool) {
	b.addN(severity, 1, boolCount(resolved))
}

func (b statsBuilder) addN(severity policy.Severity, total, resolved int64) {
	c := b.BySeverity[severity]
	c.Total += total
	c.Resolved += resolved
	b.BySeverity[severity] = c
	b.Total += total
	b.Resolved += resolved
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
