package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/query"
	"mercator-hq/conductor/pkg/policy"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db            *sql.DB
	config        *SQLiteConfig
	preparedStmts map[string]*sql.Stmt
	mu            sync.RWMutex
	logger        *slog.Logger
}

// NewSQLiteStorage creates a new SQLite storage backend.
// It initializes the database schema and enables WAL mode if configured.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, evidence.NewStorageError("sqlite", "open", errors.New("database path is required"))
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 5
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "evidence.storage.sqlite")

	db, err := sql.Open("sqlite3", dsn(config))
	if err != nil {
		return nil, evidence.NewStorageError("sqlite", "open", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{
		db:            db,
		config:        config,
		preparedStmts: make(map[string]*sql.Stmt),
		logger:        logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)

	return s, nil
}

// dsn builds the connection string. Pragmas set here apply to every pooled
// connection.
func dsn(config *SQLiteConfig) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(config.BusyTimeout.Milliseconds()))
	if config.WALMode {
		params.Set("_journal_mode", "WAL")
	}
	return "file:" + config.Path + "?" + params.Encode()
}

// initialize sets up the database schema and verifies its version.
func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return evidence.NewStorageError("sqlite", "create_schema", err)
	}

	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return evidence.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return evidence.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return evidence.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	for name, stmt := range map[string]string{
		"insert_evidence":  insertEvidence,
		"insert_violation": insertViolation,
	} {
		prepared, err := s.db.Prepare(stmt)
		if err != nil {
			return evidence.NewStorageError("sqlite", "prepare_"+name, err)
		}
		s.preparedStmts[name] = prepared
	}

	s.logger.Debug("schema version verified", "version", version)
	return nil
}

func (s *SQLiteStorage) stmt(name string) *sql.Stmt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preparedStmts[name]
}

// Store persists an evidence record to the database.
func (s *SQLiteStorage) Store(ctx context.Context, record *evidence.Record) error {
	if record.ID == "" {
		return evidence.NewStorageError("sqlite", "store", errors.New("record id is required"))
	}
	payload := string(record.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.stmt("insert_evidence").ExecContext(ctx,
		record.ID, string(record.Kind),
		record.CorrelationID, record.WorkflowID, record.BackendID, record.RuleID,
		record.Summary, payload, record.Hash,
		record.Timestamp.UnixNano(), record.RecordedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, record.ID)
		}
		return evidence.NewStorageError("sqlite", "store", err)
	}
	return nil
}

// Query retrieves evidence records matching the query filters.
func (s *SQLiteStorage) Query(ctx context.Context, q *evidence.Query) ([]*evidence.Record, error) {
	sqlQuery, args, err := s.selectQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, evidence.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	records := []*evidence.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, evidence.NewStorageError("sqlite", "scan", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, evidence.NewStorageError("sqlite", "query", err)
	}
	return records, nil
}

// QueryStream returns a channel of evidence records for memory-efficient streaming.
// The channels will be closed when the query completes or errors.
func (s *SQLiteStorage) QueryStream(ctx context.Context, q *evidence.Query) (<-chan *evidence.Record, <-chan error, error) {
	sqlQuery, args, err := s.selectQuery(q)
	if err != nil {
		return nil, nil, err
	}

	recordsCh := make(chan *evidence.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- evidence.NewStorageError("sqlite", "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				errCh <- evidence.NewStorageError("sqlite", "scan", err)
				return
			}

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- evidence.NewStorageError("sqlite", "query_stream", err)
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of evidence records matching the query filters.
func (s *SQLiteStorage) Count(ctx context.Context, q *evidence.Query) (int64, error) {
	where, args := buildWhereClause(q)

	sqlQuery := "SELECT COUNT(*) FROM evidence"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, evidence.NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// Delete removes evidence records matching the query filters.
// Returns the number of records deleted.
func (s *SQLiteStorage) Delete(ctx context.Context, q *evidence.Query) (int64, error) {
	where, args := buildWhereClause(q)

	sqlQuery := "DELETE FROM evidence"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	result, err := s.db.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return 0, evidence.NewStorageError("sqlite", "delete", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, evidence.NewStorageError("sqlite", "delete", err)
	}
	return count, nil
}

// StoreViolation persists a violation.
func (s *SQLiteStorage) StoreViolation(ctx context.Context, v policy.Violation) error {
	if v.ID == "" {
		return evidence.NewStorageError("sqlite", "store_violation", errors.New("violation id is required"))
	}

	var details any
	if len(v.Details) > 0 {
		data, err := json.Marshal(v.Details)
		if err != nil {
			return evidence.NewStorageError("sqlite", "store_violation", err)
		}
		details = string(data)
	}
	var resolvedAt any
	if v.ResolvedAt != nil {
		resolvedAt = v.ResolvedAt.UnixNano()
	}

	_, err := s.stmt("insert_violation").ExecContext(ctx,
		v.ID, v.CorrelationID, v.RuleID, v.RuleName,
		string(v.Category), string(v.Phase), string(v.Severity), string(v.Action),
		details, v.DetectedAt.UnixNano(), v.Overridden,
		v.Resolved, resolvedAt, v.ResolvedBy, v.ResolutionNotes,
	)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, v.ID)
		}
		return evidence.NewStorageError("sqlite", "store_violation", err)
	}
	return nil
}

// Violations retrieves violations matching the filters, newest first.
func (s *SQLiteStorage) Violations(ctx context.Context, q *evidence.ViolationQuery) ([]policy.Violation, error) {
	if err := query.ValidateViolations(q); err != nil {
		return nil, err
	}
	page := *q
	query.ApplyViolationDefaults(&page)

	where, args := buildViolationWhereClause(&page)
	sqlQuery := selectViolations
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	sqlQuery += fmt.Sprintf(" ORDER BY detected_at DESC, id ASC LIMIT %d", page.Limit)
	if page.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, evidence.NewStorageError("sqlite", "violations", err)
	}
	defer rows.Close()

	out := []policy.Violation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, evidence.NewStorageError("sqlite", "scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, evidence.NewStorageError("sqlite", "violations", err)
	}
	return out, nil
}

// ResolveViolation marks a violation resolved.
func (s *SQLiteStorage) ResolveViolation(ctx context.Context, id, by, notes string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE violations SET resolved = 1, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		 WHERE id = ? AND resolved = 0`,
		at.UnixNano(), by, notes, id,
	)
	if err != nil {
		return evidence.NewStorageError("sqlite", "resolve_violation", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return evidence.NewStorageError("sqlite", "resolve_violation", err)
	}
	if n > 0 {
		return nil
	}

	var resolved bool
	err = s.db.QueryRowContext(ctx, "SELECT resolved FROM violations WHERE id = ?", id).Scan(&resolved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", evidence.ErrViolationNotFound, id)
	case err != nil:
		return evidence.NewStorageError("sqlite", "resolve_violation", err)
	default:
		return fmt.Errorf("%w: %s", evidence.ErrAlreadyResolved, id)
	}
}

// ComplianceStats counts violations detected at or after since.
func (s *SQLiteStorage) ComplianceStats(ctx context.Context, since time.Time) (*evidence.ComplianceStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*), COALESCE(SUM(resolved), 0)
		 FROM violations WHERE detected_at >= ? GROUP BY severity`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, evidence.NewStorageError("sqlite", "compliance_stats", err)
	}
	defer rows.Close()

	stats := newComplianceStats(since)
	for rows.Next() {
		var severity string
		var total, resolved int64
		if err := rows.Scan(&severity, &total, &resolved); err != nil {
			return nil, evidence.NewStorageError("sqlite", "scan", err)
		}
		stats.addN(policy.Severity(severity), total, resolved)
	}
	if err := rows.Err(); err != nil {
		return nil, evidence.NewStorageError("sqlite", "compliance_stats", err)
	}
	return stats.ComplianceStats, nil
}

// DeleteResolvedViolations removes resolved violations detected before cutoff.
func (s *SQLiteStorage) DeleteResolvedViolations(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM violations WHERE resolved = 1 AND detected_at < ?",
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, evidence.NewStorageError("sqlite", "delete_violations", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, evidence.NewStorageError("sqlite", "delete_violations", err)
	}
	return n, nil
}

// Close releases resources held by the storage backend.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	for name, stmt := range s.preparedStmts {
		stmt.Close()
		delete(s.preparedStmts, name)
	}
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return evidence.NewStorageError("sqlite", "close", err)
	}

	s.logger.Info("SQLite storage closed")
	return nil
}

func (s *SQLiteStorage) selectQuery(q *evidence.Query) (string, []any, error) {
	if err := query.Validate(q); err != nil {
		return "", nil, err
	}
	page := *q
	query.ApplyDefaults(&page)

	where, args := buildWhereClause(&page)
	sqlQuery := selectEvidence
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	// SortOrder is validated above, so it is safe to interpolate.
	order := strings.ToUpper(page.SortOrder)
	sqlQuery += fmt.Sprintf(" ORDER BY timestamp %s, id %s LIMIT %d", order, order, page.Limit)
	if page.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", page.Offset)
	}
	return sqlQuery, args, nil
}

// buildWhereClause builds a SQL WHERE clause from query filters.
// Returns the WHERE clause (without "WHERE" keyword) and the query arguments.
func buildWhereClause(q *evidence.Query) (string, []any) {
	var conditions []string
	var args []any

	if q.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime.UnixNano())
	}
	if q.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime.UnixNano())
	}
	for _, f := range []struct {
		column string
		value  string
	}{
		{"kind", string(q.Kind)},
		{"correlation_id", q.CorrelationID},
		{"workflow_id", q.WorkflowID},
		{"backend_id", q.BackendID},
		{"rule_id", q.RuleID},
	} {
		if f.value != "" {
			conditions = append(conditions, f.column+" = ?")
			args = append(args, f.value)
		}
	}

	return strings.Join(conditions, " AND "), args
}

func buildViolationWhereClause(q *evidence.ViolationQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.StartTime != nil {
		conditions = append(conditions, "detected_at >= ?")
		args = append(args, q.StartTime.UnixNano())
	}
	if q.EndTime != nil {
		conditions = append(conditions, "detected_at <= ?")
		args = append(args, q.EndTime.UnixNano())
	}
	for _, f := range []struct {
		column string
		value  string
	}{
		{"severity", string(q.Severity)},
		{"category", string(q.Category)},
		{"rule_id", q.RuleID},
		{"correlation_id", q.CorrelationID},
	} {
		if f.value != "" {
			conditions = append(conditions, f.column+" = ?")
			args = append(args, f.value)
		}
	}
	if q.Resolved != nil {
		conditions = append(conditions, "resolved = ?")
		args = append(args, *q.Resolved)
	}

	return strings.Join(conditions, " AND "), args
}

// scanRecord scans a database row into a Record.
func scanRecord(rows *sql.Rows) (*evidence.Record, error) {
	var record evidence.Record
	var kind, payload string
	var ts, recordedAt int64

	err := rows.Scan(
		&record.ID, &kind,
		&record.CorrelationID, &record.WorkflowID, &record.BackendID, &record.RuleID,
		&record.Summary, &payload, &record.Hash,
		&ts, &recordedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Kind = evidence.Kind(kind)
	record.Payload = json.RawMessage(payload)
	record.Timestamp = time.Unix(0, ts).UTC()
	record.RecordedAt = time.Unix(0, recordedAt).UTC()
	return &record, nil
}

func scanViolation(rows *sql.Rows) (policy.Violation, error) {
	var v policy.Violation
	var category, phase, severity, action string
	var details sql.NullString
	var detectedAt int64
	var resolvedAt sql.NullInt64

	err := rows.Scan(
		&v.ID, &v.CorrelationID, &v.RuleID, &v.RuleName,
		&category, &phase, &severity, &action,
		&details, &detectedAt, &v.Overridden,
		&v.Resolved, &resolvedAt, &v.ResolvedBy, &v.ResolutionNotes,
	)
	if err != nil {
		return v, err
	}

	v.Category = policy.Category(category)
	v.Phase = policy.Phase(phase)
	v.Severity = policy.Severity(severity)
	v.Action = policy.Action(action)
	v.DetectedAt = time.Unix(0, detectedAt).UTC()
	if resolvedAt.Valid {
		at := time.Unix(0, resolvedAt.Int64).UTC()
		v.ResolvedAt = &at
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &v.Details); err != nil {
			return v, fmt.Errorf("decode details of %s: %w", v.ID, err)
		}
	}
	return v, nil
}

func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
