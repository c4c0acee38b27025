package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend persists states in a SQLite file in WAL mode. It suits a
// single instance that must keep circuit and spend state across restarts.
type SQLiteBackend struct {
	db                 *sql.DB
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once

	saveStmt    *sql.Stmt
	loadStmt    *sql.Stmt
	deleteStmt  *sql.Stmt
	listStmt    *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend opens (creating if needed) the database at cfg.Path.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteBackend{
		db:                 db,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go s.checkpointLoop()
	return s, nil
}

func (s *SQLiteBackend) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS shared_state (
		identifier TEXT NOT NULL,
		dimension TEXT NOT NULL,
		payload TEXT NOT NULL,
		last_updated INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (dimension, identifier)
	);

	CREATE INDEX IF NOT EXISTS idx_shared_state_last_updated ON shared_state(last_updated);
	`)
	return err
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO shared_state (identifier, dimension, payload, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dimension, identifier) DO UPDATE SET
			payload = excluded.payload,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.loadStmt, err = s.db.Prepare(`
		SELECT payload, last_updated, created_at
		FROM shared_state
		WHERE identifier = ? AND dimension = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM shared_state WHERE identifier = ? AND dimension = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT identifier, payload, last_updated, created_at
		FROM shared_state
		WHERE dimension = ?
		ORDER BY identifier
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`DELETE FROM shared_state WHERE last_updated < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}
	return nil
}

// Save inserts or replaces a state.
func (s *SQLiteBackend) Save(ctx context.Context, state *State) error {
	if err := validate(state); err != nil {
		return err
	}

	now := time.Now()
	created, updated := state.CreatedAt, state.LastUpdated
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	if _, err := s.saveStmt.ExecContext(ctx,
		state.Identifier,
		state.Dimension,
		string(state.Payload),
		updated.UnixMilli(),
		created.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load returns the state, or nil when absent.
func (s *SQLiteBackend) Load(ctx context.Context, identifier, dimension string) (*State, error) {
	if identifier == "" || dimension == "" {
		return nil, fmt.Errorf("identifier and dimension are required")
	}

	var (
		payload            string
		updated, createdAt int64
	)
	err := s.loadStmt.QueryRowContext(ctx, identifier, dimension).Scan(&payload, &updated, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return &State{
		Identifier:  identifier,
		Dimension:   dimension,
		Payload:     []byte(payload),
		LastUpdated: time.UnixMilli(updated),
		CreatedAt:   time.UnixMilli(createdAt),
	}, nil
}

// Delete removes a state.
func (s *SQLiteBackend) Delete(ctx context.Context, identifier, dimension string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, identifier, dimension); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// List returns every state in dimension ordered by identifier.
func (s *SQLiteBackend) List(ctx context.Context, dimension string) ([]*State, error) {
	if dimension == "" {
		return nil, fmt.Errorf("dimension cannot be empty")
	}

	rows, err := s.listStmt.QueryContext(ctx, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var (
			identifier, payload string
			updated, createdAt  int64
		)
		if err := rows.Scan(&identifier, &payload, &updated, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, &State{
			Identifier:  identifier,
			Dimension:   dimension,
			Payload:     []byte(payload),
			LastUpdated: time.UnixMilli(updated),
			CreatedAt:   time.UnixMilli(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Cleanup removes states not updated since olderThan.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close stops checkpointing and closes the database. It is idempotent.
func (s *SQLiteBackend) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt, s.deleteStmt, s.listStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
