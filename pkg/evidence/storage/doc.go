// Package storage provides storage backends for evidence records and policy
// violations.
//
//   - SQLite: embedded database for single-node deployments
//   - Memory: in-memory storage for tests and ephemeral runs
//
// # SQLite Backend
//
// The SQLite backend provides durable storage with:
//
//   - WAL mode for concurrent reads and writes
//   - Prepared insert statements
//   - Indexes on kind, correlation id, workflow id, backend id and timestamp
//   - A busy timeout applied to every pooled connection
//
// Timestamps are stored as unix nanoseconds.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
//	    Path:    "data/audit.db",
//	    WALMode: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	stats, err := store.ComplianceStats(ctx, time.Now().Add(-24*time.Hour))
package storage
