// Package storage persists circuit breaker state and tenant spend so a
// restarted instance resumes with the same view of backend health.
//
// Two backends are provided: MemoryBackend for tests and deployments that
// do not need durability, and SQLiteBackend which stores records in a WAL
// mode SQLite file. Persister drives periodic checkpoints:
//
//	backend, _ := storage.NewSQLiteBackend(storage.SQLiteConfig{Path: "data/state.db"})
//	p := storage.NewPersister(backend, breakers, tracker, time.Minute, logger)
//	_ = p.Restore(ctx)
//	go p.Run(ctx)
package storage
