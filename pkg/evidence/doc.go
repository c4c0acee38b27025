// Package evidence defines the audit trail of the routing core: immutable
// evidence records and policy violations, plus the Storage interface that
// persists them.
//
// # Record Kinds
//
//   - audit: one per rule evaluated, whatever its outcome
//   - transition: one per workflow state transition
//   - routing: one per routing decision
//   - circuit: one per circuit breaker status change
//
// Violations are stored separately because they carry mutable resolution
// state (resolved, resolved at, resolved by, notes). ComplianceStats counts
// them by severity over a time window.
//
// Every record carries its source event as a JSON payload and a SHA-256
// hash of that payload, so a record can be checked with VerifyHash after
// export or archiving.
//
// # Subpackages
//
//   - recorder: asynchronous, non-blocking sink for the request path
//   - storage: SQLite and in-memory backends
//   - query: query validation and defaults
//   - retention: age and count pruning on a cron schedule
//   - export: JSON and CSV writers
package evidence
