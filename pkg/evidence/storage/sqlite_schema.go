package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the evidence database schema.
// Timestamps are unix nanoseconds so range filters compare numerically.
const Schema = `
-- Evidence records: audit, transition, routing, circuit
CREATE TABLE IF NOT EXISTS evidence (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,

    correlation_id TEXT NOT NULL DEFAULT '',
    workflow_id TEXT NOT NULL DEFAULT '',
    backend_id TEXT NOT NULL DEFAULT '',
    rule_id TEXT NOT NULL DEFAULT '',

    summary TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    hash TEXT NOT NULL DEFAULT '',

    timestamp INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);

-- Policy violations with resolution state
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL DEFAULT '',
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    phase TEXT NOT NULL,
    severity TEXT NOT NULL,
    action TEXT NOT NULL,
    details TEXT,
    detected_at INTEGER NOT NULL,
    overridden INTEGER NOT NULL DEFAULT 0,

    resolved INTEGER NOT NULL DEFAULT 0,
    resolved_at INTEGER,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT ''
);

-- Schema version table
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_evidence_timestamp ON evidence(timestamp);
CREATE INDEX IF NOT EXISTS idx_evidence_kind ON evidence(kind, timestamp);
CREATE INDEX IF NOT EXISTS idx_evidence_correlation_id ON evidence(correlation_id);
CREATE INDEX IF NOT EXISTS idx_evidence_workflow_id ON evidence(workflow_id);
CREATE INDEX IF NOT EXISTS idx_evidence_backend_id ON evidence(backend_id);
CREATE INDEX IF NOT EXISTS idx_violations_detected_at ON violations(detected_at);
CREATE INDEX IF NOT EXISTS idx_violations_severity ON violations(severity, resolved);
CREATE INDEX IF NOT EXISTS idx_violations_rule_id ON violations(rule_id);
`

// InsertSchemaVersion inserts the schema version into the schema_version table.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version from the database.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const insertEvidence = `
INSERT INTO evidence (
    id, kind, correlation_id, workflow_id, backend_id, rule_id,
    summary, payload, hash, timestamp, recorded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertViolation = `
INSERT INTO violations (
    id, correlation_id, rule_id, rule_name, category, phase, severity, action,
    details, detected_at, overridden, resolved, resolved_at, resolved_by, resolution_notes
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectEvidence = `
SELECT id, kind, correlation_id, workflow_id, backend_id, rule_id,
       summary, payload, hash, timestamp, recorded_at
FROM evidence
`

const selectViolations = `
SELECT id, correlation_id, rule_id, rule_name, category, phase, severity, action,
       details, detected_at, overridden, resolved, resolved_at, resolved_by, resolution_notes
FROM violations
`
