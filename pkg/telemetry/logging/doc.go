// Package logging builds the log/slog logger used across Conductor.
//
// Components log through slog.Default().With("component", name) unless a
// logger is injected. The handler built here adds correlation_id and
// workflow_id attributes to any record logged with a context that carries
// them:
//
//	ctx = logging.WithCorrelationID(ctx, rc.CorrelationID)
//	logger.InfoContext(ctx, "backend selected", "backend", id)
package logging
