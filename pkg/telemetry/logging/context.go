package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// CorrelationIDKey is the context key for request correlation ids.
	CorrelationIDKey contextKey = "correlation_id"

	// WorkflowIDKey is the context key for workflow instance ids.
	WorkflowIDKey contextKey = "workflow_id"
)

// WithCorrelationID adds a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationID retrieves the correlation id from the context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithWorkflowID adds a workflow instance id to the context.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkflowIDKey, id)
}

// WorkflowID retrieves the workflow instance id from the context.
func WorkflowID(ctx context.Context) string {
	if id, ok := ctx.Value(WorkflowIDKey).(string); ok {
		return id
	}
	return ""
}

// contextHandler copies ids stored in the context onto every record.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String(string(CorrelationIDKey), id))
	}
	if id := WorkflowID(ctx); id != "" {
		r.AddAttrs(slog.String(string(WorkflowIDKey), id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
