// Package server provides the admin HTTP surface for Conductor.
//
// The admin server reports on the running decision core. It never handles
// model traffic; requests flow through workflow.Engine, not HTTP.
//
// # Routes
//
//	GET    /health                 liveness, tracked workflows, open circuits
//	GET    /metrics                Prometheus metrics (when enabled)
//	GET    /v1/circuits            per-backend circuit state and next trial time
//	GET    /v1/workflows           tracked workflows, optionally ?state=executing
//	GET    /v1/workflows/{id}      one workflow's snapshot with full history
//	DELETE /v1/workflows/{id}      cancel a running workflow
//	GET    /v1/usage               session and per-backend usage
//	GET    /v1/compliance          violation counts, ?since=24h or RFC 3339
//
// Components are passed through Options as narrow interfaces. A route whose
// component is nil answers 503.
//
// # Middleware
//
// Every request passes through recovery, request id and logging middleware,
// outermost first. The request id is taken from X-Request-ID when present
// and echoed in the response and in error bodies.
//
// # Lifecycle
//
//	srv := server.NewServer(&cfg.Server, &cfg.Telemetry.Metrics, server.Options{
//	    Circuits:   breakers,
//	    Workflows:  orchestrator,
//	    Usage:      tracker,
//	    Compliance: evidenceStore,
//	    Metrics:    collector,
//	})
//	err := srv.Start(ctx) // blocks until ctx is cancelled
package server
