// Package tracing provides OpenTelemetry tracing for Conductor.
//
// Spans are opened around policy evaluation, routing decisions, each adapter
// attempt and the workflow run as a whole. When tracing is disabled a noop
// tracer is used so callers never branch on configuration.
//
// Spans are exported over OTLP gRPC. Sampling is parent-based with an
// "always", "never" or "ratio" root sampler.
package tracing
