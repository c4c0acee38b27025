// Package metrics exports Prometheus metrics for the policy verifier, the
// router, circuit breakers, execution adapters and workflow instances.
//
// A single Collector is created at startup and injected into components.
// Metric names are prefixed with the configured namespace and subsystem,
// e.g. mercator_conductor_circuit_state.
package metrics
