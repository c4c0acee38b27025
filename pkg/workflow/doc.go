// Package workflow is the control-flow state machine that owns a request
// from arrival to its terminal result.
//
// An Instance moves through
//
//	idle -> analyzing -> selecting_model -> executing -> validating -> completed
//
// with failures leading to failed, and results rejected during validation
// passing through rollback first. Transitions are a fixed table keyed by
// (state, event); firing an event with no entry returns an
// *IllegalTransitionError and leaves the instance untouched.
//
// Transitions never perform work themselves. Each one names an Effect, and
// the Engine's per-run dispatcher is the single place that performs it:
// pre-flight verification on entering analyzing, routing on entering
// selecting_model, execution through error recovery on entering
// executing, and post-execution verification on entering validating.
// Every adapter attempt is reported back as an execution_started or
// attempt_failed self-transition so the history shows each one.
//
// The Orchestrator tracks instances by id so callers can list, inspect and
// cancel them, and releases finished instances once consumed.
package workflow
