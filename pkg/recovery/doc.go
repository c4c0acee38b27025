// Package recovery supervises adapter calls: it classifies failures, keeps
// a circuit breaker per backend, and retries or re-routes according to the
// failure class.
//
// # Circuit breakers
//
// Breakers holds one circuit per backend id, each behind its own lock. A
// circuit opens after FailureThreshold consecutive failures and rejects
// calls for its cooldown. Once the cooldown has elapsed the next Allow moves
// it to half-open and admits exactly one trial: success closes it and
// resets the count, failure reopens it with the cooldown doubled up to
// MaxCooldown. Breakers satisfies routing.CircuitView.
//
// # Recovery
//
// Executor.ExecuteWithRecovery applies the per-class strategy returned by
// Config.StrategyFor. Rate limits and overloads count against the circuit
// and fall back through the router, timeouts are retried with exponential
// backoff before falling back, context overflows and caller errors fail
// immediately, and unknown failures get a single retry. Cancellation ends
// recovery without touching any circuit.
package recovery
