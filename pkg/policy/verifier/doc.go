// Package verifier is the policy verifier. Evaluate gates a request
// context against every enabled rule for a phase and returns a fresh,
// immutable verdict.
//
// Rules run in priority order. A violation's action comes from the rule or
// from its severity band. The first blocking violation stops evaluation
// unless the request carries the bypass flag, in which case the block is
// recorded as an overridden warning. A rule that cannot be evaluated is
// skipped and logged (fail-open).
//
// Backend-scoped rules (cost, vendor, performance, data residency) also
// report which backends they rule out; the router honours those exclusions
// for enforcing rules.
//
// Every evaluated rule yields one audit record and every violation one
// violation record, delivered to a non-blocking AuditSink.
package verifier
