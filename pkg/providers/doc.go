// Package providers defines the execution adapter contract: the normalized
// request and result exchanged with vendor adapters, and the failure classes
// recovery decisions are based on.
//
// Adapters perform exactly one attempt per Execute call. Failures are
// reported as *ClassifiedError; Classify maps any other error (deadline,
// network timeout) to a FailureClass. Returning neither a result nor an
// error is a contract violation and is surfaced as a defect, never retried.
//
// Two adapters ship with the package: HTTPAdapter posts the normalized
// request as JSON to an endpoint, and Scripted replays canned responses for
// tests and dry runs.
package providers
