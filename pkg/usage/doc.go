// Package usage tracks what each execution consumed and how each backend
// has been performing.
//
// The Tracker keeps session totals (requests, tokens, cost, failures) and a
// bounded window of recent executions per backend. The window feeds
// performance policy rules through the policy.PerformanceSource interface:
//
//	tracker := usage.New(usage.Options{Window: 200})
//	v := verifier.New(rules, catalog, verifier.Options{Performance: tracker})
//
// All reads are answered from memory.
package usage
