// Package policy defines the policy model shared by the store, the verifier
// and the router: rules, their closed set of category constraints, request
// contexts, violations and verdicts.
//
// Severity is a pure function of priority:
//
//	90-100 critical, 70-89 high, 40-69 medium, 0-39 low
//
// and a rule without an explicit action takes the severity default: critical
// blocks, high blocks (or degrades for cost rules), medium warns, low logs.
package policy
