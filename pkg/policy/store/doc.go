// Package store is the policy store: an in-memory, read-mostly rule set
// that the verifier queries with EnabledRules(phase).
//
// Rules are loaded from a YAML file:
//
//	rules:
//	  - id: cost-ceiling
//	    category: cost
//	    priority: 75          # default 50
//	    phase: pre-flight     # default pre-flight
//	    action: degrade       # optional, derived from severity when absent
//	    constraints:
//	      max_cost_per_request: 0.05
//
// FileLoader.Watch reloads the file on change. A reload that fails to read,
// parse or validate leaves the previous rules installed.
package store
