// Conductor routes LLM requests across a catalog of model backends under
// declarative policy, recovering from backend failures with retries,
// fallbacks and per-backend circuit breakers.
//
// Usage:
//
//	# Start the long-running process with its admin API
//	conductor run --config conductor.yaml
//
//	# Show which backend a request would be routed to
//	conductor route --input-tokens 1200 --min-tier 2
//
//	# Check configuration, catalog and rules without starting anything
//	conductor validate
//
//	# Inspect circuit breakers
//	conductor circuits
//
//	# Query and export the audit trail
//	conductor audit query --kind audit --since 24h --format json
//
//	# Show version information
//	conductor version
package main

func main() {
	Execute()
}
