package recovery

import "mercator-hq/conductor/pkg/providers"

// Action is what recovery did after an attempt.
type Action string

const (
	ActionSucceeded Action = "succeeded"
	ActionRetry     Action = "retry"
	ActionFallback  Action = "fallback"
	ActionFail      Action = "fail"
	ActionCancelled Action = "cancelled"
)

// Strategy is the recovery policy for one failure class.
type Strategy struct {
	// Retries is how many times the same backend is retried.
	Retries int

	// Backoff spaces retries exponentially.
	Backoff bool

	// Fallback re-routes away from the backend once retries are spent.
	Fallback bool

	// CircuitFailure counts the failure against the backend's circuit.
	CircuitFailure bool
}

// StrategyFor returns the recovery policy for class.
//
//	RateLimit, Overload        circuit failure, fall back
//	Timeout                    retry with backoff, then as above
//	ContextOverflow            fail fast
//	InvalidRequest, Auth       fail, caller or configuration error
//	Unknown                    retry once, then fail
func (c Config) StrategyFor(class providers.FailureClass) Strategy {
	switch class {
	case providers.ClassRateLimit, providers.ClassOverload:
		return Strategy{Fallback: true, CircuitFailure: true}
	case providers.ClassTimeout:
		return Strategy{Retries: c.TimeoutRetries, Backoff: true, Fallback: true, CircuitFailure: true}
	case providers.ClassContextOverflow, providers.ClassInvalidRequest, providers.ClassAuthentication:
		return Strategy{}
	default:
		return Strategy{Retries: c.UnknownRetries, Backoff: true, CircuitFailure: true}
	}
}
