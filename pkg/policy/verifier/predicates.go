package verifier

import (
	"fmt"
	"slices"
	"strings"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/registry"
)

// evalEnv holds per-evaluation lookups shared by all rules.
type evalEnv struct {
	// pool is every active backend meeting the request's tier and context
	// window minimums.
	pool []registry.BackendDescriptor

	// target is the backend backend-scoped rules judge, if any.
	target *registry.BackendDescriptor
}

func (v *Verifier) newEnv(rc policy.RequestContext, verdict *policy.Verdict) *evalEnv {
	env := &evalEnv{}
	for _, b := range v.catalog.ActiveBackends() {
		if rc.MinTier.Valid() && b.Tier < rc.MinTier {
			continue
		}
		if b.ContextWindow < rc.MinContextWindow {
			continue
		}
		env.pool = append(env.pool, b)
	}

	if id := rc.TargetBackend(); id != "" {
		if b, ok := v.catalog.Backend(id); ok {
			env.target = &b
		} else {
			verdict.Warnings = append(verdict.Warnings, policy.Warning{
				Message: fmt.Sprintf("backend %q not found in registry", id),
			})
		}
	}
	return env
}

// result is the outcome of one predicate.
type result struct {
	violated bool
	details  map[string]any

	// excluded lists backends the rule rules out of routing.
	excluded []string
	warnings []string
}

// check dispatches to the predicate for the rule's constraint variant.
func (v *Verifier) check(rule policy.Rule, rc policy.RequestContext, env *evalEnv) (result, error) {
	switch c := rule.Constraint.(type) {
	case policy.CostConstraint:
		return backendScoped(env, func(b registry.BackendDescriptor) (string, map[string]any) {
			return checkCost(c, rc, b)
		}), nil
	case policy.VendorConstraint:
		return backendScoped(env, func(b registry.BackendDescriptor) (string, map[string]any) {
			return checkVendor(c, b)
		}), nil
	case policy.PerformanceConstraint:
		if v.perf == nil {
			return result{warnings: []string{"no performance source configured"}}, nil
		}
		return backendScoped(env, func(b registry.BackendDescriptor) (string, map[string]any) {
			return checkPerformance(c, v.perf, b)
		}), nil
	case policy.ResidencyConstraint:
		return backendScoped(env, func(b registry.BackendDescriptor) (string, map[string]any) {
			return checkResidency(c, b)
		}), nil
	case policy.BehavioralConstraint:
		return v.checkBehavioral(c, rc), nil
	case policy.ComplianceConstraint:
		return checkCompliance(c, rc), nil
	case policy.Malformed:
		return result{}, fmt.Errorf("malformed %s constraints: %w", c.Of, c.Err)
	case nil:
		return result{}, fmt.Errorf("rule %s has no constraints", rule.ID)
	default:
		return result{}, fmt.Errorf("unsupported constraint type %T", c)
	}
}

// backendScoped applies a per-backend predicate. With a target backend the
// rule is violated when the target fails; without one it is violated only
// when no backend in the pool complies. Either way every failing pool
// backend is reported for exclusion. Each backend is judged once, so a
// target drawn from the pool reuses its pool result.
func backendScoped(env *evalEnv, fails func(registry.BackendDescriptor) (string, map[string]any)) result {
	type judgement struct {
		reason  string
		details map[string]any
	}

	var res result
	judged := make(map[string]judgement, len(env.pool))
	for _, b := range env.pool {
		reason, details := fails(b)
		judged[b.ID] = judgement{reason, details}
		if reason != "" {
			res.excluded = append(res.excluded, b.ID)
		}
	}

	if env.target != nil {
		j, ok := judged[env.target.ID]
		if !ok {
			j.reason, j.details = fails(*env.target)
		}
		if j.reason != "" {
			res.violated = true
			res.details = withViolation(j.details, j.reason)
			res.details["backend_id"] = env.target.ID
			if !ok {
				res.excluded = append(res.excluded, env.target.ID)
			}
		}
		return res
	}

	if len(env.pool) > 0 && len(res.excluded) == len(env.pool) {
		res.violated = true
		res.details = map[string]any{
			"violation":  "no_compliant_backend",
			"candidates": len(env.pool),
		}
	}
	return res
}

func withViolation(details map[string]any, reason string) map[string]any {
	if details == nil {
		details = make(map[string]any)
	}
	details["violation"] = reason
	return details
}

// estimatedCost prefers the observed cost of the executed backend.
func estimatedCost(rc policy.RequestContext, b registry.BackendDescriptor) float64 {
	if rc.Execution != nil && rc.Execution.BackendID == b.ID && rc.Execution.Cost > 0 {
		return rc.Execution.Cost
	}
	in, out := rc.Tokens()
	return b.EstimateCost(in, out)
}

func checkCost(c policy.CostConstraint, rc policy.RequestContext, b registry.BackendDescriptor) (string, map[string]any) {
	cost := estimatedCost(rc, b)
	details := map[string]any{"estimated_cost": cost}

	if c.MaxCostPerRequest > 0 && cost > c.MaxCostPerRequest {
		details["limit"] = c.MaxCostPerRequest
		return "cost_per_request_exceeded", details
	}
	if c.MaxDailyCost > 0 && rc.CostSoFar+cost > c.MaxDailyCost {
		details["limit"] = c.MaxDailyCost
		details["cost_so_far"] = rc.CostSoFar
		return "daily_budget_exceeded", details
	}
	return "", details
}

func checkVendor(c policy.VendorConstraint, b registry.BackendDescriptor) (string, map[string]any) {
	details := map[string]any{"vendor": b.Vendor}

	if len(c.AllowedVendors) > 0 && !containsFold(c.AllowedVendors, b.Vendor) {
		return "vendor_not_allowed", details
	}
	if containsFold(c.BlockedVendors, b.Vendor) {
		return "vendor_blocked", details
	}
	return "", details
}

func checkPerformance(c policy.PerformanceConstraint, src policy.PerformanceSource, b registry.BackendDescriptor) (string, map[string]any) {
	stats, ok := src.Performance(b.ID)
	if !ok || stats.Samples == 0 {
		return "", nil
	}
	details := map[string]any{
		"p95_latency_ms": stats.P95Latency.Milliseconds(),
		"success_rate":   stats.SuccessRate,
		"samples":        stats.Samples,
	}

	if c.MaxP95Latency > 0 && stats.P95Latency > c.MaxP95Latency {
		details["limit_ms"] = c.MaxP95Latency.Milliseconds()
		return "latency_exceeded", details
	}
	if c.MinSuccessRate > 0 && stats.SuccessRate < c.MinSuccessRate {
		details["limit"] = c.MinSuccessRate
		return "success_rate_below_threshold", details
	}
	return "", details
}

// checkResidency requires an explicit region match; "global" only satisfies
// a rule that lists it.
func checkResidency(c policy.ResidencyConstraint, b registry.BackendDescriptor) (string, map[string]any) {
	details := map[string]any{"regions": b.Regions}
	for _, r := range b.Regions {
		if containsFold(c.AllowedRegions, r) {
			return "", details
		}
	}
	details["allowed_regions"] = c.AllowedRegions
	return "region_not_allowed", details
}

func (v *Verifier) checkBehavioral(c policy.BehavioralConstraint, rc policy.RequestContext) result {
	if c.MaxPromptLength > 0 && rc.PromptLength > c.MaxPromptLength {
		return result{violated: true, details: map[string]any{
			"violation":     "prompt_too_long",
			"prompt_length": rc.PromptLength,
			"limit":         c.MaxPromptLength,
		}}
	}

	if c.MaxRequestsPerMinute > 0 {
		if v.rates == nil || rc.TenantID == "" {
			return result{warnings: []string{"request rate unavailable, rate limit not checked"}}
		}
		// The count includes the current request.
		if rate := v.rates.TenantRequestRate(rc.TenantID); rate > int64(c.MaxRequestsPerMinute) {
			return result{violated: true, details: map[string]any{
				"violation":           "rate_exceeded",
				"requests_per_minute": rate,
				"limit":               c.MaxRequestsPerMinute,
			}}
		}
	}
	return result{}
}

func checkCompliance(c policy.ComplianceConstraint, rc policy.RequestContext) result {
	var missing []string
	for _, key := range c.RequiredMetadata {
		if strings.TrimSpace(rc.Metadata[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return result{}
	}
	return result{violated: true, details: map[string]any{
		"violation": "missing_metadata",
		"missing":   missing,
	}}
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(item string) bool {
		return strings.EqualFold(item, s)
	})
}
