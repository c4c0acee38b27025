package routing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/telemetry/tracing"
)

// DefaultOutputMargin is the safety margin added to output token hints.
const DefaultOutputMargin = 0.2

// DefaultFallbackChainLength is the number of runner-ups used for fallback.
const DefaultFallbackChainLength = 2

// Catalog is the read-only view of the registry the router needs.
type Catalog interface {
	ActiveBackends() []registry.BackendDescriptor
	Backend(id string) (registry.BackendDescriptor, bool)
}

// CircuitView reports whether a backend's circuit currently rejects calls.
type CircuitView interface {
	IsOpen(backendID string) bool
}

// QuotaView reports whether a backend's request or token quota is used up.
type QuotaView interface {
	Exhausted(b registry.BackendDescriptor) bool
}

// Config configures the router.
type Config struct {
	// OutputMargin inflates output token hints before scoring.
	// Default: 0.2
	OutputMargin float64

	// FallbackChainLength bounds how many runner-ups recovery may use.
	// Default: 2
	FallbackChainLength int

	// DefaultRegion applies when a request names no preferred region.
	DefaultRegion string
}

// Options holds the router's optional collaborators.
type Options struct {
	Circuits CircuitView
	Quotas   QuotaView
	Metrics  *metrics.Collector
	Tracer   *tracing.Tracer
	Logger   *slog.Logger
	Stats    *AtomicRoutingStats

	// Now defaults to time.Now. It only stamps decisions.
	Now func() time.Time
}

// Router selects the backend with the lowest expected cost of successful
// completion. Selection is a pure function of the catalog snapshot, the
// verdict, circuit states and quota states.
type Router struct {
	catalog  Catalog
	config   Config
	circuits CircuitView
	quotas   QuotaView
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	logger   *slog.Logger
	stats    *AtomicRoutingStats
	now      func() time.Time
}

// New creates a router.
func New(catalog Catalog, cfg Config, opts Options) *Router {
	if cfg.OutputMargin <= 0 {
		cfg.OutputMargin = DefaultOutputMargin
	}
	if cfg.FallbackChainLength <= 0 {
		cfg.FallbackChainLength = DefaultFallbackChainLength
	}

	r := &Router{
		catalog:  catalog,
		config:   cfg,
		circuits: opts.Circuits,
		quotas:   opts.Quotas,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
		stats:    opts.Stats,
		now:      opts.Now,
	}
	if r.tracer == nil {
		r.tracer = tracing.Noop()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")
	if r.stats == nil {
		r.stats = NewAtomicRoutingStats()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Config returns the effective configuration.
func (r *Router) Config() Config {
	return r.config
}

// Stats returns the router's statistics tracker.
func (r *Router) Stats() *AtomicRoutingStats {
	return r.stats
}

// Select chooses a backend for rc given the pre-flight verdict.
func (r *Router) Select(ctx context.Context, rc policy.RequestContext, verdict *policy.Verdict) (*Decision, error) {
	return r.SelectExcluding(ctx, rc, verdict, nil)
}

// SelectExcluding is Select with additional backends ruled out. Recovery
// uses it to fall back away from a failing backend.
func (r *Router) SelectExcluding(ctx context.Context, rc policy.RequestContext, verdict *policy.Verdict, exclude []string) (*Decision, error) {
	start := time.Now()
	_, span := r.tracer.Start(ctx, "router.select",
		tracing.AttrCorrelationID.String(rc.CorrelationID),
	)
	defer span.End()

	r.stats.IncrementTotal()

	active := r.catalog.ActiveBackends()
	degraded := verdict.Degraded()
	tierCap := r.degradeTierCap(rc, degraded)

	rejected := make(map[string]string)
	candidates := make([]registry.BackendDescriptor, 0, len(active))
	for _, b := range active {
		if reason := r.reject(b, rc, verdict, exclude, tierCap); reason != "" {
			rejected[b.ID] = reason
			r.stats.IncrementFiltered(reason)
			continue
		}
		candidates = append(candidates, b)
	}

	region := rc.PreferredRegion
	if region == "" {
		region = r.config.DefaultRegion
	}
	var regionFallback bool
	if region != "" && len(candidates) > 0 {
		regional := slices.DeleteFunc(slices.Clone(candidates), func(b registry.BackendDescriptor) bool {
			return !b.ServesRegion(region)
		})
		if len(regional) > 0 {
			candidates = regional
		} else {
			regionFallback = true
			r.stats.IncrementRegionFallback()
		}
	}

	if len(candidates) == 0 {
		err := &NoCandidateError{
			CorrelationID: rc.CorrelationID,
			Considered:    len(active),
			Rejected:      rejected,
			Degraded:      degraded,
		}
		r.stats.IncrementNoCandidate()
		r.metrics.RecordNoCandidate(time.Since(start))
		tracing.SetError(span, err)
		r.logger.Warn("no candidate backend",
			"correlation_id", rc.CorrelationID,
			"considered", len(active),
			"degraded", degraded,
		)
		return nil, err
	}

	scored := r.rank(rc, candidates)
	best := scored[0]
	chosen, _ := findBackend(candidates, best.BackendID)

	decision := &Decision{
		BackendID:      best.BackendID,
		Backend:        chosen,
		Score:          best.Score,
		RunnerUps:      scored[1:],
		Degraded:       degraded,
		Region:         region,
		RegionFallback: regionFallback,
		Reasons:        r.reasons(best, len(candidates), len(rejected), degraded, tierCap, region, regionFallback),
		Timestamp:      r.now(),
	}

	r.stats.IncrementBackend(best.BackendID)
	if degraded {
		r.stats.IncrementDegraded()
	}
	r.metrics.RecordRoutingDecision(best.BackendID, degraded, len(candidates), time.Since(start))
	span.SetAttributes(
		tracing.AttrBackendID.String(best.BackendID),
		tracing.AttrScore.Float64(best.Score),
		tracing.AttrCandidates.Int(len(candidates)),
	)

	r.logger.Debug("backend selected",
		"correlation_id", rc.CorrelationID,
		"backend_id", best.BackendID,
		"score", best.Score,
		"candidates", len(candidates),
		"degraded", degraded,
	)
	return decision, nil
}

// degradeTierCap returns the highest tier a degraded request may use: the
// requested backend's tier, or the requested minimum when none was named.
// It returns TierUnknown when no cap applies.
func (r *Router) degradeTierCap(rc policy.RequestContext, degraded bool) registry.Tier {
	if !degraded {
		return registry.TierUnknown
	}
	if rc.RequestedBackend != "" {
		if b, ok := r.catalog.Backend(rc.RequestedBackend); ok {
			return b.Tier
		}
	}
	if rc.MinTier.Valid() {
		return rc.MinTier
	}
	return registry.Tier1
}

// reject returns the first filter b fails, or "" if b is a candidate.
func (r *Router) reject(
	b registry.BackendDescriptor,
	rc policy.RequestContext,
	verdict *policy.Verdict,
	exclude []string,
	tierCap registry.Tier,
) string {
	switch {
	case slices.Contains(exclude, b.ID):
		return RejectExcludedByCaller
	case rc.MinTier.Valid() && b.Tier < rc.MinTier:
		return RejectTierBelowMinimum
	case tierCap.Valid() && b.Tier > tierCap:
		return RejectDegradeTierCap
	case b.ContextWindow < rc.MinContextWindow:
		return RejectContextTooSmall
	case rc.RequiresTools && !b.SupportsTools:
		return RejectToolsUnsupported
	case len(rc.Vendors) > 0 && !slices.ContainsFunc(rc.Vendors, func(v string) bool {
		return strings.EqualFold(v, b.Vendor)
	}):
		return RejectVendorNotRequested
	case verdict.Excludes(b.ID):
		return RejectPolicyExcluded
	case r.circuits != nil && r.circuits.IsOpen(b.ID):
		return RejectCircuitOpen
	case r.quotas != nil && r.quotas.Exhausted(b):
		return RejectQuotaExhausted
	}
	return ""
}

// Score returns the expected cost of successful completion for b:
//
//	(in*costIn + out*(1+margin)*costOut) / priorSuccess
//
// with costs per token. Lower is better.
func Score(b registry.BackendDescriptor, tokensIn, tokensOut int, margin float64) float64 {
	cost := float64(tokensIn)*b.CostInPerMillion/1e6 +
		float64(tokensOut)*(1+margin)*b.CostOutPerMillion/1e6
	return cost / b.PriorSuccess
}

// rank scores candidates best first. Ties go to the higher prior success,
// then to the lexically smaller id.
func (r *Router) rank(rc policy.RequestContext, candidates []registry.BackendDescriptor) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, b := range candidates {
		out = append(out, Candidate{
			BackendID:    b.ID,
			Vendor:       b.Vendor,
			Tier:         b.Tier,
			Score:        Score(b, rc.EstimatedInputTokens, rc.EstimatedOutputTokens, r.config.OutputMargin),
			PriorSuccess: b.PriorSuccess,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		if out[i].PriorSuccess != out[j].PriorSuccess {
			return out[i].PriorSuccess > out[j].PriorSuccess
		}
		return out[i].BackendID < out[j].BackendID
	})
	return out
}

func (r *Router) reasons(best Candidate, candidates, rejected int, degraded bool, tierCap registry.Tier, region string, regionFallback bool) []string {
	reasons := []string{
		fmt.Sprintf("lowest expected cost %.6f among %d candidates", best.Score, candidates),
	}
	if rejected > 0 {
		reasons = append(reasons, fmt.Sprintf("%d backends filtered out", rejected))
	}
	if degraded {
		reasons = append(reasons, fmt.Sprintf("degraded: tier capped at %s", tierCap))
	}
	if region != "" {
		if regionFallback {
			reasons = append(reasons, fmt.Sprintf("no backend serves region %s, using all regions", region))
		} else {
			reasons = append(reasons, fmt.Sprintf("restricted to region %s", region))
		}
	}
	return reasons
}

func findBackend(list []registry.BackendDescriptor, id string) (registry.BackendDescriptor, bool) {
	for _, b := range list {
		if b.ID == id {
			return b, true
		}
	}
	return registry.BackendDescriptor{}, false
}
