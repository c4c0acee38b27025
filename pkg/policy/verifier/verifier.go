package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/telemetry/tracing"
)

// RuleSource supplies the rules to evaluate for a phase, highest priority
// first. The policy store implements it.
type RuleSource interface {
	EnabledRules(phase policy.Phase) []policy.Rule
}

// Catalog is the read-only view of the registry the verifier needs.
type Catalog interface {
	ActiveBackends() []registry.BackendDescriptor
	Backend(id string) (registry.BackendDescriptor, bool)
}

// AuditSink receives one audit record per evaluated rule and one record
// per violation. Implementations must not block.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec policy.AuditRecord)
	RecordViolation(ctx context.Context, v policy.Violation)
}

// Options holds the verifier's optional collaborators.
type Options struct {
	Performance policy.PerformanceSource
	Rates       policy.RateSource
	Sink        AuditSink
	Metrics     *metrics.Collector
	Tracer      *tracing.Tracer
	Logger      *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Verifier evaluates request contexts against policy rules. It only reads
// in-memory snapshots and never blocks on I/O.
type Verifier struct {
	rules   RuleSource
	catalog Catalog
	perf    policy.PerformanceSource
	rates   policy.RateSource
	sink    AuditSink
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a verifier.
func New(rules RuleSource, catalog Catalog, opts Options) *Verifier {
	v := &Verifier{
		rules:   rules,
		catalog: catalog,
		perf:    opts.Performance,
		rates:   opts.Rates,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if v.sink == nil {
		v.sink = discardSink{}
	}
	if v.tracer == nil {
		v.tracer = tracing.Noop()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("component", "policy.verifier")
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Evaluate runs every enabled rule for phase against rc and returns a new
// verdict. Evaluation stops at the first blocking violation unless rc.Bypass
// is set, in which case the block is recorded as an overridden warning.
// A rule that fails to evaluate is skipped (fail-open) but still audited.
func (v *Verifier) Evaluate(ctx context.Context, rc policy.RequestContext, phase policy.Phase) *policy.Verdict {
	start := v.now()
	ctx, span := v.tracer.Start(ctx, "policy.evaluate",
		tracing.AttrPhase.String(string(phase)),
		tracing.AttrCorrelationID.String(rc.CorrelationID),
	)
	defer span.End()

	rules := v.rules.EnabledRules(phase)
	verdict := &policy.Verdict{
		Phase:       phase,
		Exclusions:  make(map[string]string),
		EvaluatedAt: start,
	}
	env := v.newEnv(rc, verdict)

	for _, rule := range rules {
		stop := v.evaluateRule(ctx, rule, rc, phase, env, verdict)
		verdict.RulesEvaluated++
		if stop {
			break
		}
	}

	verdict.Passed = !verdict.Blocked()
	verdict.Latency = v.now().Sub(start)
	if len(verdict.Exclusions) == 0 {
		verdict.Exclusions = nil
	}

	span.SetAttributes(
		tracing.AttrRulesCount.Int(verdict.RulesEvaluated),
		tracing.AttrPassed.Bool(verdict.Passed),
		attribute.Int("conductor.policy.violations", len(verdict.Violations)),
	)
	v.metrics.RecordPolicyEvaluation(string(phase), verdict.Passed, verdict.Latency)

	v.logger.Debug("policy evaluation complete",
		"correlation_id", rc.CorrelationID,
		"phase", phase,
		"rules", verdict.RulesEvaluated,
		"violations", len(verdict.Violations),
		"passed", verdict.Passed,
		"latency", verdict.Latency,
	)
	return verdict
}

// evaluateRule evaluates one rule, records it and reports whether
// evaluation must stop.
func (v *Verifier) evaluateRule(
	ctx context.Context,
	rule policy.Rule,
	rc policy.RequestContext,
	phase policy.Phase,
	env *evalEnv,
	verdict *policy.Verdict,
) bool {
	ruleStart := v.now()
	res, err := v.check(rule, rc, env)
	elapsed := v.now().Sub(ruleStart)

	rec := policy.AuditRecord{
		ID:            uuid.NewString(),
		CorrelationID: rc.CorrelationID,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Category:      rule.Category,
		Phase:         phase,
		Elapsed:       elapsed,
		Timestamp:     ruleStart,
	}

	if err != nil {
		rec.Outcome = policy.OutcomeError
		rec.Error = err.Error()
		v.sink.RecordAudit(ctx, rec)
		v.metrics.RecordRuleOutcome(rule.ID, string(policy.OutcomeError))
		v.logger.Warn("rule evaluation failed, skipping rule",
			"correlation_id", rc.CorrelationID,
			"rule_id", rule.ID,
			"error", err,
		)
		verdict.Warnings = append(verdict.Warnings, policy.Warning{
			RuleID:  rule.ID,
			Message: fmt.Sprintf("rule evaluation failed: %v", err),
		})
		return false
	}

	for _, msg := range res.warnings {
		verdict.Warnings = append(verdict.Warnings, policy.Warning{RuleID: rule.ID, Message: msg})
	}

	action := rule.EffectiveAction()
	overridden := action == policy.ActionBlock && rc.Bypass
	if action.Enforcing() && !overridden {
		for _, id := range res.excluded {
			if _, seen := verdict.Exclusions[id]; !seen {
				verdict.Exclusions[id] = rule.ID
			}
		}
		rec.Excluded = res.excluded
	}

	if !res.violated {
		rec.Outcome = policy.OutcomePass
		v.sink.RecordAudit(ctx, rec)
		v.metrics.RecordRuleOutcome(rule.ID, string(policy.OutcomePass))
		return false
	}

	rec.Outcome = policy.OutcomeViolation
	v.sink.RecordAudit(ctx, rec)
	v.metrics.RecordRuleOutcome(rule.ID, string(policy.OutcomeViolation))

	violation := policy.Violation{
		ID:            uuid.NewString(),
		CorrelationID: rc.CorrelationID,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Category:      rule.Category,
		Phase:         phase,
		Severity:      rule.Severity(),
		Action:        action,
		Details:       res.details,
		DetectedAt:    ruleStart,
	}
	if overridden {
		violation.Action = policy.ActionWarn
		violation.Overridden = true
	}

	verdict.Violations = append(verdict.Violations, violation)
	v.sink.RecordViolation(ctx, violation)
	v.metrics.RecordViolation(string(rule.Category), string(violation.Severity), string(violation.Action))

	switch {
	case overridden:
		v.logger.Warn("blocking rule bypassed by override",
			"correlation_id", rc.CorrelationID,
			"rule_id", rule.ID,
			"details", res.details,
		)
		verdict.Warnings = append(verdict.Warnings, policy.Warning{
			RuleID:  rule.ID,
			Message: "blocking violation bypassed by explicit override",
		})
	case violation.Action == policy.ActionBlock:
		v.logger.Info("request blocked by policy",
			"correlation_id", rc.CorrelationID,
			"rule_id", rule.ID,
			"severity", violation.Severity,
		)
		return true
	case violation.Action == policy.ActionWarn:
		verdict.Warnings = append(verdict.Warnings, policy.Warning{
			RuleID:  rule.ID,
			Message: fmt.Sprintf("policy %s violated", ruleLabel(rule)),
		})
	default:
		v.logger.Info("policy violation recorded",
			"correlation_id", rc.CorrelationID,
			"rule_id", rule.ID,
			"action", violation.Action,
		)
	}
	return false
}

func ruleLabel(r policy.Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

type discardSink struct{}

func (discardSink) RecordAudit(context.Context, policy.AuditRecord) {}
func (discardSink) RecordViolation(context.Context, policy.Violation) {}
