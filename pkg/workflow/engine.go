package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/verifier"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/telemetry/logging"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/telemetry/tracing"
	"mercator-hq/conductor/pkg/usage"
)

// Failure reasons recorded on transitions into Failed. Execution failures
// use the failure class name instead, such as "Authentication".
const (
	ReasonCancelled        = "cancelled"
	ReasonRequestTimeout   = "request timeout"
	ReasonPolicyBlocked    = "policy blocked"
	ReasonNoCandidate      = "no candidate"
	ReasonCircuitOpen      = "circuit open"
	ReasonValidationFailed = "validation failed"
	ReasonDefect           = "defect"
)

// Verifier evaluates policy for one phase.
type Verifier interface {
	Evaluate(ctx context.Context, rc policy.RequestContext, phase policy.Phase) *policy.Verdict
}

// Router selects a backend.
type Router interface {
	Select(ctx context.Context, rc policy.RequestContext, verdict *policy.Verdict) (*routing.Decision, error)
}

// Executor runs a request with retry, circuit breaking and fallback.
type Executor interface {
	ExecuteWithRecovery(
		ctx context.Context,
		rc policy.RequestContext,
		verdict *policy.Verdict,
		decision *routing.Decision,
		req providers.Request,
		obs recovery.AttemptObserver,
	) (*recovery.Execution, error)
}

// Quota is the quota accounting the engine feeds.
type Quota interface {
	AdmitTenant(ctx context.Context, tenantID string)
	RecordAttempt(ctx context.Context, backendID string)
	RecordUsage(ctx context.Context, backendID, tenantID string, tokens int, cost float64)
	DailySpend(tenantID string) float64
}

// UsageRecorder receives one record per adapter attempt.
type UsageRecorder interface {
	RecordExecution(ctx context.Context, rec usage.Record)
}

// TransitionRecord is a history entry tagged with its workflow.
type TransitionRecord struct {
	WorkflowID    string `json:"workflow_id"`
	CorrelationID string `json:"correlation_id"`
	Entry
}

// Sink receives transitions and routing decisions. Implementations must
// not block.
type Sink interface {
	RecordTransition(ctx context.Context, rec TransitionRecord)
	RecordRoutingDecision(ctx context.Context, correlationID string, d *routing.Decision)
}

// Validator inspects a result during Validating. A non-nil error rolls the
// workflow back.
type Validator func(ctx context.Context, res *providers.Result) error

// NonEmptyOutput rejects results with no content.
func NonEmptyOutput(_ context.Context, res *providers.Result) error {
	if res == nil || res.Content == "" {
		return errors.New("empty output")
	}
	return nil
}

// Config configures the engine.
type Config struct {
	// RequestTimeout bounds a whole run, across all attempts.
	// Default: 180s
	RequestTimeout time.Duration
}

// Options holds the engine's optional collaborators.
type Options struct {
	Orchestrator *Orchestrator
	Quota        Quota
	Usage        UsageRecorder
	Sink         Sink
	Validator    Validator
	Metrics      *metrics.Collector
	Tracer       *tracing.Tracer
	Logger       *slog.Logger
}

// Outcome is the terminal result of a run. It is returned for failed runs
// too, so callers always see the final state, the last classified failure
// and the full history.
type Outcome struct {
	WorkflowID    string `json:"workflow_id"`
	CorrelationID string `json:"correlation_id"`
	State         State  `json:"state"`
	Reason        string `json:"reason,omitempty"`

	Result        *providers.Result          `json:"result,omitempty"`
	Decision      *routing.Decision          `json:"decision,omitempty"`
	PreFlight     *policy.Verdict            `json:"pre_flight,omitempty"`
	PostExecution *policy.Verdict            `json:"post_execution,omitempty"`
	Failure       *providers.ClassifiedError `json:"-"`
	Attempts      []recovery.Attempt         `json:"attempts,omitempty"`
	History       []Entry                    `json:"history"`
	Duration      time.Duration              `json:"duration"`

	// Err is the error returned alongside the outcome.
	Err error `json:"-"`
}

// Succeeded reports whether the run reached Completed.
func (o *Outcome) Succeeded() bool {
	return o.State == StateCompleted
}

// Defect reports whether the run failed because of a defect.
func (o *Outcome) Defect() bool {
	return IsDefect(o.Err)
}

// Engine drives workflow instances through the state machine. Each run
// has a single dispatcher that performs the effects transitions ask for;
// runs for different requests proceed independently.
type Engine struct {
	verifier Verifier
	router   Router
	executor Executor
	cfg      Config

	orch      *Orchestrator
	quota     Quota
	usage     UsageRecorder
	sink      Sink
	validator Validator
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	logger    *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(v Verifier, r Router, x Executor, cfg Config, opts Options) *Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Orchestrator == nil {
		opts.Orchestrator = NewOrchestrator(OrchestratorConfig{}, opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	return &Engine{
		verifier:  v,
		router:    r,
		executor:  x,
		cfg:       cfg,
		orch:      opts.Orchestrator,
		quota:     opts.Quota,
		usage:     opts.Usage,
		sink:      opts.Sink,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger.With("component", "workflow"),
	}
}

// Orchestrator returns the orchestrator tracking this engine's runs.
func (e *Engine) Orchestrator() *Orchestrator {
	return e.orch
}

// Run takes one request from Idle to Completed or Failed. The returned
// outcome is never nil unless the orchestrator refuses the workflow; the
// error is nil only when the run completed.
func (e *Engine) Run(ctx context.Context, rc policy.RequestContext, req providers.Request) (*Outcome, error) {
	rc = rc.Clone()
	if rc.CorrelationID == "" {
		rc.CorrelationID = uuid.NewString()
	}
	req.CorrelationID = rc.CorrelationID

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	inst, err := e.orch.start(rc.CorrelationID, cancel)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithTimeoutCause(ctx, e.cfg.RequestTimeout, ErrRequestTimeout)
	defer stop()

	ctx = logging.WithCorrelationID(ctx, rc.CorrelationID)
	ctx = logging.WithWorkflowID(ctx, inst.ID())
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		tracing.AttrWorkflowID.String(inst.ID()),
		tracing.AttrCorrelationID.String(rc.CorrelationID),
	)
	defer span.End()

	r := &run{
		engine: e,
		inst:   inst,
		rc:     rc,
		req:    req,
		ctx:    ctx,
		start:  time.Now(),
	}

	e.metrics.RecordWorkflowStarted()
	if e.quota != nil {
		e.quota.AdmitTenant(ctx, rc.TenantID)
		r.rc.CostSoFar = max(r.rc.CostSoFar, e.quota.DailySpend(rc.TenantID))
	}

	r.loop()
	out := r.outcome()
	e.finish(ctx, span, out)
	return out, out.Err
}

func (e *Engine) finish(ctx context.Context, span trace.Span, out *Outcome) {
	e.metrics.RecordWorkflowFinished(string(out.State), out.Reason, out.Duration)
	span.SetAttributes(tracing.AttrState.String(string(out.State)))
	if out.Err != nil {
		tracing.SetError(span, out.Err)
	}

	switch {
	case out.Succeeded():
		e.logger.InfoContext(ctx, "workflow completed",
			"backend_id", out.Result.BackendID,
			"attempts", len(out.Attempts),
			"duration", out.Duration,
		)
	case out.Defect():
		e.logger.ErrorContext(ctx, "workflow failed on defect", "error", out.Err)
	default:
		e.logger.WarnContext(ctx, "workflow failed",
			"reason", out.Reason,
			"attempts", len(out.Attempts),
			"error", out.Err,
		)
	}
}

// run is the state of one Run call. Only the dispatcher goroutine touches
// it.
type run struct {
	engine *Engine
	inst   *Instance
	rc     policy.RequestContext
	req    providers.Request
	ctx    context.Context
	start  time.Time

	preflight *policy.Verdict
	post      *policy.Verdict
	decision  *routing.Decision
	result    *providers.Result
	facts     policy.ExecutionFacts
	attempts  []recovery.Attempt
	failure   *providers.ClassifiedError
	err       error
}

func (r *run) loop() {
	effect := r.fire(Trigger{Event: EventStart})
	for effect != EffectNone && !r.inst.Terminal() {
		if r.ctx.Err() != nil {
			r.fire(r.abort())
			return
		}
		t := r.dispatch(effect)
		if r.inst.Terminal() {
			return
		}
		effect = r.fire(t)
	}
}

// fire applies t. An illegal transition is a defect: it is logged, the
// run's error becomes a DefectError and the instance is failed.
func (r *run) fire(t Trigger) Effect {
	e := r.engine
	entry, effect, err := r.inst.Fire(t)
	if err != nil {
		e.metrics.RecordIllegalTransition()
		e.logger.ErrorContext(r.ctx, "defect: illegal workflow transition", "error", err)
		if !IsDefect(r.err) {
			r.err = &DefectError{Err: errors.Join(err, r.err)}
		}
		if !r.inst.Terminal() {
			r.fire(Trigger{Event: EventError, Reason: ReasonDefect})
		}
		return EffectNone
	}

	e.metrics.RecordWorkflowTransition(string(entry.From), string(entry.To))
	e.logger.DebugContext(r.ctx, "workflow transition",
		"from", entry.From,
		"to", entry.To,
		"event", entry.Event,
	)
	if e.sink != nil {
		e.sink.RecordTransition(context.WithoutCancel(r.ctx), TransitionRecord{
			WorkflowID:    r.inst.ID(),
			CorrelationID: r.inst.CorrelationID(),
			Entry:         entry,
		})
	}
	return effect
}

// dispatch performs an effect and returns the trigger reporting its result.
func (r *run) dispatch(effect Effect) Trigger {
	switch effect {
	case EffectVerify:
		return r.verify()
	case EffectRoute:
		return r.route()
	case EffectExecute:
		return r.execute()
	case EffectValidate:
		return r.validate()
	case EffectRollback:
		return r.rollback()
	}
	r.err = &DefectError{Err: errors.New("unknown effect " + effect.String())}
	return Trigger{Event: EventError, Reason: ReasonDefect}
}

func (r *run) abort() Trigger {
	cause := context.Cause(r.ctx)
	r.err = cause
	if errors.Is(cause, ErrRequestTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return Trigger{Event: EventError, Reason: ReasonRequestTimeout}
	}
	return Trigger{Event: EventError, Reason: ReasonCancelled}
}

func (r *run) verify() Trigger {
	v := r.engine.verifier.Evaluate(r.ctx, r.rc, policy.PhasePreFlight)
	r.preflight = v
	if err := verifier.BlockedErr(v); err != nil {
		r.err = err
		vi, _ := v.BlockingViolation()
		return Trigger{Event: EventError, Reason: ReasonPolicyBlocked, Context: map[string]any{
			"rule_id":  vi.RuleID,
			"category": string(vi.Category),
		}}
	}
	return Trigger{Event: EventAnalyzed, Context: map[string]any{
		"rules_evaluated": v.RulesEvaluated,
		"warnings":        len(v.Warnings),
		"degraded":        v.Degraded(),
	}}
}

func (r *run) route() Trigger {
	d, err := r.engine.router.Select(r.ctx, r.rc, r.preflight)
	if err != nil {
		if r.ctx.Err() != nil {
			return r.abort()
		}
		r.err = err
		reason := ReasonNoCandidate
		if !errors.Is(err, routing.ErrNoCandidate) {
			reason = err.Error()
		}
		return Trigger{Event: EventError, Reason: reason}
	}
	r.decision = d
	if s := r.engine.sink; s != nil {
		s.RecordRoutingDecision(context.WithoutCancel(r.ctx), r.rc.CorrelationID, d)
	}
	return Trigger{Event: EventModelSelected, Context: map[string]any{
		"backend_id": d.BackendID,
		"score":      d.Score,
		"degraded":   d.Degraded,
	}}
}

func (r *run) execute() Trigger {
	e := r.engine
	exec, err := e.executor.ExecuteWithRecovery(r.ctx, r.rc, r.preflight, r.decision, r.req, r)
	if exec != nil {
		r.attempts = exec.Attempts
		if exec.Decision != nil {
			r.decision = exec.Decision
		}
		if exec.Verdict != nil {
			r.preflight = exec.Verdict
		}
	}

	if err != nil {
		var fe *recovery.FailureError
		switch {
		case r.ctx.Err() != nil:
			return r.abort()
		case errors.Is(err, providers.ErrContractViolation):
			r.err = &DefectError{Err: err}
			return Trigger{Event: EventError, Reason: ReasonDefect}
		case errors.Is(err, policy.ErrPolicyBlocked):
			r.err = err
			return Trigger{Event: EventError, Reason: ReasonPolicyBlocked}
		case errors.As(err, &fe):
			r.err = err
			r.failure = fe.Last
			return Trigger{Event: EventExecutionFailed, Reason: failureReason(fe), Context: map[string]any{
				"attempts": fe.Attempts,
				"tried":    fe.Tried,
			}}
		default:
			r.err = err
			return Trigger{Event: EventExecutionFailed, Reason: providers.Classify(err).String()}
		}
	}

	res := exec.Result
	backend := exec.Decision.Backend
	cost := usage.Cost(backend, res.InputTokens, res.OutputTokens)
	r.result = res
	r.facts = policy.ExecutionFacts{
		BackendID:    backend.ID,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Cost:         cost,
		Latency:      res.Latency,
	}

	if e.quota != nil {
		e.quota.RecordUsage(r.ctx, backend.ID, r.rc.TenantID, res.InputTokens+res.OutputTokens, cost)
	}
	if e.usage != nil {
		e.usage.RecordExecution(r.ctx, usage.Record{
			CorrelationID: r.rc.CorrelationID,
			BackendID:     backend.ID,
			Vendor:        backend.Vendor,
			InputTokens:   res.InputTokens,
			OutputTokens:  res.OutputTokens,
			Cost:          cost,
			Latency:       res.Latency,
			Success:       true,
		})
	}

	return Trigger{Event: EventExecutionCompleted, Context: map[string]any{
		"backend_id":    backend.ID,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"cost":          cost,
		"attempts":      len(r.attempts),
	}}
}

func failureReason(fe *recovery.FailureError) string {
	switch {
	case fe.Last != nil:
		return fe.Last.Class.String()
	case errors.Is(fe, recovery.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(fe, routing.ErrNoCandidate):
		return ReasonNoCandidate
	}
	return providers.ClassUnknown.String()
}

func (r *run) validate() Trigger {
	e := r.engine
	v := e.verifier.Evaluate(r.ctx, r.rc.WithExecution(r.facts), policy.PhasePostExecution)
	r.post = v
	if err := verifier.BlockedErr(v); err != nil {
		r.err = &ValidationError{Err: err}
		return Trigger{Event: EventValidationFailed, Reason: ReasonValidationFailed}
	}
	if e.validator != nil {
		if err := e.validator(r.ctx, r.result); err != nil {
			r.err = &ValidationError{Err: err}
			return Trigger{Event: EventValidationFailed, Reason: ReasonValidationFailed, Context: map[string]any{
				"error": err.Error(),
			}}
		}
	}
	return Trigger{Event: EventValidationPassed, Context: map[string]any{
		"rules_evaluated": v.RulesEvaluated,
	}}
}

// rollback discards the rejected result. Spend already incurred stays
// recorded.
func (r *run) rollback() Trigger {
	r.engine.logger.WarnContext(r.ctx, "discarding result that failed validation",
		"backend_id", r.facts.BackendID,
		"error", r.err,
	)
	r.result = nil
	return Trigger{Event: EventError, Reason: ReasonValidationFailed}
}

// AttemptStarted implements recovery.AttemptObserver.
func (r *run) AttemptStarted(backendID string, number int) {
	if q := r.engine.quota; q != nil {
		q.RecordAttempt(r.ctx, backendID)
	}
	r.fire(Trigger{Event: EventExecutionStarted, Context: map[string]any{
		"backend_id": backendID,
		"attempt":    number,
	}})
}

// AttemptFinished implements recovery.AttemptObserver. Successful and
// cancelled attempts are reported by the dispatcher instead.
func (r *run) AttemptFinished(a recovery.Attempt) {
	if a.Err == nil || a.Action == recovery.ActionCancelled {
		return
	}
	if u := r.engine.usage; u != nil {
		u.RecordExecution(r.ctx, usage.Record{
			CorrelationID: r.rc.CorrelationID,
			BackendID:     a.BackendID,
			Latency:       a.Latency,
			Success:       false,
			Class:         a.Class,
			Error:         a.Err.Error(),
			Timestamp:     a.StartedAt,
		})
	}
	r.fire(Trigger{Event: EventAttemptFailed, Context: map[string]any{
		"backend_id": a.BackendID,
		"attempt":    a.Number,
		"class":      a.Class.String(),
		"action":     string(a.Action),
	}})
}

func (r *run) outcome() *Outcome {
	s := r.inst.Snapshot()
	out := &Outcome{
		WorkflowID:    s.ID,
		CorrelationID: s.CorrelationID,
		State:         s.State,
		Reason:        s.Reason,
		Decision:      r.decision,
		PreFlight:     r.preflight,
		PostExecution: r.post,
		Failure:       r.failure,
		Attempts:      r.attempts,
		History:       s.History,
		Duration:      time.Since(r.start),
	}
	if s.State == StateCompleted {
		out.Result = r.result
		return out
	}
	out.Err = r.err
	if out.Err == nil {
		out.Err = &DefectError{Err: errors.New("workflow ended in " + string(s.State) + " without an error")}
	}
	return out
}
