package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/policy/verifier"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/registry"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/telemetry/tracing"
)

// Router re-selects a backend during fallback.
type Router interface {
	SelectExcluding(ctx context.Context, rc policy.RequestContext, verdict *policy.Verdict, exclude []string) (*routing.Decision, error)
}

// Adapters resolves the adapter serving a backend.
type Adapters interface {
	For(b registry.BackendDescriptor) (providers.Adapter, error)
}

// Verifier re-evaluates pre-flight policy before a fallback.
type Verifier interface {
	Evaluate(ctx context.Context, rc policy.RequestContext, phase policy.Phase) *policy.Verdict
}

// AttemptObserver is told about every adapter attempt. Both methods run on
// the caller's goroutine, in order.
type AttemptObserver interface {
	AttemptStarted(backendID string, number int)
	AttemptFinished(a Attempt)
}

// Config configures retries and fallback.
type Config struct {
	TimeoutRetries int
	UnknownRetries int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// MaxFallbacks bounds how many alternative backends one call may try.
	MaxFallbacks int

	// AttemptTimeout bounds a single adapter call.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutRetries: 3,
		UnknownRetries: 1,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		MaxFallbacks:   3,
		AttemptTimeout: 60 * time.Second,
	}
}

// Options carries optional collaborators.
type Options struct {
	// Verifier, when set, re-evaluates pre-flight policy before each
	// fallback so the alternate is chosen against a fresh verdict.
	Verifier Verifier

	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Logger  *slog.Logger

	// Sleep waits between retries. It must return early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempt records one adapter call.
type Attempt struct {
	Number    int                    `json:"number"`
	BackendID string                 `json:"backend_id"`
	StartedAt time.Time              `json:"started_at"`
	Latency   time.Duration          `json:"latency"`
	Class     providers.FailureClass `json:"class"`
	Err       error                  `json:"-"`
	Action    Action                 `json:"action"`
}

// Failed reports whether the attempt ended in an error.
func (a Attempt) Failed() bool {
	return a.Err != nil
}

// Execution is the result of ExecuteWithRecovery. It is returned on
// failure too, carrying the attempts made.
type Execution struct {
	// Result is the adapter result on success.
	Result *providers.Result

	// Decision is the routing decision of the backend that served the
	// request, or of the last backend tried.
	Decision *routing.Decision

	// Verdict is the pre-flight verdict in force at the end, which differs
	// from the input after a fallback re-evaluation.
	Verdict *policy.Verdict

	Attempts []Attempt
	Tried    []string
}

// Executor wraps adapter calls with classification, retry, circuit
// breaking and fallback.
type Executor struct {
	router   Router
	adapters Adapters
	breakers *Breakers
	cfg      Config

	verifier Verifier
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. Zero config fields take defaults.
func NewExecutor(router Router, adapters Adapters, breakers *Breakers, cfg Config, opts Options) *Executor {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.TimeoutRetries < 0 {
		cfg.TimeoutRetries = 0
	}
	if cfg.UnknownRetries < 0 {
		cfg.UnknownRetries = 0
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Executor{
		router:   router,
		adapters: adapters,
		breakers: breakers,
		cfg:      cfg,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger.With("component", "recovery"),
		sleep:    opts.Sleep,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// ExecuteWithRecovery runs req on the decision's backend and recovers from
// failures according to their class. Cancellation of ctx stops recovery,
// returns ctx's error, and is never counted against a circuit.
func (e *Executor) ExecuteWithRecovery(
	ctx context.Context,
	rc policy.RequestContext,
	verdict *policy.Verdict,
	decision *routing.Decision,
	req providers.Request,
	obs AttemptObserver,
) (*Execution, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	exec := &Execution{Decision: decision, Verdict: verdict}

	var (
		last      *providers.ClassifiedError
		lastErr   error
		fallbacks int
		bo        = e.newBackOff()
	)

	fail := func(cause error) (*Execution, error) {
		return exec, &FailureError{
			Last:     last,
			Attempts: len(exec.Attempts),
			Tried:    exec.Tried,
			Err:      cause,
		}
	}

	for {
		backend := decision.Backend
		exec.Decision = decision
		exec.Tried = append(exec.Tried, backend.ID)

		trial, err := e.breakers.Allow(backend.ID)
		if err != nil {
			e.logger.Info("circuit rejected backend, falling back",
				"correlation_id", rc.CorrelationID,
				"backend_id", backend.ID,
			)
			e.metrics.RecordRecoveryAction("CircuitOpen", string(ActionFallback))
			lastErr = err
		} else {
			done, err := e.runBackend(ctx, exec, backend, trial, req, bo, obs, &last)
			switch {
			case done:
				return exec, err
			case err != nil && !e.cfg.StrategyFor(last.Class).Fallback:
				return fail(err)
			}
			lastErr = err
		}

		next, err := e.fallback(ctx, rc, exec, &fallbacks)
		if err != nil {
			if errors.Is(err, policy.ErrPolicyBlocked) || ctx.Err() != nil {
				return exec, err
			}
			return fail(errors.Join(lastErr, err))
		}
		decision = next
	}
}

// runBackend makes attempts against one admitted backend. It returns
// done=true when the execution is finished (success, cancellation or a
// defect); otherwise err is the classified failure that ended the backend.
// A half-open trial gets a single attempt and is never retried.
func (e *Executor) runBackend(
	ctx context.Context,
	exec *Execution,
	backend registry.BackendDescriptor,
	trial bool,
	req providers.Request,
	bo *backoff.ExponentialBackOff,
	obs AttemptObserver,
	last **providers.ClassifiedError,
) (bool, error) {
	adapter, err := e.adapters.For(backend)
	if err != nil {
		e.breakers.Release(backend.ID)
		return true, err
	}

	bo.Reset()
	retries := 0
	for {
		number := len(exec.Attempts) + 1
		obs.AttemptStarted(backend.ID, number)

		attempt := Attempt{Number: number, BackendID: backend.ID, StartedAt: time.Now()}
		res, err := e.attempt(ctx, adapter, backend, req, number)
		attempt.Latency = time.Since(attempt.StartedAt)

		if ctx.Err() != nil {
			e.breakers.Release(backend.ID)
			attempt.Err = ctx.Err()
			attempt.Action = ActionCancelled
			e.finish(exec, obs, attempt)
			return true, ctx.Err()
		}

		if err == nil && res == nil {
			err = &providers.ContractError{BackendID: backend.ID, Message: "adapter returned neither result nor error"}
		}
		if errors.Is(err, providers.ErrContractViolation) {
			e.breakers.Release(backend.ID)
			attempt.Err = err
			attempt.Action = ActionFail
			e.finish(exec, obs, attempt)
			e.logger.Error("adapter contract violation", "backend_id", backend.ID, "error", err)
			return true, err
		}

		if err == nil {
			e.breakers.RecordSuccess(backend.ID)
			if res.BackendID == "" {
				res.BackendID = backend.ID
			}
			if res.Latency == 0 {
				res.Latency = attempt.Latency
			}
			exec.Result = res
			attempt.Action = ActionSucceeded
			e.finish(exec, obs, attempt)
			return true, nil
		}

		ce := classified(err, backend.ID)
		*last = ce
		attempt.Class = ce.Class
		attempt.Err = ce
		strategy := e.cfg.StrategyFor(ce.Class)

		if !trial && retries < strategy.Retries {
			retries++
			attempt.Action = ActionRetry
			e.finish(exec, obs, attempt)

			var wait time.Duration
			if strategy.Backoff {
				wait = bo.NextBackOff()
			}
			e.logger.Warn("retrying backend",
				"backend_id", backend.ID,
				"class", ce.Class.String(),
				"retry", retries,
				"backoff", wait,
			)
			if err := e.sleep(ctx, wait); err != nil {
				e.breakers.Release(backend.ID)
				return true, err
			}
			continue
		}

		if strategy.CircuitFailure {
			e.breakers.RecordFailure(backend.ID)
		} else {
			e.breakers.Release(backend.ID)
		}
		attempt.Action = ActionFail
		if strategy.Fallback {
			attempt.Action = ActionFallback
		}
		e.finish(exec, obs, attempt)

		e.logger.Warn("backend failed",
			"backend_id", backend.ID,
			"class", ce.Class.String(),
			"action", string(attempt.Action),
			"half_open_trial", trial,
		)
		return false, ce
	}
}

// attempt performs one adapter call under the per-attempt deadline.
func (e *Executor) attempt(
	ctx context.Context,
	adapter providers.Adapter,
	backend registry.BackendDescriptor,
	req providers.Request,
	number int,
) (*providers.Result, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	actx, span := e.tracer.Start(actx, "recovery.attempt",
		tracing.AttrCorrelationID.String(req.CorrelationID),
		tracing.AttrBackendID.String(backend.ID),
		tracing.AttrAttempt.Int(number),
	)
	defer span.End()

	req.BackendID = backend.ID
	start := time.Now()
	res, err := adapter.Execute(actx, &req)

	outcome := "success"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		class := providers.Classify(err)
		outcome = class.String()
		span.SetAttributes(tracing.AttrFailureClass.String(class.String()))
		tracing.SetError(span, err)
	}
	e.metrics.RecordAdapterAttempt(backend.ID, outcome, time.Since(start))
	return res, err
}

// fallback re-routes away from every backend tried so far.
func (e *Executor) fallback(ctx context.Context, rc policy.RequestContext, exec *Execution, used *int) (*routing.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if *used >= e.cfg.MaxFallbacks {
		return nil, ErrFallbacksExhausted
	}
	*used++

	if e.verifier != nil {
		v := e.verifier.Evaluate(ctx, rc, policy.PhasePreFlight)
		if err := verifier.BlockedErr(v); err != nil {
			return nil, err
		}
		exec.Verdict = v
	}

	next, err := e.router.SelectExcluding(ctx, rc, exec.Verdict, exec.Tried)
	if err != nil {
		return nil, err
	}
	e.logger.Info("falling back",
		"correlation_id", rc.CorrelationID,
		"from", exec.Tried[len(exec.Tried)-1],
		"to", next.BackendID,
		"fallback", *used,
	)
	return next, nil
}

func (e *Executor) finish(exec *Execution, obs AttemptObserver, a Attempt) {
	exec.Attempts = append(exec.Attempts, a)
	class := "none"
	if a.Err != nil && a.Action != ActionCancelled {
		class = a.Class.String()
	}
	e.metrics.RecordRecoveryAction(class, string(a.Action))
	obs.AttemptFinished(a)
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.MaxInterval = e.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// classified returns err as a *ClassifiedError, classifying bare errors.
func classified(err error, backendID string) *providers.ClassifiedError {
	var ce *providers.ClassifiedError
	if errors.As(err, &ce) {
		if ce.BackendID == "" {
			cp := *ce
			cp.BackendID = backendID
			return &cp
		}
		return ce
	}
	return &providers.ClassifiedError{
		Class:     providers.Classify(err),
		BackendID: backendID,
		Err:       err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(string, int) {}
func (nopObserver) AttemptFinished(Attempt)    {}
