package workflow

// State is a workflow lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateAnalyzing      State = "analyzing"
	StateSelectingModel State = "selecting_model"
	StateExecuting      State = "executing"
	StateValidating     State = "validating"
	StateRollback       State = "rollback"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event triggers a transition.
type Event string

const (
	EventStart              Event = "start"
	EventAnalyzed           Event = "analyzed"
	EventModelSelected      Event = "model_selected"
	EventExecutionStarted   Event = "execution_started"
	EventAttemptFailed      Event = "attempt_failed"
	EventExecutionCompleted Event = "execution_completed"
	EventExecutionFailed    Event = "execution_failed"
	EventValidationPassed   Event = "validation_passed"
	EventValidationFailed   Event = "validation_failed"
	EventError              Event = "error"
)

// Effect is work the engine performs on entering a state. Transitions
// only describe effects; the engine's dispatcher is the one place that
// runs them.
type Effect int

const (
	EffectNone Effect = iota

	// EffectVerify runs the pre-flight policy phase.
	EffectVerify

	// EffectRoute asks the router for a backend.
	EffectRoute

	// EffectExecute calls the adapter through error recovery.
	EffectExecute

	// EffectValidate runs the post-execution policy phase and the
	// caller's validator.
	EffectValidate

	// EffectRollback discards a result that failed validation.
	EffectRollback
)

var effectNames = [...]string{"none", "verify", "route", "execute", "validate", "rollback"}

func (e Effect) String() string {
	if int(e) < len(effectNames) {
		return effectNames[e]
	}
	return "unknown"
}

type edge struct {
	from  State
	event Event
}

type target struct {
	to     State
	effect Effect
}

// transitions is the complete table. Any pair not listed is illegal.
var transitions = map[edge]target{
	{StateIdle, EventStart}: {StateAnalyzing, EffectVerify},
	{StateIdle, EventError}: {StateFailed, EffectNone},

	{StateAnalyzing, EventAnalyzed}: {StateSelectingModel, EffectRoute},
	{StateAnalyzing, EventError}:    {StateFailed, EffectNone},

	{StateSelectingModel, EventModelSelected}: {StateExecuting, EffectExecute},
	{StateSelectingModel, EventError}:         {StateFailed, EffectNone},

	// Attempts are reported as self-loops so the history records each one.
	{StateExecuting, EventExecutionStarted}:   {StateExecuting, EffectNone},
	{StateExecuting, EventAttemptFailed}:      {StateExecuting, EffectNone},
	{StateExecuting, EventExecutionCompleted}: {StateValidating, EffectValidate},
	{StateExecuting, EventExecutionFailed}:    {StateFailed, EffectNone},
	{StateExecuting, EventError}:              {StateFailed, EffectNone},

	{StateValidating, EventValidationPassed}: {StateCompleted, EffectNone},
	{StateValidating, EventValidationFailed}: {StateRollback, EffectRollback},
	{StateValidating, EventError}:            {StateFailed, EffectNone},

	{StateRollback, EventError}: {StateFailed, EffectNone},
}

// Next returns the target state of event in from, and whether the
// transition is legal.
func Next(from State, event Event) (State, bool) {
	t, ok := transitions[edge{from, event}]
	return t.to, ok
}
