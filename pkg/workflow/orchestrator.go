package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// OrchestratorConfig bounds the set of tracked workflows.
type OrchestratorConfig struct {
	// MaxInstances caps tracked workflows, running or finished. Zero
	// means unlimited.
	MaxInstances int

	// Retention is how long a finished workflow stays available to Get
	// before it is pruned. Zero keeps finished workflows until Complete.
	Retention time.Duration
}

// Summary is the listing view of a workflow.
type Summary struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Transitions   int       `json:"transitions"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type tracked struct {
	inst   *Instance
	cancel context.CancelCauseFunc
}

// Orchestrator tracks live and recently finished workflows. Finished
// workflows are held until the caller consumes them with Complete or the
// retention period passes.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	workflows map[string]*tracked
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
		workflows: make(map[string]*tracked),
	}
}

// Create registers a new Idle workflow for correlationID. No run drives
// it; Cancel fails it directly.
func (o *Orchestrator) Create(correlationID string) (*Instance, error) {
	return o.start(correlationID, nil)
}

// start registers a new Idle workflow together with the function that
// cancels its run, so a Cancel can never land between the two.
func (o *Orchestrator) start(correlationID string, cancel context.CancelCauseFunc) (*Instance, error) {
	inst := newInstance("", correlationID, o.now)
	if err := o.add(inst, cancel); err != nil {
		return nil, err
	}
	o.logger.Debug("workflow created", "workflow_id", inst.ID(), "correlation_id", correlationID)
	return inst, nil
}

// Adopt registers an existing instance, such as one rebuilt by Restore.
func (o *Orchestrator) Adopt(inst *Instance) error {
	return o.add(inst, nil)
}

func (o *Orchestrator) add(inst *Instance, cancel context.CancelCauseFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cfg.MaxInstances > 0 && len(o.workflows) >= o.cfg.MaxInstances {
		o.pruneLocked(o.now())
		if len(o.workflows) >= o.cfg.MaxInstances {
			return ErrCapacity
		}
	}
	o.workflows[inst.ID()] = &tracked{inst: inst, cancel: cancel}
	return nil
}

// Get returns the workflow with id.
func (o *Orchestrator) Get(id string) (*Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.workflows[id]
	if !ok {
		return nil, false
	}
	return t.inst, true
}

// Complete removes a finished workflow once its result has been consumed.
func (o *Orchestrator) Complete(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if !t.inst.Terminal() {
		return ErrNotTerminal
	}
	delete(o.workflows, id)
	o.logger.Debug("workflow completed", "workflow_id", id, "state", t.inst.State())
	return nil
}

// Cancel stops a workflow. A running workflow is asked to stop and its run
// moves the instance to Failed with reason "cancelled"; a workflow with no
// run behind it is failed here. Cancelling a finished workflow is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	t, ok := o.workflows[id]
	var cancel context.CancelCauseFunc
	if ok {
		cancel = t.cancel
	}
	o.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if t.inst.Terminal() {
		return nil
	}

	if cancel != nil {
		cancel(ErrCancelled)
		o.logger.Info("workflow cancellation requested", "workflow_id", id)
		return nil
	}

	if _, _, err := t.inst.Fire(Trigger{Event: EventError, Reason: ReasonCancelled}); err != nil {
		// Lost a race with another transition into a terminal state.
		if t.inst.Terminal() {
			return nil
		}
		return err
	}
	o.logger.Info("workflow cancelled", "workflow_id", id, "state", t.inst.State())
	return nil
}

// List returns a summary of every tracked workflow, oldest first.
func (o *Orchestrator) List() []Summary {
	o.mu.RLock()
	out := make([]Summary, 0, len(o.workflows))
	for _, t := range o.workflows {
		s := t.inst.Snapshot()
		out = append(out, Summary{
			ID:            s.ID,
			CorrelationID: s.CorrelationID,
			State:         s.State,
			Reason:        s.Reason,
			Transitions:   len(s.History),
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		})
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked workflows.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.workflows)
}

// Prune drops finished workflows older than the retention period and
// returns how many were removed.
func (o *Orchestrator) Prune() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pruneLocked(o.now())
}

func (o *Orchestrator) pruneLocked(now time.Time) int {
	if o.cfg.Retention <= 0 {
		return 0
	}
	removed := 0
	for id, t := range o.workflows {
		if t.inst.Terminal() && now.Sub(t.inst.UpdatedAt()) >= o.cfg.Retention {
			delete(o.workflows, id)
			removed++
		}
	}
	if removed > 0 {
		o.logger.Debug("pruned finished workflows", "count", removed)
	}
	return removed
}

// Run prunes finished workflows every interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Prune()
		}
	}
}
