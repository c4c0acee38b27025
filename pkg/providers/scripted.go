package providers

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted adapter response. Exactly one of Result or Err is
// normally set; leaving both nil simulates a contract violation.
type Step struct {
	Result *Result
	Err    error

	// Delay is waited before responding, honouring ctx cancellation.
	Delay time.Duration
}

// Scripted is an in-memory adapter replaying scripted steps per backend.
// When a backend's script is exhausted its last step repeats. Backends
// without a script succeed with a fixed result.
type Scripted struct {
	name string

	mu      sync.Mutex
	scripts map[string][]Step
	calls   map[string]int
}

// NewScripted creates a scripted adapter.
func NewScripted(name string) *Scripted {
	return &Scripted{
		name:    name,
		scripts: make(map[string][]Step),
		calls:   make(map[string]int),
	}
}

// Script replaces the steps replayed for backendID.
func (s *Scripted) Script(backendID string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[backendID] = steps
	return s
}

// Fail is shorthand for a step failing with class.
func Fail(backendID string, class FailureClass) Step {
	return Step{Err: &ClassifiedError{Class: class, BackendID: backendID, Message: "scripted " + class.String()}}
}

// Succeed is shorthand for a step returning content.
func Succeed(backendID, content string) Step {
	return Step{Result: &Result{BackendID: backendID, Content: content, InputTokens: 10, OutputTokens: 20}}
}

// Name returns the adapter name.
func (s *Scripted) Name() string { return s.name }

// Calls returns how many times backendID was executed.
func (s *Scripted) Calls(backendID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[backendID]
}

// TotalCalls returns the number of executions across all backends.
func (s *Scripted) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Execute replays the next step for req.BackendID.
func (s *Scripted) Execute(ctx context.Context, req *Request) (*Result, error) {
	s.mu.Lock()
	n := s.calls[req.BackendID]
	s.calls[req.BackendID] = n + 1
	steps, scripted := s.scripts[req.BackendID]
	s.mu.Unlock()

	if !scripted || len(steps) == 0 {
		return &Result{BackendID: req.BackendID, Content: "ok", InputTokens: 10, OutputTokens: 20}, nil
	}
	step := steps[min(n, len(steps)-1)]

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if step.Result != nil {
		r := *step.Result
		return &r, nil
	}
	return nil, step.Err
}
