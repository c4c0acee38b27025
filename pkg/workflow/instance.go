package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one transition in an instance's history. Entries are never
// modified once appended.
type Entry struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  Event     `json:"event"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`

	// Context is a shallow snapshot of what drove the transition, such as
	// the selected backend or token counts.
	Context map[string]any `json:"context,omitempty"`
}

// Trigger is an event plus the data recorded with it.
type Trigger struct {
	Event Event

	// Reason explains a transition into Failed.
	Reason string

	Context map[string]any
}

// Instance is the lifecycle record of one request. Transitions on an
// instance are serialized; different instances never share a lock.
type Instance struct {
	id            string
	correlationID string
	createdAt     time.Time

	mu        sync.Mutex
	state     State
	reason    string
	history   []Entry
	updatedAt time.Time
	now       func() time.Time
}

// NewInstance creates an instance in Idle. An empty id is replaced with a
// random UUID.
func NewInstance(id, correlationID string) *Instance {
	return newInstance(id, correlationID, time.Now)
}

func newInstance(id, correlationID string, now func() time.Time) *Instance {
	if id == "" {
		id = uuid.NewString()
	}
	t := now()
	return &Instance{
		id:            id,
		correlationID: correlationID,
		createdAt:     t,
		state:         StateIdle,
		updatedAt:     t,
		now:           now,
	}
}

// ID returns the workflow id.
func (i *Instance) ID() string { return i.id }

// CorrelationID returns the correlation id of the request.
func (i *Instance) CorrelationID() string { return i.correlationID }

// CreatedAt returns when the instance was created.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// State returns the current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Terminal reports whether the instance is Completed or Failed.
func (i *Instance) Terminal() bool {
	return i.State().Terminal()
}

// Reason returns why the instance failed, or "" if it has not.
func (i *Instance) Reason() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

// UpdatedAt returns the time of the last transition.
func (i *Instance) UpdatedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.updatedAt
}

// History returns a copy of the transition history, oldest first.
func (i *Instance) History() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.history)
}

// Can reports whether event is legal in the current state.
func (i *Instance) Can(event Event) bool {
	_, ok := Next(i.State(), event)
	return ok
}

// Fire applies t. On success it returns the appended entry and the effect
// the new state asks for. An event with no transition from the current
// state returns an *IllegalTransitionError and leaves the instance as it
// was.
func (i *Instance) Fire(t Trigger) (Entry, Effect, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	next, ok := transitions[edge{i.state, t.Event}]
	if !ok {
		return Entry{}, EffectNone, &IllegalTransitionError{WorkflowID: i.id, From: i.state, Event: t.Event}
	}

	e := Entry{
		From:    i.state,
		To:      next.to,
		Event:   t.Event,
		At:      i.now(),
		Reason:  t.Reason,
		Context: maps.Clone(t.Context),
	}
	i.history = append(i.history, e)
	i.state = next.to
	i.updatedAt = e.At
	if next.to == StateFailed {
		i.reason = t.Reason
	}
	return e, next.effect, nil
}

// Snapshot is the serializable form of an Instance.
type Snapshot struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Terminal      bool      `json:"terminal"`
	History       []Entry   `json:"history"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot returns a copy of the instance's state and history.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:            i.id,
		CorrelationID: i.correlationID,
		State:         i.state,
		Reason:        i.reason,
		Terminal:      i.state.Terminal(),
		History:       slices.Clone(i.history),
		CreatedAt:     i.createdAt,
		UpdatedAt:     i.updatedAt,
	}
}

// MarshalJSON encodes the instance as its Snapshot.
func (i *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Snapshot())
}

// Restore rebuilds an instance from a snapshot. The history must be a
// legal chain of transitions from Idle ending in the snapshot's state.
func Restore(s Snapshot) (*Instance, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("restore workflow: id is required")
	}
	state := StateIdle
	for n, e := range s.History {
		to, ok := Next(state, e.Event)
		if e.From != state || !ok || to != e.To {
			return nil, fmt.Errorf("restore workflow %s: history entry %d (%s -%s-> %s) is not a legal transition from %s",
				s.ID, n, e.From, e.Event, e.To, state)
		}
		state = e.To
	}
	if state != s.State {
		return nil, fmt.Errorf("restore workflow %s: history ends in %s but state is %s", s.ID, state, s.State)
	}

	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = s.CreatedAt
	}
	return &Instance{
		id:            s.ID,
		correlationID: s.CorrelationID,
		createdAt:     s.CreatedAt,
		state:         s.State,
		reason:        s.Reason,
		history:       slices.Clone(s.History),
		updatedAt:     updated,
		now:           time.Now,
	}, nil
}

// Unmarshal decodes a JSON snapshot and restores it.
func Unmarshal(data []byte) (*Instance, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode workflow snapshot: %w", err)
	}
	return Restore(s)
}
