package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps states in memory. It is used when durable state is
// disabled and in tests; nothing survives the process.
type MemoryBackend struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string]*State)}
}

// Save inserts or replaces a state.
func (m *MemoryBackend) Save(_ context.Context, state *State) error {
	if err := validate(state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cp := *state
	cp.Payload = append([]byte(nil), state.Payload...)
	if prev, ok := m.states[key(state.Identifier, state.Dimension)]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.LastUpdated.IsZero() {
		cp.LastUpdated = now
	}
	m.states[key(state.Identifier, state.Dimension)] = &cp
	return nil
}

// Load returns a copy of the state, or nil.
func (m *MemoryBackend) Load(_ context.Context, identifier, dimension string) (*State, error) {
	if identifier == "" || dimension == "" {
		return nil, fmt.Errorf("identifier and dimension are required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[key(identifier, dimension)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// Delete removes a state.
func (m *MemoryBackend) Delete(_ context.Context, identifier, dimension string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key(identifier, dimension))
	return nil
}

// List returns copies of every state in dimension ordered by identifier.
func (m *MemoryBackend) List(_ context.Context, dimension string) ([]*State, error) {
	if dimension == "" {
		return nil, fmt.Errorf("dimension cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*State
	for _, s := range m.states {
		if s.Dimension == dimension {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Cleanup removes states not updated since olderThan.
func (m *MemoryBackend) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for k, s := range m.states {
		if s.LastUpdated.Before(olderThan) {
			delete(m.states, k)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

func key(identifier, dimension string) string {
	return dimension + ":" + identifier
}

func validate(state *State) error {
	switch {
	case state == nil:
		return fmt.Errorf("state cannot be nil")
	case state.Identifier == "":
		return fmt.Errorf("identifier cannot be empty")
	case state.Dimension == "":
		return fmt.Errorf("dimension cannot be empty")
	}
	return nil
}
