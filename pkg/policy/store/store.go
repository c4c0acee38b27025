package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mercator-hq/conductor/pkg/policy"
)

// Store is a thread-safe in-memory rule set. Replace swaps the whole set
// atomically, so readers always see one consistent version.
type Store struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rules    []policy.Rule
	byID     map[string]int
	version  string
	loadedAt time.Time
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger.With("component", "policy.store"),
		byID:   make(map[string]int),
	}
}

// NewStatic creates a store holding rules. Used by tests and the CLI.
func NewStatic(rules []policy.Rule) (*Store, error) {
	s := New(nil)
	if err := s.Replace(rules, "static"); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace validates rules and installs them as the current set. On error
// the previous set stays in place.
func (s *Store) Replace(rules []policy.Rule, version string) error {
	next := make([]policy.Rule, 0, len(rules))
	byID := make(map[string]int, len(rules))

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := byID[r.ID]; dup {
			return fmt.Errorf("%w: %s", policy.ErrDuplicateRule, r.ID)
		}
		byID[r.ID] = len(next)
		next = append(next, r)
	}

	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Priority != next[j].Priority {
			return next[i].Priority > next[j].Priority
		}
		return next[i].ID < next[j].ID
	})
	for i, r := range next {
		byID[r.ID] = i
	}

	s.mu.Lock()
	s.rules = next
	s.byID = byID
	s.version = version
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("policy rules installed", "count", len(next), "version", version)
	return nil
}

// EnabledRules returns enabled rules for phase, highest priority first.
// Equal priorities are ordered by id.
func (s *Store) EnabledRules(phase policy.Phase) []policy.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]policy.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled && r.Phase == phase {
			out = append(out, r)
		}
	}
	return out
}

// Rules returns every rule, enabled or not, in evaluation order.
func (s *Store) Rules() []policy.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]policy.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Rule looks up a rule by id.
func (s *Store) Rule(id string) (policy.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return policy.Rule{}, false
	}
	return s.rules[i], true
}

// Version identifies the installed rule set.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LoadedAt is when the current rule set was installed.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}
