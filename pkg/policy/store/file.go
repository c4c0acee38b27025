package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/watch"
)

// defaultPriority applies when a rule omits priority.
const defaultPriority = 50

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Category    policy.Category `yaml:"category"`
	Enabled     *bool           `yaml:"enabled"`
	Priority    *int            `yaml:"priority"`
	Phase       policy.Phase    `yaml:"phase"`
	Action      policy.Action   `yaml:"action"`
	Constraints yaml.Node       `yaml:"constraints"`
}

func (e ruleEntry) rule() policy.Rule {
	r := policy.Rule{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Category:    e.Category,
		Enabled:     true,
		Priority:    defaultPriority,
		Phase:       e.Phase,
		Action:      e.Action,
	}
	if e.Enabled != nil {
		r.Enabled = *e.Enabled
	}
	if e.Priority != nil {
		r.Priority = *e.Priority
	}
	if r.Phase == "" {
		r.Phase = policy.PhasePreFlight
	}
	r.Constraint = policy.DecodeConstraint(e.Category, &e.Constraints)
	return r
}

// ParseRules decodes a YAML rule file. The returned version is a short
// content hash.
func ParseRules(data []byte) ([]policy.Rule, string, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("failed to parse rule file: %w", err)
	}

	rules := make([]policy.Rule, 0, len(f.Rules))
	for _, e := range f.Rules {
		rules = append(rules, e.rule())
	}

	sum := sha256.Sum256(data)
	return rules, hex.EncodeToString(sum[:])[:12], nil
}

// FileLoader loads a rule file into a Store and keeps it current.
type FileLoader struct {
	path   string
	store  *Store
	logger *slog.Logger
	group  singleflight.Group
}

// NewFileLoader creates a loader for path feeding store.
func NewFileLoader(path string, store *Store, logger *slog.Logger) *FileLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLoader{
		path:   path,
		store:  store,
		logger: logger.With("component", "policy.loader", "path", path),
	}
}

// Load reads the file and replaces the store's rules. Concurrent calls
// share one read. On any error the store keeps its previous rules.
func (l *FileLoader) Load(ctx context.Context) error {
	_, err, _ := l.group.Do("load", func() (any, error) {
		start := time.Now()

		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %q: %w", l.path, err)
		}
		rules, version, err := ParseRules(data)
		if err != nil {
			return nil, err
		}
		for _, r := range rules {
			if m, ok := r.Constraint.(policy.Malformed); ok {
				l.logger.Warn("rule has malformed constraints and will fail open",
					"rule_id", r.ID, "error", m.Err)
			}
		}
		if err := l.store.Replace(rules, version); err != nil {
			return nil, err
		}

		l.logger.Info("rule file loaded",
			"count", len(rules),
			"version", version,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, nil
	})
	if err != nil {
		l.logger.Error("failed to load rules, keeping previous rules", "error", err)
	}
	return err
}

// Watch reloads the file whenever it changes until ctx is cancelled.
func (l *FileLoader) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := watch.New(watch.Config{
		Path:             l.path,
		DebounceInterval: debounce,
	}, l.logger)
	if err != nil {
		return err
	}
	return w.Watch(ctx, l.Load)
}
