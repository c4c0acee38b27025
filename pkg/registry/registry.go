package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source loads the full backend catalog.
type Source interface {
	// Load returns every descriptor, active or not.
	Load(ctx context.Context) ([]BackendDescriptor, error)

	// Name identifies the source in logs and errors.
	Name() string
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	backends map[string]BackendDescriptor
	ordered  []string
	version  uint64
	loadedAt time.Time
}

// Version increments on every successful load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of descriptors, active or not.
func (s *Snapshot) Len() int { return len(s.ordered) }

// Registry is the read-mostly backend catalog consulted by the router.
// Lookups never block on I/O; Reload swaps in a new snapshot atomically.
type Registry struct {
	source Source
	logger *slog.Logger

	mu   sync.RWMutex
	snap *Snapshot

	group singleflight.Group
}

// New creates a registry backed by source. Call Reload before use.
func New(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source: source,
		logger: logger.With("component", "registry", "source", source.Name()),
	}
}

// NewStatic creates a registry holding a fixed set of descriptors.
func NewStatic(backends []BackendDescriptor) (*Registry, error) {
	r := New(StaticSource(backends), nil)
	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload fetches the catalog from the source and replaces the snapshot.
// Concurrent callers share one load. On error the previous snapshot stays.
func (r *Registry) Reload(ctx context.Context) error {
	_, err, _ := r.group.Do("reload", func() (any, error) {
		backends, err := r.source.Load(ctx)
		if err != nil {
			return nil, &SourceError{Source: r.source.Name(), Err: err}
		}
		if err := r.replace(backends); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		r.logger.Error("catalog reload failed", "error", err)
	}
	return err
}

func (r *Registry) replace(backends []BackendDescriptor) error {
	next := &Snapshot{
		backends: make(map[string]BackendDescriptor, len(backends)),
		ordered:  make([]string, 0, len(backends)),
		loadedAt: time.Now(),
	}
	for _, b := range backends {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := next.backends[b.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.ID)
		}
		next.backends[b.ID] = b.clone()
		next.ordered = append(next.ordered, b.ID)
	}
	sort.Strings(next.ordered)

	r.mu.Lock()
	if r.snap != nil {
		next.version = r.snap.version + 1
	} else {
		next.version = 1
	}
	r.snap = next
	r.mu.Unlock()

	r.logger.Info("catalog loaded", "backends", len(backends), "version", next.version)
	return nil
}

// Snapshot returns the current snapshot, or nil before the first load.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// ActiveBackends returns copies of all active descriptors ordered by id.
func (r *Registry) ActiveBackends() []BackendDescriptor {
	return r.Snapshot().Active()
}

// Backend returns a copy of the descriptor with the given id.
func (r *Registry) Backend(id string) (BackendDescriptor, bool) {
	return r.Snapshot().Backend(id)
}

// All returns copies of every descriptor ordered by id.
func (r *Registry) All() []BackendDescriptor {
	return r.Snapshot().All()
}

// Active returns copies of all active descriptors ordered by id.
func (s *Snapshot) Active() []BackendDescriptor {
	if s == nil {
		return nil
	}
	out := make([]BackendDescriptor, 0, len(s.ordered))
	for _, id := range s.ordered {
		if b := s.backends[id]; b.Active {
			out = append(out, b.clone())
		}
	}
	return out
}

// All returns copies of every descriptor ordered by id.
func (s *Snapshot) All() []BackendDescriptor {
	if s == nil {
		return nil
	}
	out := make([]BackendDescriptor, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.backends[id].clone())
	}
	return out
}

// Backend returns a copy of the descriptor with the given id.
func (s *Snapshot) Backend(id string) (BackendDescriptor, bool) {
	if s == nil {
		return BackendDescriptor{}, false
	}
	b, ok := s.backends[id]
	if !ok {
		return BackendDescriptor{}, false
	}
	return b.clone(), true
}

// Poll reloads the catalog every interval until ctx is cancelled.
// Used with sources that cannot signal changes, such as PostgreSQL.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Errors are logged by Reload; the previous snapshot stays in use.
			_ = r.Reload(ctx)
		}
	}
}

// staticSource serves a fixed descriptor list.
type staticSource []BackendDescriptor

// StaticSource returns a Source that always yields backends.
func StaticSource(backends []BackendDescriptor) Source {
	return staticSource(backends)
}

func (s staticSource) Load(context.Context) ([]BackendDescriptor, error) {
	out := make([]BackendDescriptor, len(s))
	for i, b := range s {
		out[i] = b.clone()
	}
	return out, nil
}

func (s staticSource) Name() string { return "static" }
