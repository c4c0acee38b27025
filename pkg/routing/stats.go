package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// RoutingStats is a point-in-time copy of routing statistics.
type RoutingStats struct {
	TotalRequests       int64            `json:"total_requests"`
	RequestsPerBackend  map[string]int64 `json:"requests_per_backend"`
	FilteredByReason    map[string]int64 `json:"filtered_by_reason"`
	DegradedCount       int64            `json:"degraded_count"`
	RegionFallbackCount int64            `json:"region_fallback_count"`
	NoCandidateCount    int64            `json:"no_candidate_count"`
	LastResetTime       time.Time        `json:"last_reset_time"`
}

// AtomicRoutingStats implements thread-safe routing statistics using atomic operations.
// All counters are updated atomically for lock-free performance.
type AtomicRoutingStats struct {
	totalRequests atomic.Int64

	// requestsPerBackend tracks selections per backend
	requestsPerBackend sync.Map // map[string]*atomic.Int64

	// filteredByReason tracks how often each filter removed a backend
	filteredByReason sync.Map // map[string]*atomic.Int64

	degradedCount       atomic.Int64
	regionFallbackCount atomic.Int64
	noCandidateCount    atomic.Int64

	lastResetTime time.Time

	// mu protects lastResetTime
	mu sync.RWMutex
}

// NewAtomicRoutingStats creates a new atomic routing statistics tracker.
func NewAtomicRoutingStats() *AtomicRoutingStats {
	return &AtomicRoutingStats{
		lastResetTime: time.Now(),
	}
}

// IncrementTotal increments the total request counter.
func (s *AtomicRoutingStats) IncrementTotal() {
	s.totalRequests.Add(1)
}

// IncrementBackend increments the selection counter for a backend.
func (s *AtomicRoutingStats) IncrementBackend(backendID string) {
	increment(&s.requestsPerBackend, backendID)
}

// IncrementFiltered increments the counter for a rejection reason.
func (s *AtomicRoutingStats) IncrementFiltered(reason string) {
	increment(&s.filteredByReason, reason)
}

// IncrementDegraded increments the degraded decision counter.
func (s *AtomicRoutingStats) IncrementDegraded() {
	s.degradedCount.Add(1)
}

// IncrementRegionFallback increments the region fallback counter.
func (s *AtomicRoutingStats) IncrementRegionFallback() {
	s.regionFallbackCount.Add(1)
}

// IncrementNoCandidate increments the empty candidate set counter.
func (s *AtomicRoutingStats) IncrementNoCandidate() {
	s.noCandidateCount.Add(1)
}

func increment(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Snapshot returns a point-in-time snapshot of the statistics.
func (s *AtomicRoutingStats) Snapshot() *RoutingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &RoutingStats{
		TotalRequests:       s.totalRequests.Load(),
		RequestsPerBackend:  collect(&s.requestsPerBackend),
		FilteredByReason:    collect(&s.filteredByReason),
		DegradedCount:       s.degradedCount.Load(),
		RegionFallbackCount: s.regionFallbackCount.Load(),
		NoCandidateCount:    s.noCandidateCount.Load(),
		LastResetTime:       s.lastResetTime,
	}
}

// Reset resets all statistics to zero.
func (s *AtomicRoutingStats) Reset() {
	s.totalRequests.Store(0)
	s.degradedCount.Store(0)
	s.regionFallbackCount.Store(0)
	s.noCandidateCount.Store(0)
	s.requestsPerBackend.Clear()
	s.filteredByReason.Clear()

	s.mu.Lock()
	s.lastResetTime = time.Now()
	s.mu.Unlock()
}
