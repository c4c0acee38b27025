package quota

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/conductor/pkg/registry"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func testCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewStatic([]registry.BackendDescriptor{
		{ID: "limited", Vendor: "v", Tier: registry.Tier1, ContextWindow: 8000, Active: true, PriorSuccess: 0.9, QuotaRPM: 2, QuotaTPM: 1000},
		{ID: "free", Vendor: "v", Tier: registry.Tier1, ContextWindow: 8000, Active: true, PriorSuccess: 0.9},
	})
	require.NoError(t, err)
	return reg
}

func mustBackend(t *testing.T, reg *registry.Registry, id string) registry.BackendDescriptor {
	t.Helper()
	b, ok := reg.Backend(id)
	require.True(t, ok)
	return b
}

func TestWindow_SumAndExpiry(t *testing.T) {
	c := newClock()
	w := NewWindow[int64](time.Minute, time.Second)

	w.Add(c.Now(), 3)
	c.Advance(10 * time.Second)
	w.Add(c.Now(), 4)
	assert.Equal(t, int64(7), w.Sum(c.Now()))

	c.Advance(55 * time.Second)
	assert.Equal(t, int64(4), w.Sum(c.Now()), "first bucket left the window")

	c.Advance(time.Minute)
	assert.Zero(t, w.Sum(c.Now()))

	w.Add(c.Now(), 1)
	w.Reset()
	assert.Zero(t, w.Sum(c.Now()))
}

func TestWindow_RecyclesOldestBucket(t *testing.T) {
	c := newClock()
	w := NewWindow[float64](3*time.Second, time.Second)

	for range 5 {
		w.Add(c.Now(), 1.5)
		c.Advance(time.Second)
	}
	assert.InDelta(t, 4.5, w.Sum(c.Now().Add(-time.Second)), 1e-9, "only the last three buckets remain")
}

func TestTracker_RequestQuota(t *testing.T) {
	c := newClock()
	reg := testCatalog(t)
	tr := New(reg, Options{Now: c.Now})
	limited := mustBackend(t, reg, "limited")

	assert.False(t, tr.Exhausted(limited))
	tr.RecordAttempt(context.Background(), "limited")
	assert.False(t, tr.Exhausted(limited))
	tr.RecordAttempt(context.Background(), "limited")
	assert.True(t, tr.Exhausted(limited))

	c.Advance(31 * time.Second)
	assert.False(t, tr.Exhausted(limited), "one request refills every 30s at 2 RPM")

	free := mustBackend(t, reg, "free")
	for range 100 {
		tr.RecordAttempt(context.Background(), "free")
	}
	assert.False(t, tr.Exhausted(free), "backends without quotas are never exhausted")
}

func TestTracker_TokenQuota(t *testing.T) {
	c := newClock()
	reg := testCatalog(t)
	tr := New(reg, Options{Now: c.Now})
	limited := mustBackend(t, reg, "limited")

	tr.RecordUsage(context.Background(), "limited", "", 600, 0)
	assert.False(t, tr.Exhausted(limited))
	tr.RecordUsage(context.Background(), "limited", "", 400, 0)
	assert.True(t, tr.Exhausted(limited))

	c.Advance(61 * time.Second)
	assert.False(t, tr.Exhausted(limited))
}

func TestTracker_TenantRateAndSpend(t *testing.T) {
	c := newClock()
	tr := New(testCatalog(t), Options{Now: c.Now})
	ctx := context.Background()

	for range 3 {
		tr.AdmitTenant(ctx, "acme")
	}
	assert.Equal(t, int64(3), tr.TenantRequestRate("acme"))
	assert.Zero(t, tr.TenantRequestRate("other"))

	tr.RecordUsage(ctx, "free", "acme", 100, 0.25)
	c.Advance(2 * time.Hour)
	tr.RecordUsage(ctx, "free", "acme", 100, 0.5)
	assert.InDelta(t, 0.75, tr.DailySpend("acme"), 1e-9)

	c.Advance(time.Minute)
	assert.Zero(t, tr.TenantRequestRate("acme"))

	c.Advance(23 * time.Hour)
	assert.InDelta(t, 0.5, tr.DailySpend("acme"), 1e-9)
}

func TestTracker_SpendRoundTrip(t *testing.T) {
	c := newClock()
	tr := New(testCatalog(t), Options{Now: c.Now})
	tr.RecordUsage(context.Background(), "free", "acme", 10, 1.25)

	restored := New(testCatalog(t), Options{Now: c.Now})
	restored.RestoreSpend(tr.Spend())

	assert.InDelta(t, 1.25, restored.DailySpend("acme"), 1e-9)
}

func TestTracker_Report(t *testing.T) {
	c := newClock()
	tr := New(testCatalog(t), Options{Now: c.Now})
	ctx := context.Background()

	tr.RecordAttempt(ctx, "limited")
	tr.RecordAttempt(ctx, "limited")
	tr.RecordUsage(ctx, "limited", "acme", 50, 0.1)
	tr.AdmitTenant(ctx, "acme")

	r := tr.Report()
	require.Len(t, r.Backends, 1)
	assert.Equal(t, BackendUsage{BackendID: "limited", Requests: 2, Tokens: 50, QuotaRPM: 2, QuotaTPM: 1000, Exhausted: true}, r.Backends[0])
	require.Len(t, r.Tenants, 1)
	assert.Equal(t, int64(1), r.Tenants[0].Requests)
}

// memoryShared is an in-process SharedStore standing in for Redis.
type memoryShared struct {
	mu     sync.Mutex
	totals map[string]float64
}

func (m *memoryShared) Add(_ context.Context, key string, delta float64, window time.Duration, now time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totals == nil {
		m.totals = make(map[string]float64)
	}
	k := key + now.Truncate(window).String()
	m.totals[k] += delta
	return m.totals[k], nil
}

func (m *memoryShared) Close() error { return nil }

func TestTracker_SharedCountersAcrossInstances(t *testing.T) {
	c := newClock()
	reg := testCatalog(t)
	shared := &memoryShared{}
	a := New(reg, Options{Now: c.Now, Shared: shared})
	b := New(reg, Options{Now: c.Now, Shared: shared})
	ctx := context.Background()

	a.RecordAttempt(ctx, "limited")
	b.RecordAttempt(ctx, "limited")

	assert.True(t, b.Exhausted(mustBackend(t, reg, "limited")), "instance b sees a's attempt through the shared total")

	a.AdmitTenant(ctx, "acme")
	a.AdmitTenant(ctx, "acme")
	b.AdmitTenant(ctx, "acme")
	assert.Equal(t, int64(3), b.TenantRequestRate("acme"))

	c.Advance(time.Minute)
	assert.Zero(t, b.TenantRequestRate("acme"), "cached totals expire with their window")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CONDUCTOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONDUCTOR_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Address: addr, KeyPrefix: "conductor:test:" + time.Now().Format("150405.000") + ":"})
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	total, err := store.Add(ctx, "k", 2, time.Minute, now)
	require.NoError(t, err)
	assert.InDelta(t, 2, total, 1e-9)

	total, err = store.Add(ctx, "k", 1.5, time.Minute, now)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, total, 1e-9)
}
