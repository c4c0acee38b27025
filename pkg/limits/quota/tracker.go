package quota

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mercator-hq/conductor/pkg/registry"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Catalog resolves backend descriptors by id.
type Catalog interface {
	Backend(id string) (registry.BackendDescriptor, bool)
}

// Options configures a Tracker.
type Options struct {
	// Shared, when set, aggregates counters across instances. Writes go
	// through to it; reads use the last totals it returned.
	Shared SharedStore

	Logger *slog.Logger
	Now    func() time.Time
}

type backendQuota struct {
	mu       sync.Mutex
	rpm      *rate.Limiter
	requests *Window[int64]
	tokens   *Window[int64]
}

func (q *backendQuota) limiter() *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rpm
}

type tenantQuota struct {
	requests *Window[int64]
	spend    *Window[float64]
}

// Tracker counts backend and tenant usage. Reads never perform I/O, so the
// router and verifier can consult it on the decision path.
//
// Each backend and tenant has its own counters and locks; the maps are only
// locked to find or create an entry.
type Tracker struct {
	catalog Catalog
	shared  SharedStore
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	backends map[string]*backendQuota
	tenants  map[string]*tenantQuota

	// sharedTotals caches the last shared total per counter key.
	sharedTotals sync.Map
}

// New creates a tracker.
func New(catalog Catalog, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		catalog:  catalog,
		shared:   opts.Shared,
		logger:   opts.Logger.With("component", "quota"),
		now:      opts.Now,
		backends: make(map[string]*backendQuota),
		tenants:  make(map[string]*tenantQuota),
	}
}

func (t *Tracker) backend(b registry.BackendDescriptor) *backendQuota {
	t.mu.RLock()
	q, ok := t.backends[b.ID]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if q, ok = t.backends[b.ID]; !ok {
			q = &backendQuota{
				requests: NewWindow[int64](minuteWindow, time.Second),
				tokens:   NewWindow[int64](minuteWindow, time.Second),
			}
			t.backends[b.ID] = q
		}
		t.mu.Unlock()
	}

	// Keep the limiter in step with the catalog across reloads.
	if b.QuotaRPM > 0 {
		q.mu.Lock()
		switch {
		case q.rpm == nil:
			q.rpm = rate.NewLimiter(rate.Limit(float64(b.QuotaRPM)/60), b.QuotaRPM)
		case q.rpm.Burst() != b.QuotaRPM:
			q.rpm.SetLimit(rate.Limit(float64(b.QuotaRPM) / 60))
			q.rpm.SetBurst(b.QuotaRPM)
		}
		q.mu.Unlock()
	}
	return q
}

func (t *Tracker) tenant(id string) *tenantQuota {
	t.mu.RLock()
	q, ok := t.tenants[id]
	t.mu.RUnlock()
	if ok {
		return q
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok = t.tenants[id]; !ok {
		q = &tenantQuota{
			requests: NewWindow[int64](minuteWindow, time.Second),
			spend:    NewWindow[float64](dayWindow, time.Hour),
		}
		t.tenants[id] = q
	}
	return q
}

// Exhausted reports whether b has no request or token capacity left in the
// current minute. Backends without quotas are never exhausted.
func (t *Tracker) Exhausted(b registry.BackendDescriptor) bool {
	if b.QuotaRPM <= 0 && b.QuotaTPM <= 0 {
		return false
	}
	now := t.now()
	q := t.backend(b)

	if b.QuotaRPM > 0 {
		if q.limiter().TokensAt(now) < 1 {
			return true
		}
		if t.sharedTotal(backendRequestsKey(b.ID)) >= float64(b.QuotaRPM) {
			return true
		}
	}
	if b.QuotaTPM > 0 {
		if q.tokens.Sum(now) >= int64(b.QuotaTPM) {
			return true
		}
		if t.sharedTotal(backendTokensKey(b.ID)) >= float64(b.QuotaTPM) {
			return true
		}
	}
	return false
}

// AdmitTenant counts one request against tenantID's per-minute rate. It is
// called when a request enters the system, before policy evaluation, so
// the rate a rule sees includes the request being judged.
func (t *Tracker) AdmitTenant(ctx context.Context, tenantID string) {
	if tenantID == "" {
		return
	}
	now := t.now()
	t.tenant(tenantID).requests.Add(now, 1)
	t.addShared(ctx, tenantRequestsKey(tenantID), 1, minuteWindow, now)
}

// RecordAttempt counts one adapter call against backendID's request quota.
func (t *Tracker) RecordAttempt(ctx context.Context, backendID string) {
	b, ok := t.catalog.Backend(backendID)
	if !ok {
		return
	}
	now := t.now()
	q := t.backend(b)
	if lim := q.limiter(); lim != nil {
		lim.AllowN(now, 1)
	}
	q.requests.Add(now, 1)
	t.addShared(ctx, backendRequestsKey(backendID), 1, minuteWindow, now)
}

// RecordUsage counts tokens against the backend and spend against the tenant.
func (t *Tracker) RecordUsage(ctx context.Context, backendID, tenantID string, tokens int, cost float64) {
	now := t.now()
	if b, ok := t.catalog.Backend(backendID); ok && tokens > 0 {
		t.backend(b).tokens.Add(now, int64(tokens))
		t.addShared(ctx, backendTokensKey(backendID), float64(tokens), minuteWindow, now)
	}
	if tenantID != "" && cost > 0 {
		t.tenant(tenantID).spend.Add(now, cost)
		t.addShared(ctx, tenantSpendKey(tenantID), cost, dayWindow, now)
	}
}

// TenantRequestRate returns tenantID's requests in the last minute.
func (t *Tracker) TenantRequestRate(tenantID string) int64 {
	local := t.tenant(tenantID).requests.Sum(t.now())
	return max(local, int64(t.sharedTotal(tenantRequestsKey(tenantID))))
}

// DailySpend returns tenantID's spend over the last 24 hours.
func (t *Tracker) DailySpend(tenantID string) float64 {
	if tenantID == "" {
		return 0
	}
	local := t.tenant(tenantID).spend.Sum(t.now())
	return max(local, t.sharedTotal(tenantSpendKey(tenantID)))
}

// BackendUsage is one backend's usage in the current minute.
type BackendUsage struct {
	BackendID string `json:"backend_id"`
	Requests  int64  `json:"requests"`
	Tokens    int64  `json:"tokens"`
	QuotaRPM  int    `json:"quota_rpm,omitempty"`
	QuotaTPM  int    `json:"quota_tpm,omitempty"`
	Exhausted bool   `json:"exhausted"`
}

// TenantUsage is one tenant's current rate and spend.
type TenantUsage struct {
	TenantID   string  `json:"tenant_id"`
	Requests   int64   `json:"requests_per_minute"`
	DailySpend float64 `json:"daily_spend"`
}

// Report is a point-in-time view of all counters.
type Report struct {
	Backends []BackendUsage `json:"backends"`
	Tenants  []TenantUsage  `json:"tenants"`
}

// Report returns current usage ordered by id.
func (t *Tracker) Report() Report {
	now := t.now()

	t.mu.RLock()
	backendIDs := make([]string, 0, len(t.backends))
	for id := range t.backends {
		backendIDs = append(backendIDs, id)
	}
	tenantIDs := make([]string, 0, len(t.tenants))
	for id := range t.tenants {
		tenantIDs = append(tenantIDs, id)
	}
	t.mu.RUnlock()
	sort.Strings(backendIDs)
	sort.Strings(tenantIDs)

	var r Report
	for _, id := range backendIDs {
		b, ok := t.catalog.Backend(id)
		if !ok {
			continue
		}
		q := t.backend(b)
		r.Backends = append(r.Backends, BackendUsage{
			BackendID: id,
			Requests:  q.requests.Sum(now),
			Tokens:    q.tokens.Sum(now),
			QuotaRPM:  b.QuotaRPM,
			QuotaTPM:  b.QuotaTPM,
			Exhausted: t.Exhausted(b),
		})
	}
	for _, id := range tenantIDs {
		r.Tenants = append(r.Tenants, TenantUsage{
			TenantID:   id,
			Requests:   t.TenantRequestRate(id),
			DailySpend: t.DailySpend(id),
		})
	}
	return r
}

// Spend returns each tenant's rolling daily spend, for persistence.
func (t *Tracker) Spend() map[string]float64 {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.tenants))
	for id, q := range t.tenants {
		if s := q.spend.Sum(now); s > 0 {
			out[id] = s
		}
	}
	return out
}

// RestoreSpend seeds tenant spend from a persisted snapshot.
func (t *Tracker) RestoreSpend(spend map[string]float64) {
	now := t.now()
	for id, amount := range spend {
		if amount > 0 {
			t.tenant(id).spend.Add(now, amount)
		}
	}
}

func (t *Tracker) addShared(ctx context.Context, key string, delta float64, window time.Duration, now time.Time) {
	if t.shared == nil {
		return
	}
	total, err := t.shared.Add(ctx, key, delta, window, now)
	if err != nil {
		t.logger.Warn("shared quota update failed, using local counters", "key", key, "error", err)
		return
	}
	t.sharedTotals.Store(key, sharedTotal{value: total, window: now.Truncate(window)})
}

type sharedTotal struct {
	value  float64
	window time.Time
}

// sharedTotal returns the cached shared total if it belongs to the current
// fixed window.
func (t *Tracker) sharedTotal(key string) float64 {
	v, ok := t.sharedTotals.Load(key)
	if !ok {
		return 0
	}
	st := v.(sharedTotal)
	window := minuteWindow
	if isDayKey(key) {
		window = dayWindow
	}
	if !t.now().Truncate(window).Equal(st.window) {
		return 0
	}
	return st.value
}

func backendRequestsKey(id string) string { return "backend:" + id + ":rpm" }
func backendTokensKey(id string) string   { return "backend:" + id + ":tpm" }
func tenantRequestsKey(id string) string  { return "tenant:" + id + ":rpm" }
func tenantSpendKey(id string) string     { return "tenant:" + id + ":spend" }

func isDayKey(key string) bool {
	return strings.HasSuffix(key, ":spend")
}
