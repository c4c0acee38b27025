package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/conductor/pkg/registry"
)

func TestCost(t *testing.T) {
	b := registry.BackendDescriptor{CostInPerMillion: 2, CostOutPerMillion: 8}
	assert.InDelta(t, 0.0002+0.0016, Cost(b, 100, 200), 1e-12)
	assert.Zero(t, Cost(b, 0, 0))
}

func TestSessionStats(t *testing.T) {
	tr := New(Options{})
	assert.Equal(t, 1.0, tr.Session().SuccessRate, "empty session reports full success")

	ctx := context.Background()
	tr.RecordExecution(ctx, Record{BackendID: "a", InputTokens: 10, OutputTokens: 20, Cost: 0.5, Success: true})
	tr.RecordExecution(ctx, Record{BackendID: "a", InputTokens: 5, Success: false})

	s := tr.Session()
	assert.Equal(t, 2, s.Requests)
	assert.Equal(t, 35, s.Tokens)
	assert.InDelta(t, 0.5, s.Cost, 1e-12)
	assert.Equal(t, 1, s.Failures)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-12)

	tr.Reset()
	assert.Equal(t, SessionStats{SuccessRate: 1}, tr.Session())
	assert.Empty(t, tr.Backends())
}

func TestPerformance(t *testing.T) {
	tr := New(Options{})
	ctx := context.Background()

	_, ok := tr.Performance("a")
	assert.False(t, ok)

	for i := 1; i <= 20; i++ {
		tr.RecordExecution(ctx, Record{
			BackendID: "a",
			Latency:   time.Duration(i) * 10 * time.Millisecond,
			Success:   i != 20,
		})
	}

	perf, ok := tr.Performance("a")
	require.True(t, ok)
	assert.Equal(t, 20, perf.Samples)
	assert.Equal(t, 190*time.Millisecond, perf.P95Latency)
	assert.InDelta(t, 0.95, perf.SuccessRate, 1e-12)
}

func TestWindowKeepsRecentSamples(t *testing.T) {
	tr := New(Options{Window: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.RecordExecution(ctx, Record{BackendID: "a", Success: false})
	}
	for i := 0; i < 3; i++ {
		tr.RecordExecution(ctx, Record{BackendID: "a", Success: true})
	}

	perf, ok := tr.Performance("a")
	require.True(t, ok)
	assert.Equal(t, 3, perf.Samples)
	assert.Equal(t, 1.0, perf.SuccessRate, "old failures rotate out")
	assert.Equal(t, 6, tr.Session().Requests, "session totals are not windowed")
}

func TestBackendsOrdered(t *testing.T) {
	tr := New(Options{})
	ctx := context.Background()
	tr.RecordExecution(ctx, Record{BackendID: "z", Success: true, InputTokens: 1})
	tr.RecordExecution(ctx, Record{BackendID: "b", Success: true, Cost: 2})

	stats := tr.Backends()
	require.Len(t, stats, 2)
	assert.Equal(t, "b", stats[0].BackendID)
	assert.Equal(t, "z", stats[1].BackendID)
	assert.InDelta(t, 2, stats[0].Cost, 1e-12)
}

func TestConcurrentRecording(t *testing.T) {
	tr := New(Options{Window: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordExecution(ctx, Record{BackendID: "a", Success: true, InputTokens: 1})
			tr.Performance("a")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Session().Requests)
	assert.Equal(t, 100, tr.Session().Tokens)
}
