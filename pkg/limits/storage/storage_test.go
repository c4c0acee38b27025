package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"mercator-hq/conductor/pkg/recovery"
)

func TestMemoryBackend_SaveLoadList(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if err := backend.Save(ctx, &State{Identifier: id, Dimension: DimensionCircuit, Payload: []byte("{}")}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	loaded, err := backend.Load(ctx, "a", DimensionCircuit)
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: %v, %v", loaded, err)
	}

	states, _ := backend.List(ctx, DimensionCircuit)
	if len(states) != 2 || states[0].Identifier != "a" {
		t.Errorf("Expected sorted states, got %+v", states)
	}

	if missing, _ := backend.Load(ctx, "a", DimensionSpend); missing != nil {
		t.Error("Expected dimensions to be separate")
	}
}

func TestMemoryBackend_Cleanup(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	_ = backend.Save(ctx, &State{Identifier: "old", Dimension: DimensionSpend, LastUpdated: time.Now().Add(-time.Hour)})
	_ = backend.Save(ctx, &State{Identifier: "new", Dimension: DimensionSpend})

	n, err := backend.Cleanup(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted, got %d", n)
	}
}

func TestMemoryBackend_Concurrent(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = backend.Save(ctx, &State{Identifier: string(rune('A' + i)), Dimension: DimensionSpend})
			_, _ = backend.List(ctx, DimensionSpend)
		}(i)
	}
	wg.Wait()

	states, _ := backend.List(ctx, DimensionSpend)
	if len(states) != 50 {
		t.Errorf("Expected 50 states, got %d", len(states))
	}
}

type fakeSpend struct {
	spend    map[string]float64
	restored map[string]float64
}

func (f *fakeSpend) Spend() map[string]float64           { return f.spend }
func (f *fakeSpend) RestoreSpend(spend map[string]float64) { f.restored = spend }

// TestPersister_RoundTrip checkpoints circuits and spend, then restores
// them into fresh sources.
func TestPersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	cfg := recovery.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, MaxCooldown: time.Hour}
	breakers := recovery.NewBreakers(cfg, recovery.BreakerOptions{})
	breakers.RecordFailure("flaky")
	breakers.RecordSuccess("healthy")

	spend := &fakeSpend{spend: map[string]float64{"acme": 4.25}}
	p := NewPersister(backend, breakers, spend, time.Minute, nil)
	if err := p.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	restoredBreakers := recovery.NewBreakers(cfg, recovery.BreakerOptions{})
	restoredSpend := &fakeSpend{}
	if err := NewPersister(backend, restoredBreakers, restoredSpend, time.Minute, nil).Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if !restoredBreakers.IsOpen("flaky") {
		t.Error("Expected flaky circuit to be open after restore")
	}
	if restoredBreakers.IsOpen("healthy") {
		t.Error("Expected healthy circuit to be closed after restore")
	}
	if restoredSpend.restored["acme"] != 4.25 {
		t.Errorf("Expected spend 4.25, got %v", restoredSpend.restored["acme"])
	}
}

func TestLoadCircuits_SkipsUnreadable(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	if err := SaveCircuits(ctx, backend, []recovery.CircuitState{{BackendID: "ok", Status: recovery.StatusOpen}}); err != nil {
		t.Fatalf("SaveCircuits failed: %v", err)
	}
	_ = backend.Save(ctx, &State{Identifier: "bad", Dimension: DimensionCircuit, Payload: []byte("not json")})

	states, err := LoadCircuits(ctx, backend)
	if err == nil {
		t.Error("Expected decode error to be reported")
	}
	if len(states) != 1 || states[0].BackendID != "ok" {
		t.Errorf("Expected the readable circuit, got %+v", states)
	}
}

// TestPersister_RunWritesFinalCheckpoint tests that cancelling Run flushes
// state.
func TestPersister_RunWritesFinalCheckpoint(t *testing.T) {
	backend := NewMemoryBackend()
	spend := &fakeSpend{spend: map[string]float64{"acme": 1}}
	p := NewPersister(backend, nil, spend, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	loaded, _ := LoadSpend(context.Background(), backend)
	if loaded["acme"] != 1 {
		t.Errorf("Expected final checkpoint, got %v", loaded)
	}
}
