package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLiteBackend(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	backend, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend, path
}

// TestSQLiteBackend_SaveAndLoad tests basic save and load operations.
func TestSQLiteBackend_SaveAndLoad(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	state := &State{
		Identifier: "gpt-large",
		Dimension:  DimensionCircuit,
		Payload:    []byte(`{"status":"open"}`),
	}
	if err := backend.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := backend.Load(ctx, "gpt-large", DimensionCircuit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected state, got nil")
	}
	if string(loaded.Payload) != `{"status":"open"}` {
		t.Errorf("Expected payload to round-trip, got %s", loaded.Payload)
	}
	if loaded.CreatedAt.IsZero() || loaded.LastUpdated.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestSQLiteBackend_LoadNonExistent(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)

	loaded, err := backend.Load(context.Background(), "missing", DimensionCircuit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil, got %+v", loaded)
	}
}

// TestSQLiteBackend_Update tests that saving twice keeps the creation time.
func TestSQLiteBackend_Update(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	if err := backend.Save(ctx, &State{Identifier: "acme", Dimension: DimensionSpend, Payload: []byte("1.5"), CreatedAt: created}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := backend.Save(ctx, &State{Identifier: "acme", Dimension: DimensionSpend, Payload: []byte("2.5")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := backend.Load(ctx, "acme", DimensionSpend)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(loaded.Payload) != "2.5" {
		t.Errorf("Expected updated payload, got %s", loaded.Payload)
	}
	if !loaded.CreatedAt.Equal(created) {
		t.Errorf("Expected created_at %v, got %v", created, loaded.CreatedAt)
	}
}

func TestSQLiteBackend_Delete(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	if err := backend.Save(ctx, &State{Identifier: "a", Dimension: DimensionCircuit, Payload: []byte("{}")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := backend.Delete(ctx, "a", DimensionCircuit); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := backend.Delete(ctx, "a", DimensionCircuit); err != nil {
		t.Fatalf("Deleting a missing state should not fail: %v", err)
	}

	loaded, _ := backend.Load(ctx, "a", DimensionCircuit)
	if loaded != nil {
		t.Error("Expected state to be deleted")
	}
}

// TestSQLiteBackend_List tests listing is scoped to one dimension and sorted.
func TestSQLiteBackend_List(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := backend.Save(ctx, &State{Identifier: id, Dimension: DimensionCircuit, Payload: []byte("{}")}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := backend.Save(ctx, &State{Identifier: "tenant", Dimension: DimensionSpend, Payload: []byte("1")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	states, err := backend.List(ctx, DimensionCircuit)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("Expected 3 states, got %d", len(states))
	}
	for i, want := range []string{"a", "b", "c"} {
		if states[i].Identifier != want {
			t.Errorf("Expected states[%d] = %s, got %s", i, want, states[i].Identifier)
		}
	}
}

func TestSQLiteBackend_Cleanup(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := backend.Save(ctx, &State{Identifier: "old", Dimension: DimensionSpend, Payload: []byte("1"), LastUpdated: old}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := backend.Save(ctx, &State{Identifier: "new", Dimension: DimensionSpend, Payload: []byte("1")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deleted, err := backend.Cleanup(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted, got %d", deleted)
	}
}

// TestSQLiteBackend_Persistence tests that state survives reopening the file.
func TestSQLiteBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	if err := backend.Save(ctx, &State{Identifier: "a", Dimension: DimensionCircuit, Payload: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "a", DimensionCircuit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || string(loaded.Payload) != `{"x":1}` {
		t.Errorf("Expected persisted state, got %+v", loaded)
	}
}

func TestSQLiteBackend_Concurrent(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := backend.Save(ctx, &State{Identifier: id, Dimension: DimensionCircuit, Payload: []byte("{}")}); err != nil {
				t.Errorf("Save failed: %v", err)
			}
			if _, err := backend.Load(ctx, id, DimensionCircuit); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	states, err := backend.List(ctx, DimensionCircuit)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(states) != 20 {
		t.Errorf("Expected 20 states, got %d", len(states))
	}
}

func TestSQLiteBackend_Validation(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		state *State
	}{
		{"nil state", nil},
		{"empty identifier", &State{Dimension: DimensionCircuit}},
		{"empty dimension", &State{Identifier: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := backend.Save(ctx, tt.state); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSQLiteBackend_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteBackend(SQLiteConfig{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestSQLiteBackend_Close(t *testing.T) {
	backend, _ := newTestSQLiteBackend(t)
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}
