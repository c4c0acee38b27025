package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no calls after stop, got %d", got)
	}
}

func TestFileWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	if err := os.WriteFile(path, []byte("backends: []\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	fw, err := New(Config{Path: path, DebounceInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- fw.Watch(ctx, func(context.Context) error {
			select {
			case reloaded <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("backends: [{id: a}]\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload after write")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected watch error: %v", err)
	}
}

func TestFileWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	fw, err := New(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	abs, _ := filepath.Abs(path)
	fw.target = abs

	if fw.shouldProcessEvent(fsnotifyEvent(filepath.Join(dir, "other.yaml"))) {
		t.Error("expected sibling file to be ignored")
	}
	if !fw.shouldProcessEvent(fsnotifyEvent(path)) {
		t.Error("expected target file to be processed")
	}
}
