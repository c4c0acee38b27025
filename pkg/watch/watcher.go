package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrAlreadyRunning is returned when Watch is called on a running watcher.
var ErrAlreadyRunning = errors.New("watcher already running")

// Config contains configuration for a FileWatcher.
type Config struct {
	// Path is the file or directory to watch.
	Path string

	// DebounceInterval collapses bursts of events into one reload.
	// Default: 100ms
	DebounceInterval time.Duration

	// Extensions limits which files trigger a reload (e.g., ".yaml", ".toml").
	Extensions []string
}

// FileWatcher watches catalog or policy files and calls a reload function
// after changes settle.
//
// A single file is watched through its parent directory so that editors
// which replace the file atomically (write then rename) still trigger a reload.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	config   Config
	debounce *Debouncer
	target   string
	running  chan struct{}
}

// New creates a file watcher. Call Watch to start it.
func New(cfg Config, logger *slog.Logger) (*FileWatcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("watch path is required")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		logger:   logger.With("component", "watch", "path", cfg.Path),
		config:   cfg,
		debounce: NewDebouncer(cfg.DebounceInterval),
		running:  make(chan struct{}, 1),
	}, nil
}

// Watch blocks until ctx is cancelled, calling onChange after each settled
// burst of relevant file events. Reload errors are logged and watching continues.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func(context.Context) error) error {
	select {
	case fw.running <- struct{}{}:
	default:
		return ErrAlreadyRunning
	}
	defer func() {
		fw.debounce.Stop()
		fw.watcher.Close()
		<-fw.running
	}()

	if err := fw.addPath(fw.config.Path); err != nil {
		return fmt.Errorf("failed to watch path: %w", err)
	}

	fw.logger.Info("file watcher started",
		"debounce_ms", fw.config.DebounceInterval.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("file watcher stopped")
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !fw.shouldProcessEvent(event) {
				continue
			}

			fw.logger.Debug("file event detected", "file", event.Name, "op", event.Op.String())

			fw.debounce.Trigger(func() {
				if err := onChange(ctx); err != nil {
					fw.logger.Error("reload failed", "error", err)
					return
				}
				fw.logger.Info("reloaded after file change", "file", event.Name)
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			fw.logger.Error("file watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) addPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		fw.target = abs
		return fw.watcher.Add(filepath.Dir(abs))
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %q: %w", p, err)
		}
		return nil
	})
}

// shouldProcessEvent determines if an event should trigger a reload.
func (fw *FileWatcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}

	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}

	if fw.target != "" {
		abs, err := filepath.Abs(event.Name)
		return err == nil && abs == fw.target
	}

	if len(fw.config.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	return slices.ContainsFunc(fw.config.Extensions, func(e string) bool {
		return strings.ToLower(e) == ext
	})
}
