package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SetupSignalHandler returns a context derived from parent that is
// cancelled on the first SIGINT or SIGTERM. A second signal while shutdown
// is in progress exits the process. Call stop to release the signal
// registration once shutdown has finished.
func SetupSignalHandler(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-stopped:
			return
		case <-parent.Done():
			return
		}

		select {
		case sig := <-sigChan:
			slog.Warn("second signal received, exiting", "signal", sig.String())
			os.Exit(ExitCancelled)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(stopped)
			cancel()
		})
	}
}
