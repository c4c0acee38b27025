package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/recovery"
	"mercator-hq/conductor/pkg/telemetry/metrics"
	"mercator-hq/conductor/pkg/usage"
	"mercator-hq/conductor/pkg/workflow"
)

// CircuitReporter reports per-backend circuit state. *recovery.Breakers
// satisfies it.
type CircuitReporter interface {
	States() []recovery.CircuitState
}

// WorkflowManager exposes tracked workflows. *workflow.Orchestrator
// satisfies it.
type WorkflowManager interface {
	List() []workflow.Summary
	Get(id string) (*workflow.Instance, bool)
	Cancel(id string) error
}

// UsageReporter reports session and per-backend usage. *usage.Tracker
// satisfies it.
type UsageReporter interface {
	Session() usage.SessionStats
	Backends() []usage.BackendStats
}

// ComplianceReporter summarizes violations. Every evidence.Storage
// satisfies it.
type ComplianceReporter interface {
	ComplianceStats(ctx context.Context, since time.Time) (*evidence.ComplianceStats, error)
}

// Options carries the components the admin surface reports on. Any of them
// may be nil; their routes then answer 503.
type Options struct {
	Circuits   CircuitReporter
	Workflows  WorkflowManager
	Usage      UsageReporter
	Compliance ComplianceReporter
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server is the admin HTTP server.
type Server struct {
	config  *config.ServerConfig
	metrics *config.MetricsConfig
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	addr         net.Addr
}

// NewServer creates an admin server. metricsCfg may be nil, in which case
// /metrics is not mounted.
func NewServer(cfg *config.ServerConfig, metricsCfg *config.MetricsConfig, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		config:  cfg,
		metrics: metricsCfg,
		opts:    opts,
		logger:  opts.Logger.With("component", "server"),
		now:     opts.Now,
		started: opts.Now(),
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully shuts down the server. Only the first call has an
// effect.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("admin server stopped")
	})

	return shutdownErr
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil && s.metrics != nil && s.metrics.Enabled {
		r.Handle(s.metrics.Path, s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/circuits", s.handleCircuits).Methods(http.MethodGet)
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleCancelWorkflow).Methods(http.MethodDelete)
	v1.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	v1.HandleFunc("/compliance", s.handleCompliance).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Recovery is outermost so panics in logging are caught too.
	var handler http.Handler = r
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}
