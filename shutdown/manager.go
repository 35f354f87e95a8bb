package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"archrender/core"
	"archrender/logging"
)

// Manager cancels its context on the first SIGINT or SIGTERM, waits for
// tracked jobs and then runs the cleanup registry. A second signal calls the
// force handler, which exits the process by default.
//
// Usage:
//
//	m := shutdown.NewManager(logger)
//	m.Register("database", 20, func(ctx context.Context) error { return database.Close() })
//	m.Start()
//	defer m.Shutdown()
//	err := m.Track(m.Context(), "generate", run)
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration
	onForce func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	tracker  Tracker
	registry *Registry

	mu       sync.Mutex
	started  bool
	shutdown bool
	signals  int
	exitCode int
	sigChan  chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithForceHandler replaces the os.Exit call made on a second signal.
func WithForceHandler(fn func(code int)) Option {
	return func(m *Manager) { m.onForce = fn }
}

// NewManager creates a Manager.
func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  60 * time.Second,
		onForce:  os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup handler; see Registry for priority ranges.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Further calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.HandleSignal(sig)
		}
	}()
}

// HandleSignal applies one received signal.
func (m *Manager) HandleSignal(sig os.Signal) {
	m.mu.Lock()
	m.signals++
	count := m.signals
	if count == 1 {
		m.exitCode = signalExitCode(sig)
	}
	code := m.exitCode
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("Received shutdown signal, cancelling jobs", zap.String("signal", sig.String()))
		m.cancel()
		return
	}
	m.logger.Warn("Received second signal, forcing exit")
	m.onForce(code)
}

// ExitCode returns the signal exit code, or 0 if no signal was received.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// Track runs fn as an in-flight job. It returns ErrTrackerClosed once
// shutdown has begun.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("Job rejected, shutting down", zap.String("job", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()
	return fn(ctx)
}

// Shutdown cancels the context, waits for tracked jobs and runs the cleanup
// handlers with whatever time is left. Only the first call does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	start := time.Now()
	m.cancel()
	m.tracker.Close()

	if active := m.tracker.Active(); active > 0 {
		m.logger.Info("Waiting for in-flight jobs", zap.Int64("active", active))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("In-flight jobs did not finish", zap.Int64("remaining", m.tracker.Active()))
	}

	remaining := m.timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("Cleanup failed", zap.Error(err))
	}
	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %d cleanup handlers failed", len(errs))
	}
	m.logger.Debug("Shutdown complete", zap.Duration("duration", time.Since(start)))
	return nil
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return core.ExitCodeSIGTERM
	}
	return core.ExitCodeSIGINT
}
