package shutdown

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"upscaler/core"
)

// Cleanup priorities. Lower values run first: stop accepting work, then
// drop the inference unit, then close storage, then flush logs.
const (
	PriorityServers = 10
	PriorityChannel = 20
	PriorityStorage = 30
	PriorityLogs    = 90
)

// Manager coordinates graceful shutdown of the broker and worker services
// and the upscale command: it cancels a shared context on SIGINT/SIGTERM,
// waits for tracked operations, and then runs registered cleanups in
// priority order. A second signal exits immediately.
//
// Usage:
//
//	manager := shutdown.NewManager(logger)
//	manager.Register("broker-http", shutdown.PriorityServers, shutdown.HTTPServer(srv))
//	manager.Register("history-db", shutdown.PriorityStorage, shutdown.Closer(repo))
//	manager.Start()
//	<-manager.Context().Done()
//	manager.Shutdown()
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	signals  *SignalCounter
	handlers []handler

	sigChan chan os.Signal
}

type handler struct {
	name     string
	priority int
	fn       core.ShutdownFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the shutdown timeout duration.
// Default is 30 seconds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:  logger,
		timeout: 30 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
		tracker: NewOperationTracker(),
		sigChan: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("Received second signal, forcing immediate shutdown")
		os.Exit(core.ExitCodeError)
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function. Lower priority values run first.
// Registrations after Shutdown are ignored.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.handlers = append(m.handlers, handler{name: name, priority: priority, fn: fn})
	m.logger.Debug("Registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
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
			if m.signals.Increment() == 1 {
				m.logger.Info("Received shutdown signal, initiating graceful shutdown",
					zap.String("signal", sig.String()),
				)
				m.cancel()
			}
		}
	}()
}

// Trigger begins shutdown without a signal, e.g. when a server exits on its own.
func (m *Manager) Trigger() {
	m.cancel()
}

// Shutdown stops accepting operations, waits for in-flight ones up to the
// timeout, and runs every cleanup even when some fail. It returns the
// combined cleanup errors. Later calls return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	sorted := make([]handler, len(m.handlers))
	copy(sorted, m.handlers)
	started := m.started
	m.mu.Unlock()

	m.cancel()
	start := time.Now()

	m.tracker.Close()
	if active := m.tracker.ActiveCount(); active > 0 {
		m.logger.Info("Waiting for in-flight operations", zap.Int64("active_count", active))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("Timeout waiting for in-flight operations",
			zap.Int64("remaining_ops", m.tracker.ActiveCount()),
		)
	}

	remaining := m.timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})

	var errs error
	for _, h := range sorted {
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Cleanup function failed", zap.String("name", h.name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	m.logger.Info("Shutdown completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("errors", len(multierr.Errors(errs))),
	)
	return errs
}

// WrapOperation runs fn as a tracked operation. It returns ErrTrackerClosed
// without running fn once shutdown has begun.
func (m *Manager) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("Operation rejected, shutting down", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return context.Canceled
	default:
	}
	return fn(ctx)
}

// ActiveOperations returns the number of in-flight operations.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// RegisteredHandlers returns handler names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	m.mu.Lock()
	sorted := make([]handler, len(m.handlers))
	copy(sorted, m.handlers)
	m.mu.Unlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	names := make([]string, len(sorted))
	for i, h := range sorted {
		names[i] = h.name
	}
	return names
}

// HTTPServer returns a cleanup that gracefully stops srv.
func HTTPServer(srv *http.Server) core.ShutdownFunc {
	return func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Closer adapts an io.Closer to a cleanup.
func Closer(c io.Closer) core.ShutdownFunc {
	return func(context.Context) error {
		return c.Close()
	}
}
