package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Async writer defaults.
const (
	DefaultChannelCapacity = 100
	DefaultDrainTimeout    = 30 * time.Second
)

// WriteOperation is a queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler applies one queued write.
type WriteHandler func(op WriteOperation) error

// AsyncWriter applies writes on a background goroutine so callers on the
// upscale path never block on SQLite. Handler errors are logged.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	logger    *zap.Logger

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewAsyncWriter creates a writer buffering up to capacity operations. A
// non-positive capacity uses DefaultChannelCapacity.
func NewAsyncWriter(handler WriteHandler, capacity int, logger *zap.Logger) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, capacity),
		handler:   handler,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background goroutine. Repeated calls are no-ops.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

// IsStarted reports whether Start has been called.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil {
		w.logger.Warn("Async write failed",
			zap.Duration("queued_for", time.Since(op.Timestamp)),
			zap.Error(err))
	}
}

// Write queues data without blocking. It returns false when the buffer is
// full or the writer is stopping.
func (w *AsyncWriter) Write(data any) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of buffered operations.
func (w *AsyncWriter) Pending() int { return len(w.writeChan) }

// Stop drains buffered writes and waits up to timeout for the background
// goroutine. It reports whether the drain finished in time.
func (w *AsyncWriter) Stop(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the writer with the default drain timeout.
func (w *AsyncWriter) Close() error {
	w.Stop(DefaultDrainTimeout)
	return nil
}
