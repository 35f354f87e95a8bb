package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"archrender/logging"
)

const (
	DefaultChannelCapacity = 100
	DefaultDrainTimeout    = 30 * time.Second
)

// WriteOperation is one queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler processes a queued write.
type WriteHandler func(ctx context.Context, op WriteOperation) error

// AsyncWriter applies writes on a background goroutine so callers never wait
// on the database. Handler errors are logged and dropped.
type AsyncWriter struct {
	writeChan    chan WriteOperation
	handler      WriteHandler
	drainTimeout time.Duration
	logger       *logging.Logger

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	stopped bool
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	ChannelCapacity int
	// DrainTimeout bounds how long Stop waits for queued writes.
	DrainTimeout time.Duration
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates a writer. Call Start before queueing writes.
func NewAsyncWriter(handler WriteHandler, config AsyncWriterConfig, logger *logging.Logger) *AsyncWriter {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan:    make(chan WriteOperation, config.ChannelCapacity),
		handler:      handler,
		drainTimeout: config.DrainTimeout,
		logger:       logger.Named("async_writer"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the background goroutine. It is safe to call twice.
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
	deadline := time.After(w.drainTimeout)
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		case <-deadline:
			w.logger.Warn("Drain timed out", zap.Int("dropped", len(w.writeChan)))
			return
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	// the writer's own context is already cancelled while draining
	if err := w.handler(context.Background(), op); err != nil {
		w.logger.Warn("Async write failed", zap.Error(err))
	}
}

// Write queues data without blocking. It returns false when the writer is
// not running or the buffer is full.
func (w *AsyncWriter) Write(data any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued writes.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// Stop rejects new writes, drains the queue and waits for the goroutine.
func (w *AsyncWriter) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
