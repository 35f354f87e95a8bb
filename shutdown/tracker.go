package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTrackerClosed is returned when work starts after shutdown began.
	ErrTrackerClosed = errors.New("shutdown: shutting down, not accepting new jobs")
	ErrWaitTimeout   = errors.New("shutdown: jobs did not finish in time")
)

// Tracker counts in-flight jobs so shutdown can wait for their refunds and
// history writes to land.
type Tracker struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active int64
	closed bool
}

// Start registers a job. It returns false once the tracker is closed; a true
// result must be paired with Done.
func (t *Tracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	atomic.AddInt64(&t.active, 1)
	return true
}

// Done marks a job finished.
func (t *Tracker) Done() {
	atomic.AddInt64(&t.active, -1)
	t.wg.Done()
}

// Close rejects further jobs.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Active returns the number of running jobs.
func (t *Tracker) Active() int64 {
	return atomic.LoadInt64(&t.active)
}

// Wait blocks until all jobs finish or timeout passes.
func (t *Tracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}
