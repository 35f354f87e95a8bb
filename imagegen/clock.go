package imagegen

import (
	"context"
	"time"
)

// Clock abstracts time for the poll and operation loops.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer receives job instrumentation. metrics.Recorder implements it.
type Observer interface {
	JobFinished(kind, outcome string, elapsed time.Duration)
	PollAttempt(kind string)
	OperationRestart(kind string)
}

type nopObserver struct{}

func (nopObserver) JobFinished(string, string, time.Duration) {}
func (nopObserver) PollAttempt(string)                        {}
func (nopObserver) OperationRestart(string)                   {}
