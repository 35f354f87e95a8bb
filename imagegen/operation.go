package imagegen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"archrender/logging"

	"go.uber.org/zap"
)

// outcomeKind tags how one submit-and-poll cycle ended.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	// outcomeRetryOperation abandons the task and submits a new one.
	outcomeRetryOperation
	outcomeFatal
)

type outcome struct {
	kind      outcomeKind
	task      Task
	artifacts []Artifact
	err       error
}

// operation is one logical job: a way to submit a task and a way to poll it.
type operation struct {
	kind     string
	label    string
	submit   func(ctx context.Context) (Task, error)
	poll     func(ctx context.Context, task Task) (PollStatus, error)
	progress ProgressFunc
}

func (op operation) report(status string) {
	if op.progress == nil {
		return
	}
	if op.label != "" {
		status += " " + op.label
	}
	op.progress(status)
}

// run drives the outer operation loop: submit, poll to a terminal state and,
// when the poll loop asks for it, start over with a fresh task.
func (c *Client) run(ctx context.Context, op operation, logger *logging.Logger) (Task, []Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptLog := logger.With(zap.Int("attempt", attempt))

		out := c.attempt(ctx, op, attemptLog)
		switch out.kind {
		case outcomeSuccess:
			return out.task, out.artifacts, nil
		case outcomeFatal:
			return Task{}, nil, out.err
		}

		lastErr = out.err
		c.observer.OperationRestart(op.kind)
		attemptLog.Warn("restarting operation", zap.Error(out.err))
		if attempt < c.cfg.MaxAttempts {
			op.report(fmt.Sprintf("Server busy, retrying (%d/%d)...", attempt+1, c.cfg.MaxAttempts))
			if err := c.clock.Sleep(ctx, c.cfg.OperationRetryDelay); err != nil {
				return Task{}, nil, err
			}
		}
	}
	return Task{}, nil, fmt.Errorf("%w: %w", ErrQuotaExhausted, lastErr)
}

func (c *Client) attempt(ctx context.Context, op operation, logger *logging.Logger) outcome {
	op.report("Submitting request...")
	task, err := op.submit(ctx)
	if err != nil {
		return c.submitOutcome(ctx, err)
	}

	taskLog := logger.With(zap.String("task_id", task.ID))
	taskLog.Debug("task submitted", zap.String("project_id", task.ProjectID))
	op.report("Processing...")
	return c.await(ctx, op, task, taskLog)
}

// submitOutcome classifies a failed submission. Quota, availability and
// transport failures restart the operation; rejections stop it.
func (c *Client) submitOutcome(ctx context.Context, err error) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeFatal, err: ctx.Err()}
	}
	var be *BackendError
	if !errors.As(err, &be) {
		return outcome{kind: outcomeRetryOperation, err: err}
	}
	switch be.Class() {
	case ClassFatalInput:
		return outcome{kind: outcomeFatal, err: fmt.Errorf("%w: %w", ErrPolicyRejected, be)}
	case ClassEscalateRetry, ClassTransientServer:
		return outcome{kind: outcomeRetryOperation, err: be}
	default:
		return outcome{kind: outcomeFatal, err: fmt.Errorf("imagegen: submit failed: %w", be)}
	}
}

// await is the inner poll loop for one task. Polls are strictly sequential.
func (c *Client) await(ctx context.Context, op operation, task Task, logger *logging.Logger) outcome {
	start := c.clock.Now()
	deadline := start.Add(c.cfg.PollBudget)

	for polls := 1; ; polls++ {
		if err := ctx.Err(); err != nil {
			return outcome{kind: outcomeFatal, err: err}
		}
		if !c.clock.Now().Before(deadline) {
			logger.Warn("poll budget exhausted", zap.Int("polls", polls-1))
			return outcome{kind: outcomeFatal, err: fmt.Errorf("%w after %s", ErrPollTimeout, c.cfg.PollBudget)}
		}

		status, err := op.poll(ctx, task)
		c.observer.PollAttempt(op.kind)
		if err == nil && status.State == StateError && status.Err != nil {
			err = status.Err
		}

		wait := c.cfg.PollInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return outcome{kind: outcomeFatal, err: ctx.Err()}
			}
			switch Classify(err) {
			case ClassFatalInput:
				logger.Warn("task rejected", zap.Error(err))
				return outcome{kind: outcomeFatal, err: fmt.Errorf("%w: %w", ErrPolicyRejected, err)}
			case ClassEscalateRetry:
				return outcome{kind: outcomeRetryOperation, err: err}
			case ClassTransientServer:
				logger.Debug("backend unavailable, polling again", zap.Int("poll", polls))
				op.report("Server busy, waiting...")
				wait = c.cfg.TransientRetryDelay
			default:
				elapsed := c.clock.Now().Sub(start)
				if elapsed >= c.cfg.GracePeriod {
					return outcome{kind: outcomeFatal, err: fmt.Errorf("imagegen: polling task failed: %w", err)}
				}
				logger.Debug("ignoring early poll error",
					zap.Int("poll", polls),
					zap.Duration("elapsed", elapsed),
					zap.Error(err))
			}
		case status.State == StateFailed:
			return outcome{kind: outcomeFatal, err: ErrTaskFailed}
		case status.State == StateSucceeded:
			logger.Info("task completed",
				zap.Int("polls", polls),
				zap.Int("artifacts", len(status.Artifacts)),
				zap.Duration("elapsed", c.clock.Now().Sub(start)))
			return outcome{kind: outcomeSuccess, task: task, artifacts: status.Artifacts}
		}

		if err := c.clock.Sleep(ctx, wait); err != nil {
			return outcome{kind: outcomeFatal, err: err}
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPolicyRejected):
		return "rejected"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ErrPollTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

func since(clock Clock, start time.Time) time.Duration {
	return clock.Now().Sub(start)
}
