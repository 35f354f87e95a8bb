// Package credits funds generation jobs from a credits ledger. Each job is
// charged before it runs and refunded in full when it fails.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"archrender/imagegen"
	"archrender/logging"
)

// ErrInsufficientCredits is returned when the balance does not cover a job.
// Nothing is charged in that case.
var ErrInsufficientCredits = errors.New("credits: insufficient credits")

// Ledger is the credits ledger contract. Deduct and Refund are atomic on the
// ledger side.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	// Deduct charges amount and returns the id of the ledger record.
	Deduct(ctx context.Context, userID string, amount int, description string) (string, error)
	// Refund reverses the record identified by recordID.
	Refund(ctx context.Context, userID string, amount int, description, recordID string) error
}

// HistoryEntry is one persisted result.
type HistoryEntry struct {
	UserID         string
	Tool           Tool
	Prompt         string
	SourceImageURL string
	ResultImageURL string
	CreatedAt      time.Time
}

// History stores finished results. Failures never reach the job result.
type History interface {
	AddToHistory(ctx context.Context, entry HistoryEntry) error
}

// Notifier receives the user visible signals of a job. Progress may be
// called from several goroutines.
type Notifier interface {
	SetLoading(tool Tool, loading bool)
	Progress(tool Tool, status string)
	InsufficientCredits(tool Tool, required, balance int)
	SafetyWarning(tool Tool)
	Failure(tool Tool, message string)
}

// Recorder receives credit movements for instrumentation.
type Recorder interface {
	Deducted(tool string, amount int)
	Refunded(tool, reason string)
}

// Job is one funded unit of work.
type Job struct {
	Tool           Tool
	UserID         string
	Cost           int
	Description    string
	Prompt         string
	SourceImageURL string
	// Run performs the work and returns the result URLs. An empty list
	// counts as a failure.
	Run func(ctx context.Context) ([]string, error)
}

// Outcome describes what a job cost and produced.
type Outcome struct {
	URLs     []string
	RecordID string
	Charged  int
	Refunded bool
}

// Orchestrator runs jobs against a ledger.
type Orchestrator struct {
	ledger   Ledger
	history  History
	notifier Notifier
	recorder Recorder
	logger   *logging.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithHistory sets where successful results are recorded.
func WithHistory(h History) OrchestratorOption {
	return func(o *Orchestrator) { o.history = h }
}

// WithNotifier sets the user signal sink.
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator creates an Orchestrator. The ledger is required.
func NewOrchestrator(ledger Ledger, logger *logging.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if ledger == nil {
		return nil, errors.New("credits: ledger is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		ledger:   ledger,
		notifier: nopNotifier{},
		logger:   logger.Named("credits"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute checks the balance, deducts the job cost, runs the job and refunds
// the same record when it fails. The loading indicator is always cleared.
func (o *Orchestrator) Execute(ctx context.Context, job Job) (*Outcome, error) {
	if job.Run == nil {
		return nil, errors.New("credits: job has no work")
	}
	if job.Cost < 0 {
		return nil, fmt.Errorf("credits: negative cost %d", job.Cost)
	}

	logger := o.logger.With(
		zap.String("tool", string(job.Tool)),
		zap.String("user_id", job.UserID),
		zap.Int("cost", job.Cost),
	)

	o.notifier.SetLoading(job.Tool, true)
	defer o.notifier.SetLoading(job.Tool, false)

	balance, err := o.ledger.Balance(ctx, job.UserID)
	if err != nil {
		o.notifier.Failure(job.Tool, "could not read credit balance")
		return nil, fmt.Errorf("credits: read balance: %w", err)
	}
	if balance < job.Cost {
		logger.Info("Insufficient credits", zap.Int("balance", balance))
		o.notifier.InsufficientCredits(job.Tool, job.Cost, balance)
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, job.Cost, balance)
	}

	recordID, err := o.ledger.Deduct(ctx, job.UserID, job.Cost, job.description())
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			o.notifier.InsufficientCredits(job.Tool, job.Cost, balance)
			return nil, err
		}
		o.notifier.Failure(job.Tool, "could not charge credits")
		return nil, fmt.Errorf("credits: deduct: %w", err)
	}
	if o.recorder != nil {
		o.recorder.Deducted(string(job.Tool), job.Cost)
	}
	logger = logger.With(zap.String("record_id", recordID))
	logger.Debug("Credits deducted")

	outcome := &Outcome{RecordID: recordID, Charged: job.Cost}

	urls, err := job.Run(ctx)
	if err == nil && len(urls) == 0 {
		err = imagegen.ErrNoArtifacts
	}
	if err != nil {
		outcome.Refunded = o.refund(ctx, job, recordID, err, logger)
		if imagegen.IsPolicyRejection(err) {
			logger.Warn("Job rejected by safety policy")
			o.notifier.SafetyWarning(job.Tool)
		} else {
			msg := logging.RedactSensitiveData(err.Error())
			logger.Error("Job failed", zap.String("error", msg))
			o.notifier.Failure(job.Tool, msg)
		}
		return outcome, err
	}

	outcome.URLs = urls
	o.record(ctx, job, urls, logger)
	logger.Info("Job completed", zap.Int("images", len(urls)))
	return outcome, nil
}

// refund reverses the deduct record exactly once. It runs on a context that
// survives cancellation of the job.
func (o *Orchestrator) refund(ctx context.Context, job Job, recordID string, cause error, logger *logging.Logger) bool {
	if job.Cost == 0 {
		return false
	}
	reason := RefundReason(cause)
	desc := fmt.Sprintf("Refund: %s (%s)", job.description(), reason)

	if err := o.ledger.Refund(context.WithoutCancel(ctx), job.UserID, job.Cost, desc, recordID); err != nil {
		logger.Error("Refund failed", zap.String("reason", reason), zap.Error(err))
		return false
	}
	if o.recorder != nil {
		o.recorder.Refunded(string(job.Tool), reason)
	}
	logger.Info("Credits refunded", zap.String("reason", reason))
	return true
}

func (o *Orchestrator) record(ctx context.Context, job Job, urls []string, logger *logging.Logger) {
	if o.history == nil {
		return
	}
	now := time.Now().UTC()
	for _, u := range urls {
		entry := HistoryEntry{
			UserID:         job.UserID,
			Tool:           job.Tool,
			Prompt:         job.Prompt,
			SourceImageURL: job.SourceImageURL,
			ResultImageURL: u,
			CreatedAt:      now,
		}
		if err := o.history.AddToHistory(ctx, entry); err != nil {
			logger.Warn("Failed to add history entry", zap.Error(err))
		}
	}
}

func (j Job) description() string {
	if j.Description != "" {
		return j.Description
	}
	return string(j.Tool)
}

// RefundReason names the failure category a refund is issued for.
func RefundReason(err error) string {
	switch {
	case imagegen.IsPolicyRejection(err):
		return "policy"
	case errors.Is(err, imagegen.ErrQuotaExhausted):
		return "quota"
	case errors.Is(err, imagegen.ErrPollTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, imagegen.ErrTaskFailed):
		return "task_failed"
	case errors.Is(err, imagegen.ErrNoArtifacts):
		return "no_artifacts"
	case errors.Is(err, imagegen.ErrInvalidRequest):
		return "invalid_request"
	}
	return "error"
}

type nopNotifier struct{}

func (nopNotifier) SetLoading(Tool, bool)              {}
func (nopNotifier) Progress(Tool, string)              {}
func (nopNotifier) InsufficientCredits(Tool, int, int) {}
func (nopNotifier) SafetyWarning(Tool)                 {}
func (nopNotifier) Failure(Tool, string)               {}
