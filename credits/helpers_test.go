package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"archrender/imagegen"
	"archrender/logging"
)

type ledgerCall struct {
	userID      string
	amount      int
	description string
	recordID    string
}

type fakeLedger struct {
	mu         sync.Mutex
	balance    int
	balanceErr error
	deductErr  error
	refundErr  error
	deducts    []ledgerCall
	refunds    []ledgerCall
}

func (l *fakeLedger) Balance(ctx context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.balanceErr
}

func (l *fakeLedger) Deduct(ctx context.Context, userID string, amount int, description string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deductErr != nil {
		return "", l.deductErr
	}
	id := fmt.Sprintf("rec-%d", len(l.deducts)+1)
	l.deducts = append(l.deducts, ledgerCall{userID, amount, description, id})
	l.balance -= amount
	return id, nil
}

func (l *fakeLedger) Refund(ctx context.Context, userID string, amount int, description, recordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.refundErr != nil {
		return l.refundErr
	}
	l.refunds = append(l.refunds, ledgerCall{userID, amount, description, recordID})
	l.balance += amount
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []HistoryEntry
	err     error
}

func (h *fakeHistory) AddToHistory(ctx context.Context, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, e)
	return nil
}

type recordingNotifier struct {
	mu           sync.Mutex
	loading      []bool
	progress     []string
	insufficient int
	safety       int
	failures     []string
}

func (n *recordingNotifier) SetLoading(_ Tool, loading bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loading = append(n.loading, loading)
}

func (n *recordingNotifier) Progress(_ Tool, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, status)
}

func (n *recordingNotifier) InsufficientCredits(Tool, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.insufficient++
}

func (n *recordingNotifier) SafetyWarning(Tool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.safety++
}

func (n *recordingNotifier) Failure(_ Tool, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, msg)
}

// loadingCleared reports whether the last loading signal turned it off.
func (n *recordingNotifier) loadingCleared() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.loading) > 0 && !n.loading[len(n.loading)-1]
}

type fakeRecorder struct {
	mu       sync.Mutex
	deducted int
	reasons  []string
}

func (r *fakeRecorder) Deducted(_ string, amount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deducted += amount
}

func (r *fakeRecorder) Refunded(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

type fakeGenerator struct {
	mu        sync.Mutex
	requests  []imagegen.GenerationRequest
	upscales  []imagegen.UpscaleRequest
	generate  func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error)
	upscaleFn func(req imagegen.UpscaleRequest) (*imagegen.UpscaleResult, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if req.OnProgress != nil {
		req.OnProgress("Processing")
	}
	return g.generate(req)
}

func (g *fakeGenerator) Upscale(ctx context.Context, req imagegen.UpscaleRequest) (*imagegen.UpscaleResult, error) {
	g.mu.Lock()
	g.upscales = append(g.upscales, req)
	g.mu.Unlock()
	return g.upscaleFn(req)
}

func newTestLogger(t *testing.T) *logging.Logger {
	return logging.NewFromZap(zaptest.NewLogger(t))
}

func newTestOrchestrator(t *testing.T, ledger *fakeLedger) (*Orchestrator, *recordingNotifier, *fakeHistory, *fakeRecorder) {
	t.Helper()
	n := &recordingNotifier{}
	h := &fakeHistory{}
	r := &fakeRecorder{}
	o, err := NewOrchestrator(ledger, newTestLogger(t), WithNotifier(n), WithHistory(h), WithRecorder(r))
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o, n, h, r
}
