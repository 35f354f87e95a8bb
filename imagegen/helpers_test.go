package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"archrender/logging"

	"go.uber.org/zap/zaptest"
)

// mockBackend implements Backend with scripted functions. Call counts are
// tracked per method and per task.
type mockBackend struct {
	mu sync.Mutex

	submitFunc        func(n int, sub GenerationSubmission) (Task, error)
	pollFunc          func(task Task, n int) (PollStatus, error)
	submitUpscaleFunc func(n int, sub UpscaleSubmission) (Task, error)

	submits    int
	polls      map[string]int
	submitted  []GenerationSubmission
	upscales   []UpscaleSubmission
	totalPolls int
}

func (m *mockBackend) SubmitGeneration(ctx context.Context, sub GenerationSubmission) (Task, error) {
	m.mu.Lock()
	m.submits++
	n := m.submits
	m.submitted = append(m.submitted, sub)
	m.mu.Unlock()
	return m.submitFunc(n, sub)
}

func (m *mockBackend) PollGeneration(ctx context.Context, task Task) (PollStatus, error) {
	m.mu.Lock()
	if m.polls == nil {
		m.polls = make(map[string]int)
	}
	m.polls[task.ID]++
	m.totalPolls++
	n := m.polls[task.ID]
	m.mu.Unlock()
	return m.pollFunc(task, n)
}

func (m *mockBackend) SubmitUpscale(ctx context.Context, sub UpscaleSubmission) (Task, error) {
	m.mu.Lock()
	m.submits++
	n := m.submits
	m.upscales = append(m.upscales, sub)
	m.mu.Unlock()
	return m.submitUpscaleFunc(n, sub)
}

func (m *mockBackend) PollUpscale(ctx context.Context, task Task) (PollStatus, error) {
	return m.PollGeneration(ctx, task)
}

func (m *mockBackend) pollCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[taskID]
}

// sequentialTasks returns a submitFunc handing out t1, t2, ... with matching
// project ids.
func sequentialTasks() func(int, GenerationSubmission) (Task, error) {
	return func(n int, _ GenerationSubmission) (Task, error) {
		return taskN(n), nil
	}
}

func taskN(n int) Task {
	id := string(rune('0' + n))
	return Task{ID: "t" + id, ProjectID: "p" + id, AccountID: "a" + id}
}

func succeeded(artifacts ...Artifact) PollStatus {
	return PollStatus{State: StateSucceeded, Artifacts: artifacts}
}

func errorStatus(code int, status, msg string) PollStatus {
	return PollStatus{State: StateError, Err: &BackendError{Code: code, Status: status, Message: msg}}
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
	return nil
}

func (c *fakeClock) totalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		PollInterval:        5 * time.Second,
		PollBudget:          10 * time.Minute,
		GracePeriod:         2 * time.Minute,
		TransientRetryDelay: 5 * time.Second,
		OperationRetryDelay: 3 * time.Second,
		MaxAttempts:         3,
	}
}

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.NewFromZap(zaptest.NewLogger(t))
}

func newTestClient(t *testing.T, backend Backend, clock Clock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(clock), WithLogger(newTestLogger(t))}, opts...)
	client, err := NewClient(backend, testClientConfig(), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func pngBase64(t *testing.T, w, h int) string {
	return base64.StdEncoding.EncodeToString(pngImage(t, w, h))
}
