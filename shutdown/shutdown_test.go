package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"archrender/core"
	"archrender/logging"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(logging.NewFromZap(zaptest.NewLogger(t)), opts...)
}

func TestRegistry_RunsInPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	add := func(name string, prio int, err error) {
		r.Register(name, prio, func(context.Context) error {
			order = append(order, name)
			return err
		})
	}
	add("files", 30, nil)
	add("server", 0, nil)
	add("database", 20, errors.New("locked"))
	add("writer", 10, nil)

	if got := r.Names(); len(got) != 4 || got[0] != "server" || got[3] != "files" {
		t.Errorf("Names() = %v", got)
	}

	errs := r.Run(context.Background())
	want := []string{"server", "writer", "database", "files"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if len(errs) != 1 || errs[0].Error() != "database: locked" {
		t.Errorf("errs = %v", errs)
	}

	if again := r.Run(context.Background()); again != nil || len(order) != 4 {
		t.Error("second Run() executed handlers")
	}
	r.Register("late", 1, func(context.Context) error { return nil })
	if len(r.Names()) != 4 {
		t.Error("Register() after Run() was accepted")
	}
}

func TestTracker(t *testing.T) {
	var tr Tracker
	if !tr.Start() {
		t.Fatal("Start() = false on open tracker")
	}
	if tr.Active() != 1 {
		t.Errorf("Active() = %d", tr.Active())
	}
	if err := tr.Wait(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() = %v, want ErrWaitTimeout", err)
	}
	tr.Close()
	if tr.Start() {
		t.Error("Start() = true after Close")
	}
	tr.Done()
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestManager_SignalCancelsAndSetsExitCode(t *testing.T) {
	forced := -1
	m := newTestManager(t, WithForceHandler(func(code int) { forced = code }))

	m.HandleSignal(syscall.SIGTERM)
	select {
	case <-m.Context().Done():
	default:
		t.Fatal("context not cancelled by first signal")
	}
	if m.ExitCode() != core.ExitCodeSIGTERM {
		t.Errorf("ExitCode() = %d, want %d", m.ExitCode(), core.ExitCodeSIGTERM)
	}
	if forced != -1 {
		t.Error("first signal forced exit")
	}

	m.HandleSignal(os.Interrupt)
	if forced != core.ExitCodeSIGTERM {
		t.Errorf("force handler code = %d, want %d", forced, core.ExitCodeSIGTERM)
	}
}

func TestManager_ShutdownWaitsForJobs(t *testing.T) {
	m := newTestManager(t, WithTimeout(5*time.Second))

	var cleanedAfterJob bool
	jobDone := make(chan struct{})
	m.Register("database", 20, func(context.Context) error {
		select {
		case <-jobDone:
			cleanedAfterJob = true
		default:
		}
		return nil
	})

	started := make(chan struct{})
	go m.Track(context.Background(), "generate", func(ctx context.Context) error {
		close(started)
		<-m.Context().Done()
		time.Sleep(20 * time.Millisecond)
		close(jobDone)
		return nil
	})
	<-started

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !cleanedAfterJob {
		t.Error("cleanup ran before the in-flight job finished")
	}
	if err := m.Track(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("Track() after shutdown = %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestManager_ShutdownReportsCleanupErrors(t *testing.T) {
	m := newTestManager(t)
	m.Start()
	m.Register("broken", 1, func(context.Context) error { return errors.New("nope") })
	if err := m.Shutdown(); err == nil {
		t.Error("expected error from failing handler")
	}
}

func TestPruneBlobs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.png")
	fresh := filepath.Join(dir, "fresh.png")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	logger := logging.NewFromZap(zaptest.NewLogger(t))
	if err := PruneBlobs(logger, dir, 24*time.Hour)(context.Background()); err != nil {
		t.Fatalf("PruneBlobs() error = %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale blob not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh blob removed")
	}

	if err := PruneBlobs(logger, filepath.Join(dir, "missing"), time.Hour)(context.Background()); err != nil {
		t.Errorf("missing dir error = %v", err)
	}
}
