package sched

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

func newManager(t *testing.T, cfg PoolConfig) *PoolManager {
	t.Helper()
	m := NewPoolManager(cfg, logx.Nop(), eventbus.New())
	t.Cleanup(func() { _ = m.ShutdownAll() })
	return m
}

func TestPoolManagerSubmitRunsJob(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	var runs atomic.Int32
	h, err := m.Submit(NewGroup("workers"), "job", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestSubmitAfterShutdownAllIsRejected(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	if err := m.ShutdownAll(); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	h, err := m.Submit(NewGroup("workers"), "late", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit error = %v, want ErrShutdown", err)
	}
	if h != nil {
		t.Fatalf("Submit handle = %v, want nil", h)
	}
	if snap := m.Snapshot(); !snap.Down {
		t.Fatal("Snapshot.Down = false, want true")
	}
}

func TestShutdownAllIsIdempotent(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	h, err := m.Submit(NewGroup("workers"), "job", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := m.ShutdownAll(); err != nil {
		t.Fatalf("first ShutdownAll: %v", err)
	}
	if err := m.ShutdownAll(); err != nil {
		t.Fatalf("second ShutdownAll: %v", err)
	}
}

func TestPerPoolShutdownLeavesOtherGroupsRunning(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})
	a, b := NewGroup("a"), NewGroup("b")

	if err := m.Pool(a).Shutdown(); err != nil {
		t.Fatalf("Shutdown a: %v", err)
	}

	if _, err := m.Submit(a, "job", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit to stopped pool = %v, want ErrShutdown", err)
	}

	h, err := m.Submit(b, "job", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit to b: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSameNameGroupsUseDistinctPools(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	// Groups compare by identity, not by name.
	g1, g2 := NewGroup("dup"), NewGroup("dup")
	if m.Pool(g1) == m.Pool(g2) {
		t.Fatal("same-name groups share a pool, want distinct pools")
	}

	if err := m.Pool(g1).Shutdown(); err != nil {
		t.Fatalf("Shutdown g1: %v", err)
	}
	h, err := m.Submit(g2, "job", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit to g2 after g1 shutdown: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPanicInJobSurfacesAsError(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	h, err := m.Submit(NewGroup("workers"), "bomb", func(ctx context.Context) error {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	werr := h.Wait(context.Background())
	if werr == nil {
		t.Fatal("Wait = nil, want panic error")
	}
	if !strings.Contains(werr.Error(), "panic: kaboom") {
		t.Fatalf("Wait = %v, want error mentioning the panic", werr)
	}
}

func TestMaxActiveCapsConcurrentRuns(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{MaxActive: map[string]int{"capped": 1}})
	g := NewGroup("capped")

	firstStarted := make(chan struct{})
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	block := func(started chan struct{}) Work {
		return func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	h1, err := m.Submit(g, "first", block(firstStarted))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitSignal(t, firstStarted, "first run to start")

	h2, err := m.Submit(g, "second", block(secondStarted))
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	// The second job holds no slot while the first one runs.
	select {
	case <-secondStarted:
		t.Fatal("second job started past the cap")
	default:
	}
	snap := m.Snapshot()
	if len(snap.Pools) != 1 {
		t.Fatalf("pools = %d, want 1", len(snap.Pools))
	}
	if got := snap.Pools[0]; got.Active != 1 || got.MaxActive != 1 || got.Submitted != 2 {
		t.Fatalf("pool status = %+v, want Active 1, MaxActive 1, Submitted 2", got)
	}

	close(release)
	waitSignal(t, secondStarted, "second run to start")
	if err := h1.Wait(context.Background()); err != nil {
		t.Fatalf("Wait first: %v", err)
	}
	if err := h2.Wait(context.Background()); err != nil {
		t.Fatalf("Wait second: %v", err)
	}
}

func TestShutdownReportsStragglersAfterGrace(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{Grace: 50 * time.Millisecond})

	started := make(chan struct{})
	h, err := m.Submit(NewGroup("stuck"), "straggler", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitSignal(t, started, "straggler to start")

	serr := m.ShutdownAll()
	if serr == nil {
		t.Fatal("ShutdownAll = nil, want grace timeout error")
	}
	if !strings.Contains(serr.Error(), "still running") {
		t.Fatalf("ShutdownAll = %v, want error naming stragglers", serr)
	}

	// The grace timeout cancels the pool context, so the run aborts and the
	// handle terminates with the interruption.
	werr := h.Wait(context.Background())
	if !errors.Is(werr, context.Canceled) {
		t.Fatalf("Wait = %v, want error wrapping context.Canceled", werr)
	}
}

func TestCancelWithInterruptAbortsRunningJob(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	started := make(chan struct{})
	h, err := m.Submit(NewGroup("workers"), "abortable", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitSignal(t, started, "run to start")

	flags := make(chan bool, 1)
	h.OnCancel(func(interrupted bool) { flags <- interrupted })
	if !h.Cancel(true) {
		t.Fatal("Cancel = false, want true")
	}

	// Interruption of a cancelled run is not a failure.
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	select {
	case flag := <-flags:
		if !flag {
			t.Fatal("listener flag = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel listener never ran")
	}
}

func TestCancelWithoutInterruptLetsRunFinish(t *testing.T) {
	t.Parallel()
	m := newManager(t, PoolConfig{})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h, err := m.Submit(NewGroup("workers"), "graceful", func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			finished.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitSignal(t, started, "run to start")

	if !h.Cancel(false) {
		t.Fatal("Cancel = false, want true")
	}
	close(release)
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if !finished.Load() {
		t.Fatal("run was interrupted despite Cancel(false)")
	}
}
