package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "jobd/pkg/logx"
)

func TestGoKeepsFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	boom := errors.New("boom")
	sup.Go("bad", func(ctx context.Context) error { return boom })
	sup.Go("worse", func(ctx context.Context) error { return errors.New("later") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Stop(ctx)
	if err == nil {
		t.Fatal("Stop = nil, want the first goroutine error")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	sup.Go("bomb", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Stop = %v, want panic error", err)
	}
}

func TestCancelOnErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	stopped := make(chan struct{})
	sup.Go("sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})
	sup.Go("bad", func(ctx context.Context) error { return errors.New("boom") })

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("sibling goroutine was not cancelled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
}

func TestGoRestartRetriesUntilContextEnds(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d, want at least 3 restarts", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil (restart errors are not published by default)", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}
