package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

// handle is the single JobHandle implementation behind both PoolManager.Submit
// (one run, recurring=false) and Scheduler.Submit.
//
// Terminal states: completed, failed, cancelled. done is closed exactly once,
// by whichever of Cancel (no run in flight) or finish (run in flight) gets
// there first. A recurring handle stays live across successful runs and goes
// terminal on its first failure (sticky) or on cancellation.
type handle struct {
	name  string
	group *Group

	recurring bool

	log logx.Logger
	bus eventbus.Bus

	mu          sync.Mutex
	done        chan struct{}
	err         error
	terminal    bool
	cancelled   bool
	interrupted bool
	listeners   []CancelListener

	// running guards single-flight: set when a run is dispatched, cleared
	// when it finishes. While set, Cancel defers finalization to finish.
	running   bool
	runCancel context.CancelFunc
}

func newHandle(name string, g *Group, recurring bool, log logx.Logger, bus eventbus.Bus) *handle {
	return &handle{
		name:      name,
		group:     g,
		recurring: recurring,
		log:       log,
		bus:       bus,
		done:      make(chan struct{}),
	}
}

func (h *handle) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Cancel(interrupt bool) bool {
	h.mu.Lock()
	if h.terminal || h.cancelled {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	h.interrupted = interrupt
	ls := h.listeners
	h.listeners = nil
	cancelRun := h.runCancel
	finalized := false
	if !h.running {
		// Nothing in flight: this entry will never run. Finalize here;
		// a queued copy is dropped lazily when the scheduler pops it.
		h.terminal = true
		close(h.done)
		finalized = true
	}
	h.mu.Unlock()

	// Fire the run context either to interrupt in-flight work or to release
	// a pool goroutine still waiting to start a run that now never will.
	if cancelRun != nil && (interrupt || finalized) {
		cancelRun()
	}
	if finalized {
		h.publish(eventbus.TypeJobCancelled, nil, 0)
		h.log.Debug("job cancelled", logx.String("job", h.name), logx.String("group", h.group.Name()), logx.Bool("interrupt", interrupt))
	}
	for _, l := range ls {
		if l != nil {
			l(interrupt)
		}
	}
	return true
}

func (h *handle) OnCancel(l CancelListener) {
	if l == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		flag := h.interrupted
		h.mu.Unlock()
		l(flag)
		return
	}
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// tryDispatch is the scheduler-side single-flight gate, taken while deciding
// what to do with a due entry. drop means the entry leaves the queue for good;
// busy means a prior run is still going and this due time is skipped.
func (h *handle) tryDispatch() (drop, busy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal || h.cancelled {
		return true, false
	}
	if h.running {
		return false, true
	}
	h.running = true
	return false, false
}

// onStart is called by the pool goroutine just before work begins.
// false means the handle already finalized and the run must not start.
func (h *handle) onStart() bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return false
	}
	h.running = true
	h.mu.Unlock()
	return true
}

// attachCancel wires the per-run cancel func. If cancellation raced the
// dispatch, the context is fired right away so the run never gets going.
func (h *handle) attachCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.runCancel = cancel
	fire := h.cancelled && (h.interrupted || h.terminal)
	h.mu.Unlock()
	if fire {
		cancel()
	}
}

// finish records the outcome of one run and finalizes the handle unless it is
// a recurring job that succeeded.
func (h *handle) finish(runErr error, elapsed time.Duration) {
	h.mu.Lock()
	if h.terminal {
		// Cancel finalized while the run was being abandoned.
		h.mu.Unlock()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			h.log.Debug("job result after cancellation discarded", logx.String("job", h.name), logx.Err(runErr))
		}
		return
	}
	h.running = false
	h.runCancel = nil

	var ev eventbus.Type
	switch {
	case runErr != nil && !(h.cancelled && errors.Is(runErr, context.Canceled)):
		// Failures are sticky and fail-stop: a recurring job that failed is
		// never dispatched again.
		h.err = fmt.Errorf("job %q failed: %w", h.name, runErr)
		h.terminal = true
		ev = eventbus.TypeJobFailed
	case h.cancelled:
		h.terminal = true
		ev = eventbus.TypeJobCancelled
	case !h.recurring:
		h.terminal = true
		ev = eventbus.TypeJobCompleted
	default:
		ev = eventbus.TypeJobCompleted
	}
	if h.terminal {
		close(h.done)
	}
	h.mu.Unlock()

	h.publish(ev, runErr, elapsed)
	switch ev {
	case eventbus.TypeJobFailed:
		h.log.Warn("job failed", logx.String("job", h.name), logx.String("group", h.group.Name()), logx.Err(runErr), logx.Duration("dur", elapsed), logx.Bool("recurring", h.recurring))
	case eventbus.TypeJobCancelled:
		h.log.Debug("job cancelled during run", logx.String("job", h.name), logx.String("group", h.group.Name()), logx.Duration("dur", elapsed))
	default:
		h.log.Debug("job completed", logx.String("job", h.name), logx.String("group", h.group.Name()), logx.Duration("dur", elapsed))
	}
}

func (h *handle) publish(t eventbus.Type, err error, elapsed time.Duration) {
	if h.bus == nil {
		return
	}
	ev := eventbus.Event{Type: t, Job: h.name, Group: h.group.Name(), Elapsed: elapsed}
	if t == eventbus.TypeJobFailed && err != nil {
		ev.Err = err.Error()
	}
	h.bus.Publish(ev)
}

// status is a race-safe read for snapshots.
func (h *handle) status() (running, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, h.cancelled
}
