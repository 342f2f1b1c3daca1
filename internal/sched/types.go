package sched

import (
	"context"
	"time"
)

// Work is one unit of job work.
//
// The context is cancelled when the run is interrupted (Cancel with
// interrupt=true) or when its pool gives up waiting during shutdown.
// Well-behaved work returns promptly once the context is done.
type Work func(ctx context.Context) error

// CancelListener observes cancellation of a JobHandle.
// The flag is the interrupt argument of the Cancel call that won.
type CancelListener func(interrupted bool)

// JobHandle observes and controls one submission: a single pooled run, or a
// delayed/recurring entry on the Scheduler.
type JobHandle interface {
	// Wait blocks until the submission reaches a terminal state and returns
	// its outcome: nil for normal completion and for cancellation, otherwise
	// an error wrapping the cause of the failure. For recurring jobs the
	// first failure is sticky; every later Wait returns it.
	//
	// ctx only bounds the wait. If it expires first, Wait returns ctx.Err()
	// and the job itself is unaffected.
	Wait(ctx context.Context) error

	// Cancel stops the submission: a queued entry never dispatches again, and
	// an in-flight run has its context cancelled when interrupt is true.
	// It reports true the first time it takes effect, false when the handle
	// is already terminal or already cancelled.
	Cancel(interrupt bool) bool

	// OnCancel registers l to run exactly once if the handle is cancelled,
	// with the interrupt flag of the winning Cancel call. If cancellation
	// already happened, l runs immediately. Listeners never fire for normal
	// completion or failure.
	OnCancel(l CancelListener)
}

// Job describes one submission to the Scheduler.
type Job struct {
	// Name labels the job in logs, events and history.
	// Empty names get a generated job-... identifier.
	Name string

	// Group selects the pool the job runs on. Required.
	Group *Group

	// Work is the function to run. Required.
	Work Work

	// Delay is how long after submission the first run becomes due.
	// Zero or negative means due immediately (still dispatched from a tick,
	// never synchronously inside Submit).
	Delay time.Duration

	// Every re-arms the job that long after each due time; 0 means one-shot.
	Every time.Duration
}
