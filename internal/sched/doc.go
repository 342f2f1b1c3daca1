// Package sched implements jobd's in-process job scheduling core.
//
// It has three moving parts:
//   - PoolManager: lazily creates one execution pool per Group and runs
//     one-shot work on it.
//   - Scheduler: keeps delayed and recurring entries in a deadline-ordered
//     queue and hands due work to the pools. Time comes from an injectable
//     clock, so tests drive Tick() manually and never sleep.
//   - JobHandle: caller-facing observation (Wait) and control (Cancel,
//     OnCancel) for both kinds of submission.
//
// All triggers are relative: a delay until the first run and an optional
// repeat period, measured on a monotonic clock. Calendar semantics (cron
// expressions, timezones) are out of scope.
package sched
