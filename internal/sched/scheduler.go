package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

const defaultSkipWarnEvery = 5 * time.Second

// Config controls the Scheduler.
type Config struct {
	// Clock supplies time; nil uses the real clock.
	// Tests inject a fake clock and drive Tick manually.
	Clock clockwork.Clock

	// SkipWarnEvery throttles busy-skip warnings. 0 applies the 5s default.
	SkipWarnEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SkipWarnEvery <= 0 {
		c.SkipWarnEvery = defaultSkipWarnEvery
	}
	return c
}

// Scheduler keeps delayed and recurring jobs in a deadline-ordered queue and
// dispatches due entries onto their group's pool.
type Scheduler struct {
	clock clockwork.Clock
	pools *PoolManager
	log   logx.Logger
	bus   eventbus.Bus

	mu  sync.Mutex
	q   taskQueue
	seq uint64

	// wake nudges Run when a new submission may carry an earlier deadline
	// than the one the loop is sleeping towards.
	wake chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	idSeq    atomic.Uint64
	skipWarn *rate.Limiter
}

func New(cfg Config, pools *PoolManager, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		clock:    cfg.Clock,
		pools:    pools,
		log:      log,
		bus:      bus,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		skipWarn: rate.NewLimiter(rate.Every(cfg.SkipWarnEvery), 1),
	}
}

// Submit queues j. The first run is due Delay from now; Every > 0 re-arms the
// job after each due time. Work never runs synchronously inside Submit, even
// with a zero or negative delay: it waits for the next tick like everything
// else.
func (s *Scheduler) Submit(j Job) (JobHandle, error) {
	if j.Group == nil {
		return nil, ErrNilGroup
	}
	if j.Work == nil {
		return nil, ErrNilWork
	}
	if j.Every < 0 {
		return nil, ErrBadPeriod
	}
	if j.Name == "" {
		j.Name = fmt.Sprintf("job-%x-%x", s.clock.Now().UnixNano(), s.idSeq.Add(1))
	}

	h := newHandle(j.Name, j.Group, j.Every > 0, s.log, s.bus)
	e := &entry{
		name:     j.Name,
		group:    j.Group,
		work:     j.Work,
		deadline: s.clock.Now().Add(j.Delay),
		every:    j.Every,
		handle:   h,
	}

	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	heap.Push(&s.q, e)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSubmitted, Job: j.Name, Group: j.Group.Name()})
	}
	s.log.Debug("job submitted", logx.String("job", j.Name), logx.String("group", j.Group.Name()), logx.Duration("delay", j.Delay), logx.Duration("every", j.Every))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// Tick dispatches every entry due at the current clock reading, in deadline
// order with submission order breaking ties. It never blocks on job
// execution.
//
// A recurring entry is re-armed (deadline += period) regardless of what
// happens to this occurrence. If its previous run is still going, the
// occurrence is skipped outright; there is no catch-up burst later.
func (s *Scheduler) Tick() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if len(s.q) == 0 || s.q[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.q).(*entry)

		drop, busy := e.handle.tryDispatch()
		if drop {
			// Cancelled or fail-stopped since it was queued.
			s.mu.Unlock()
			continue
		}
		if e.every > 0 {
			e.deadline = e.deadline.Add(e.every)
			heap.Push(&s.q, e)
		}
		s.mu.Unlock()

		if busy {
			s.skipped(e)
			continue
		}
		s.dispatch(e)
	}
}

// Run drives Tick on the production loop: sleep until the earliest deadline,
// wake early for new submissions, dispatch, repeat. It blocks until Stop or
// ctx cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.log.Info("scheduler loop started")
	for {
		s.Tick()

		var timer <-chan time.Time
		s.mu.Lock()
		if len(s.q) > 0 {
			d := s.q[0].deadline.Sub(s.clock.Now())
			s.mu.Unlock()
			if d <= 0 {
				// Due again already; the clock moved during Tick.
				continue
			}
			timer = s.clock.After(d)
		} else {
			// Idle: park until a submission wakes us.
			s.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped", logx.Err(ctx.Err()))
			return ctx.Err()
		case <-s.stopCh:
			s.log.Info("scheduler loop stopped")
			return nil
		case <-s.wake:
		case <-timer:
		}
	}
}

// Stop ends Run. Queued entries stay put: manual Tick still works and
// submissions are still accepted. Rejecting new work is the pool manager's
// job, not the loop's.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Snapshot reports the queue for diagnostics, soonest deadline first.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	jobs := make([]JobStatus, 0, len(s.q))
	for _, e := range s.q {
		running, cancelled := e.handle.status()
		jobs = append(jobs, JobStatus{
			Name:      e.name,
			Group:     e.group.Name(),
			NextRun:   e.deadline,
			Every:     e.every,
			Running:   running,
			Cancelled: cancelled,
		})
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextRun.Before(jobs[j].NextRun) })
	snap := SchedulerSnapshot{Pending: len(jobs), Jobs: jobs}
	if len(jobs) > 0 {
		snap.NextRun = jobs[0].NextRun
	}
	return snap
}

func (s *Scheduler) skipped(e *entry) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSkipped, Job: e.name, Group: e.group.Name()})
	}
	// A chronically slow recurring job would otherwise warn on every tick.
	if s.skipWarn.Allow() {
		s.log.Warn("job still running at its due time, occurrence skipped", logx.String("job", e.name), logx.String("group", e.group.Name()), logx.Duration("every", e.every))
	}
}

func (s *Scheduler) dispatch(e *entry) {
	p := s.pools.Pool(e.group)
	cancel, err := p.exec(e.work, e.handle)
	if err != nil {
		// Pools are gone; fail-stop the entry with the rejection as cause.
		e.handle.finish(err, 0)
		return
	}
	e.handle.attachCancel(cancel)
}
