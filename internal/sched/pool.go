package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

const (
	// defaultShutdownGrace bounds how long each pool waits for in-flight
	// jobs before cancelling their contexts.
	defaultShutdownGrace = 30 * time.Second

	defaultRejectWarnEvery = 5 * time.Second
)

// PoolConfig controls the per-group execution pools.
type PoolConfig struct {
	// Grace bounds how long Shutdown waits for in-flight jobs.
	// 0 applies the 30s default.
	Grace time.Duration

	// DefaultMaxActive caps concurrently running jobs per pool.
	// 0 means unbounded.
	DefaultMaxActive int

	// MaxActive overrides the cap for specific group names.
	MaxActive map[string]int

	// RejectWarnEvery throttles post-shutdown rejection warnings.
	// 0 applies the 5s default.
	RejectWarnEvery time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Grace <= 0 {
		c.Grace = defaultShutdownGrace
	}
	if c.DefaultMaxActive < 0 {
		c.DefaultMaxActive = 0
	}
	if c.RejectWarnEvery <= 0 {
		c.RejectWarnEvery = defaultRejectWarnEvery
	}
	return c
}

// PoolManager hands out one execution pool per Group, created on first use.
// Group identity is the pointer, so two same-named groups get distinct pools.
type PoolManager struct {
	cfg PoolConfig
	log logx.Logger
	bus eventbus.Bus

	mu    sync.Mutex
	pools map[*Group]*Pool
	down  bool

	idSeq      atomic.Uint64
	rejectWarn *rate.Limiter
}

func NewPoolManager(cfg PoolConfig, log logx.Logger, bus eventbus.Bus) *PoolManager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PoolManager{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		pools:      make(map[*Group]*Pool),
		rejectWarn: rate.NewLimiter(rate.Every(cfg.RejectWarnEvery), 1),
	}
}

// Submit runs w once on g's pool and returns a handle observing that single
// run. After ShutdownAll (or Shutdown of g's pool) submissions fail with
// ErrShutdown; work is never silently dropped.
func (m *PoolManager) Submit(g *Group, name string, w Work) (JobHandle, error) {
	if g == nil {
		return nil, ErrNilGroup
	}
	if w == nil {
		return nil, ErrNilWork
	}
	if name == "" {
		name = m.newJobID()
	}

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		m.warnRejected(name, g)
		return nil, ErrShutdown
	}
	p := m.poolLocked(g)
	m.mu.Unlock()

	h := newHandle(name, g, false, m.log, m.bus)
	cancel, err := p.exec(w, h)
	if err != nil {
		m.warnRejected(name, g)
		return nil, err
	}
	h.attachCancel(cancel)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSubmitted, Job: name, Group: g.Name()})
	}
	return h, nil
}

// Pool returns g's pool, creating it if needed. Use it to shut one group's
// pool down independently of the others.
func (m *PoolManager) Pool(g *Group) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolLocked(g)
}

// ShutdownAll stops intake everywhere, then waits up to the grace period per
// pool for in-flight jobs. Per-pool wait failures are joined into one error.
// Calling it again returns nil immediately.
func (m *PoolManager) ShutdownAll() error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil
	}
	m.down = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info("pools shut down", logx.Int("pools", len(pools)), logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Snapshot reports every pool for diagnostics, sorted by group name.
func (m *PoolManager) Snapshot() PoolsSnapshot {
	m.mu.Lock()
	down := m.down
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	snap := PoolsSnapshot{Down: down, Pools: make([]PoolStatus, 0, len(pools))}
	for _, p := range pools {
		snap.Pools = append(snap.Pools, p.status())
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Group < snap.Pools[j].Group })
	return snap
}

func (m *PoolManager) poolLocked(g *Group) *Pool {
	p := m.pools[g]
	if p == nil {
		p = m.newPool(g)
		m.pools[g] = p
	}
	return p
}

func (m *PoolManager) newPool(g *Group) *Pool {
	limit := m.cfg.DefaultMaxActive
	if v, ok := m.cfg.MaxActive[g.Name()]; ok {
		limit = v
	}
	if limit < 0 {
		limit = 0
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		group:   g,
		log:     m.log,
		bus:     m.bus,
		grace:   m.cfg.Grace,
		limit:   limit,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	if limit > 0 {
		p.sem = make(chan struct{}, limit)
	}
	// A pool requested after ShutdownAll starts life rejecting.
	if m.down {
		p.stopped = true
		cancel()
	}
	m.log.Debug("pool created", logx.String("group", g.Name()), logx.Int("max_active", limit))
	return p
}

func (m *PoolManager) warnRejected(name string, g *Group) {
	// Rejections are expected during teardown; one warning per interval is
	// plenty.
	if m.rejectWarn.Allow() {
		m.log.Warn("job rejected: pools shut down", logx.String("job", name), logx.String("group", g.Name()))
	}
}

func (m *PoolManager) newJobID() string {
	return fmt.Sprintf("job-%x-%x", time.Now().UnixNano(), m.idSeq.Add(1))
}

// Pool runs jobs for one group, each on its own goroutine.
type Pool struct {
	group *Group
	log   logx.Logger
	bus   eventbus.Bus
	grace time.Duration
	limit int

	baseCtx context.Context
	cancel  context.CancelFunc

	// sem caps concurrent runs when limit > 0. Submitters are never blocked
	// by the cap; the run's own goroutine waits for a slot.
	sem chan struct{}

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Uint64
}

// Group returns the group this pool serves.
func (p *Pool) Group() *Group { return p.group }

// exec schedules one run of w observed by h. The returned cancel func ends
// the run's context; callers wire it into the handle.
func (p *Pool) exec(w Work, h *handle) (context.CancelFunc, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	// Add under the lock so Shutdown's Wait cannot race a late Add.
	p.wg.Add(1)
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(p.baseCtx)
	p.submitted.Add(1)
	go p.run(runCtx, cancel, w, h)
	return cancel, nil
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, w Work, h *handle) {
	defer p.wg.Done()
	defer cancel()

	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			h.finish(ctx.Err(), 0)
			return
		}
		defer func() { <-p.sem }()
	}
	select {
	case <-ctx.Done():
		h.finish(ctx.Err(), 0)
		return
	default:
	}
	if !h.onStart() {
		// Handle finalized before the run got going; nothing to report.
		return
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDispatched, Job: h.name, Group: p.group.Name()})
	}
	p.log.Debug("job started", logx.String("job", h.name), logx.String("group", p.group.Name()))

	start := time.Now()
	p.active.Add(1)
	err := p.runSafe(ctx, h.name, w)
	p.active.Add(-1)
	h.finish(err, time.Since(start))
}

// runSafe converts job panics into errors so one bad job cannot kill its
// pool goroutine or the process.
func (p *Pool) runSafe(ctx context.Context, name string, w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("job panic", logx.String("job", name), logx.String("group", p.group.Name()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return w(ctx)
}

// Shutdown stops intake for this pool and waits up to the grace period for
// in-flight jobs. On timeout the remaining run contexts are cancelled and an
// error is returned; stragglers keep draining in the background. Calling it
// again returns nil.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypePoolShutdown, Group: p.group.Name()})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.log.Debug("pool drained", logx.String("group", p.group.Name()))
		return nil
	case <-time.After(p.grace):
		p.cancel()
		p.log.Warn("pool shutdown timed out, cancelling run contexts", logx.String("group", p.group.Name()), logx.Duration("grace", p.grace), logx.Int("active", int(p.active.Load())))
		return fmt.Errorf("pool %q: jobs still running after %s", p.group.Name(), p.grace)
	}
}

func (p *Pool) status() PoolStatus {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	return PoolStatus{
		Group:     p.group.Name(),
		Active:    int(p.active.Load()),
		MaxActive: p.limit,
		Submitted: p.submitted.Load(),
		Stopped:   stopped,
	}
}
