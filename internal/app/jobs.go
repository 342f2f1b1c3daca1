package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobd/internal/config"
	"jobd/internal/sched"
	logx "jobd/pkg/logx"
)

const statsEvery = time.Minute

// jobSet owns the config-defined jobs and keeps them in sync with the live
// config. Groups are interned by name so every reload reuses the same pools.
type jobSet struct {
	sched *sched.Scheduler
	log   logx.Logger

	mu     sync.Mutex
	groups map[string]*sched.Group
	jobs   map[string]managedJob
}

type managedJob struct {
	cfg    config.JobConfig
	handle sched.JobHandle
}

func newJobSet(s *sched.Scheduler, log logx.Logger) *jobSet {
	return &jobSet{
		sched:  s,
		log:    log,
		groups: make(map[string]*sched.Group),
		jobs:   make(map[string]managedJob),
	}
}

// group returns the interned Group for name, creating it on first use.
func (js *jobSet) group(name string) *sched.Group {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.groupLocked(name)
}

func (js *jobSet) groupLocked(name string) *sched.Group {
	g := js.groups[name]
	if g == nil {
		g = sched.NewGroup(name)
		js.groups[name] = g
	}
	return g
}

// reconcile brings the scheduled jobs in line with list: removed or changed
// entries are cancelled, new or changed ones submitted. An entry that
// fail-stopped stays stopped until its config changes.
func (js *jobSet) reconcile(list []config.JobConfig) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	want := make(map[string]config.JobConfig, len(list))
	for _, jc := range list {
		want[strings.TrimSpace(jc.Name)] = jc
	}

	// Cancel without interrupt: an in-flight run finishes on its own, the
	// entry just never dispatches again.
	for name, mj := range js.jobs {
		jc, ok := want[name]
		if ok && reflect.DeepEqual(mj.cfg, jc) {
			continue
		}
		if mj.handle != nil {
			mj.handle.Cancel(false)
		}
		delete(js.jobs, name)
		if !ok {
			js.log.Info("job removed", logx.String("job", name))
		}
	}

	var errs []error
	for _, jc := range list {
		name := strings.TrimSpace(jc.Name)
		if _, ok := js.jobs[name]; ok {
			continue
		}
		h, err := js.submitLocked(name, jc)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", name, err))
			continue
		}
		js.jobs[name] = managedJob{cfg: jc, handle: h}
	}
	return errors.Join(errs...)
}

func (js *jobSet) submitLocked(name string, jc config.JobConfig) (sched.JobHandle, error) {
	delay, err := config.ParseDurationField("delay", jc.Delay)
	if err != nil {
		return nil, err
	}
	every, err := config.ParseDurationField("every", jc.Every)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return nil, err
	}

	g := js.groupLocked(jc.GroupName())
	h, err := js.sched.Submit(sched.Job{
		Name:  name,
		Group: g,
		Work:  execWork(name, jc, timeout, js.log),
		Delay: delay,
		Every: every,
	})
	if err != nil {
		return nil, err
	}
	js.log.Info("job scheduled",
		logx.String("job", name),
		logx.String("group", g.Name()),
		logx.String("command", jc.Command),
		logx.Duration("delay", delay),
		logx.Duration("every", every),
	)
	return h, nil
}

// execWork builds the Work closure for one external command. Interrupt
// cancellation and the optional timeout both kill the process through the
// exec context.
func execWork(name string, jc config.JobConfig, timeout time.Duration, log logx.Logger) sched.Work {
	return func(ctx context.Context) error {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(runCtx, jc.Command, jc.Args...)
		cmd.Dir = jc.Dir
		if len(jc.Env) > 0 {
			cmd.Env = append(os.Environ(), jc.Env...)
		}

		start := time.Now()
		out, err := cmd.CombinedOutput()
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				err = fmt.Errorf("timed out after %s", timeout)
			}
			log.Warn("command failed",
				logx.String("job", name),
				logx.String("command", jc.Command),
				logx.Duration("took", time.Since(start)),
				logx.String("output", truncated(out)),
				logx.Any("err", err),
			)
			return fmt.Errorf("%s: %w", jc.Command, err)
		}
		log.Debug("command ok",
			logx.String("job", name),
			logx.Duration("took", time.Since(start)),
			logx.String("output", truncated(out)),
		)
		return nil
	}
}

// truncated caps captured command output for log fields.
func truncated(b []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}

// submitBuiltins schedules jobd's own recurring maintenance work. These jobs
// log failures and return nil: a returned error would fail-stop the recurring
// entry for good.
func (a *App) submitBuiltins(cfg *config.Config) {
	maint := a.jobs.group("maintenance")

	_, _ = a.sched.Submit(sched.Job{
		Name:  "stats.log",
		Group: maint,
		Delay: statsEvery,
		Every: statsEvery,
		Work: func(context.Context) error {
			ss := a.sched.Snapshot()
			ps := a.pools.Snapshot()
			active := 0
			var submitted uint64
			for _, p := range ps.Pools {
				active += p.Active
				submitted += p.Submitted
			}
			a.log.Debug("scheduler stats",
				logx.Int("pending", ss.Pending),
				logx.Int("active", active),
				logx.Uint64("submitted", submitted),
				logx.Int("pools", len(ps.Pools)),
			)
			return nil
		},
	})

	if a.hist != nil && cfg.History != nil {
		h := cfg.History.WithDefaults()
		retention, _ := config.ParseDurationField("history.retention", h.Retention)
		pruneEvery, _ := config.ParseDurationField("history.prune_every", h.PruneEvery)
		if retention > 0 && pruneEvery > 0 {
			_, _ = a.sched.Submit(sched.Job{
				Name:  "history.prune",
				Group: maint,
				Delay: pruneEvery,
				Every: pruneEvery,
				Work: func(ctx context.Context) error {
					n, err := a.hist.Prune(ctx, retention)
					if err != nil {
						a.log.Warn("history prune failed", logx.Any("err", err))
						return nil
					}
					if n > 0 {
						a.log.Info("history pruned", logx.Int64("deleted", n), logx.Duration("retention", retention))
					}
					return nil
				},
			})
		}
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		every := interval / 2
		_, _ = a.sched.Submit(sched.Job{
			Name:  "systemd.watchdog",
			Group: maint,
			Delay: every,
			Every: every,
			Work: func(context.Context) error {
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("watchdog notify failed", logx.Any("err", err))
				}
				return nil
			},
		})
		a.log.Info("systemd watchdog heartbeat enabled", logx.Duration("interval", interval))
	}
}
