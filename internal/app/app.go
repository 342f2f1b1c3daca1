package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobd/internal/config"
	"jobd/internal/debughttp"
	"jobd/internal/eventbus"
	"jobd/internal/history"
	"jobd/internal/metrics"
	rtsup "jobd/internal/runtime/supervisor"
	"jobd/internal/sched"
	logx "jobd/pkg/logx"
)

// App wires the daemon: config manager, logging, event bus, history store,
// execution pools, scheduler, metrics and the debug server.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	hist *history.Store
	rec  *history.Recorder

	pools *sched.PoolManager
	sched *sched.Scheduler
	met   *metrics.Metrics

	debug  *debughttp.Server
	dbgCfg debughttp.Config

	jobs *jobSet
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Run history (optional)
	var (
		hist *history.Store
		rec  *history.Recorder
	)
	if cfg.History != nil && cfg.History.Enabled {
		hc, err := mapHistoryConfig(cfg)
		if err != nil {
			return nil, err
		}
		st, err := history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		hist = st
		rec = history.NewRecorder(st, bus, log.With(logx.String("comp", "history")))
		log.Info("run history enabled", logx.String("path", hc.Path))
	}

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pools := sched.NewPoolManager(poolCfg, log.With(logx.String("comp", "pools")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schd := sched.New(schedCfg, pools, log.With(logx.String("comp", "sched")), bus)

	met := metrics.New(bus,
		func() int { return schd.Snapshot().Pending },
		func() int {
			active := 0
			for _, p := range pools.Snapshot().Pools {
				active += p.Active
			}
			return active
		},
		log.With(logx.String("comp", "metrics")),
	)

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	dbg := debughttp.New(dbgCfg, debughttp.Deps{
		Gatherer:  met.Registry(),
		Scheduler: schd,
		Pools:     pools,
		History:   hist,
	}, log.With(logx.String("comp", "debug")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		hist:    hist,
		rec:     rec,
		pools:   pools,
		sched:   schd,
		met:     met,
		debug:   dbg,
		dbgCfg:  dbgCfg,
	}
	a.jobs = newJobSet(schd, log.With(logx.String("comp", "jobs")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// external cancellation).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.rec != nil {
		a.sup.Go("history.record", a.rec.Run)
	}
	a.sup.Go("metrics.consume", a.met.Run)
	a.sup.Go("sched.run", a.sched.Run)

	// Applies profiling rates and starts the server when enabled.
	a.debug.Reconfigure(a.sup.Context(), a.dbgCfg)

	// Config-defined jobs plus jobd's own maintenance jobs.
	if err := a.jobs.reconcile(a.cfgm.Get().Jobs); err != nil {
		return err
	}
	a.submitBuiltins(a.cfgm.Get())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		a.log.Info("systemd notified ready")
	} else if err != nil {
		a.log.Warn("systemd notify failed", logx.Any("err", err))
	}

	a.log.Info("jobd started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, changedJobs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				if len(changedJobs) > 0 {
					a.log.Debug("job config changes detected", logx.Any("jobs", changedJobs))
				}
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			// Pool and scheduler tuning is fixed at construction time.
			for _, s := range sections {
				switch s {
				case "pools", "scheduler", "history":
					a.log.Warn(s + " config changed; restart required for changes to take effect")
				}
			}

			// apply logging updates
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			// apply debug server updates (live)
			if dbgCfg, err := mapDebugConfig(newCfg); err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Any("err", err))
			} else {
				a.dbgCfg = dbgCfg
				a.debug.Reconfigure(ctx, dbgCfg)
			}

			// reconcile scheduled jobs (cancel removed/changed, submit added)
			if err := a.jobs.reconcile(newCfg.Jobs); err != nil {
				a.log.Warn("job reconcile incomplete", logx.Any("err", err))
			}

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// Stop shuts the daemon down in dependency order: stop feeding the pools,
// drain them, then stop the services that observe runs. It returns the joined
// errors of all steps so a dirty shutdown surfaces in the exit code.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop. max 0 means no bound beyond the caller's ctx.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and move on.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Any("err", stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	// Stop the loop first so nothing new is dispatched, then drain the pools.
	// Recorder and metrics stay up through the drain so the final outcomes are
	// still observed; they stop with the supervisor afterwards.
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("pools", 0, func(context.Context) error { return a.pools.ShutdownAll() })
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("history", time.Second, func(context.Context) error { return a.hist.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return errors.Join(errs...)
}

func mapPoolConfig(cfg *config.Config) (sched.PoolConfig, error) {
	grace, err := config.ParseDurationField("pools.shutdown_grace", cfg.Pools.ShutdownGrace)
	if err != nil {
		return sched.PoolConfig{}, err
	}
	rejectWarn, err := config.ParseDurationField("pools.reject_warn_every", cfg.Pools.RejectWarnEvery)
	if err != nil {
		return sched.PoolConfig{}, err
	}
	return sched.PoolConfig{
		Grace:            grace,
		DefaultMaxActive: cfg.Pools.DefaultMaxActive,
		MaxActive:        cfg.Pools.MaxActive,
		RejectWarnEvery:  rejectWarn,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (sched.Config, error) {
	skipWarn, err := config.ParseDurationField("scheduler.skip_warn_every", cfg.Scheduler.SkipWarnEvery)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{SkipWarnEvery: skipWarn}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	h := cfg.History.WithDefaults()
	busy, err := config.ParseDurationField("history.busy_timeout", h.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{Path: h.Path, BusyTimeout: busy}, nil
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	if cfg.Debug == nil {
		return debughttp.Config{}, nil
	}
	d := cfg.Debug.WithDefaults()
	readT, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return debughttp.Config{}, err
	}
	writeT, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debughttp.Config{}, err
	}
	idleT, err := config.ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return debughttp.Config{}, err
	}
	return debughttp.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          readT,
		WriteTimeout:         writeT,
		IdleTimeout:          idleT,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
		MemProfileRate:       d.MemProfileRate,
	}, nil
}
