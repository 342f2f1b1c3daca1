package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Pools     PoolsConfig     `json:"pools,omitempty"`

	// History is the optional run-history recorder (sqlite).
	// Omitting the section disables it.
	History *HistoryConfig `json:"history,omitempty"`

	// Debug is the optional diagnostics HTTP server (pprof, metrics, status).
	// Omitting the section disables it.
	Debug *DebugConfig `json:"debug,omitempty"`

	// Jobs are external commands scheduled at startup.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the time-based scheduler. The scheduler itself always
// runs; there is nothing to enable.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// SkipWarnEvery throttles the warning logged when a recurring job is
	// still running at its due time. "0s" falls back to the built-in default.
	SkipWarnEvery string `json:"skip_warn_every,omitempty"`
}

// PoolsConfig tunes the per-group execution pools.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PoolsConfig struct {
	// ShutdownGrace bounds how long shutdown waits per pool for in-flight
	// jobs before cancelling them. "0s" falls back to the built-in 30s.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	// DefaultMaxActive caps concurrent runs per pool; 0 = unbounded.
	DefaultMaxActive int `json:"default_max_active,omitempty"`

	// MaxActive overrides the cap for specific pools, matched by group name.
	MaxActive map[string]int `json:"max_active,omitempty"`

	// RejectWarnEvery throttles the warning logged for submissions rejected
	// after shutdown.
	RejectWarnEvery string `json:"reject_warn_every,omitempty"`
}

// HistoryConfig controls the sqlite run-history recorder.
//
// Example:
//
//	"history": { "enabled": true, "path": "./jobd.db", "retention": "168h" }
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// BusyTimeout is a Go duration string passed to sqlite.
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention is how long rows are kept; the built-in prune job deletes
	// older ones. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
	// PruneEvery is the period of the built-in prune job.
	PruneEvery string `json:"prune_every,omitempty"`
}

// DebugConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// JobConfig describes one external command run on a schedule.
//
// All durations are Go duration strings. Omitting "every" makes the job
// one-shot; "delay" defaults to 0 (due immediately).
type JobConfig struct {
	Name    string   `json:"name"`
	Group   string   `json:"group,omitempty"` // default: "jobs"
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	// Env entries ("KEY=VALUE") are appended to the daemon environment.
	Env     []string `json:"env,omitempty"`
	Delay   string   `json:"delay,omitempty"`
	Every   string   `json:"every,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// DefaultGroup is the group name used for config jobs that don't set one.
const DefaultGroup = "jobs"

func (h *HistoryConfig) WithDefaults() HistoryConfig {
	out := HistoryConfig{}
	if h != nil {
		out = *h
	}
	if strings.TrimSpace(out.Path) == "" {
		out.Path = "./jobd.db"
	}
	if strings.TrimSpace(out.BusyTimeout) == "" {
		out.BusyTimeout = "5s"
	}
	if strings.TrimSpace(out.Retention) == "" {
		out.Retention = "168h"
	}
	if strings.TrimSpace(out.PruneEvery) == "" {
		out.PruneEvery = "1h"
	}
	return out
}

func (d *DebugConfig) WithDefaults() DebugConfig {
	out := DebugConfig{}
	if d != nil {
		out = *d
	}
	if strings.TrimSpace(out.Addr) == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if strings.TrimSpace(out.ReadTimeout) == "" {
		out.ReadTimeout = "5s"
	}
	if strings.TrimSpace(out.IdleTimeout) == "" {
		out.IdleTimeout = "60s"
	}
	return out
}

func (j JobConfig) GroupName() string {
	if g := strings.TrimSpace(j.Group); g != "" {
		return g
	}
	return DefaultGroup
}

// Validate rejects configs that would fail later in confusing ways. It is
// installed as the manager's validation hook so a bad edit never replaces a
// good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("scheduler.skip_warn_every", cfg.Scheduler.SkipWarnEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("pools.shutdown_grace", cfg.Pools.ShutdownGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("pools.reject_warn_every", cfg.Pools.RejectWarnEvery); err != nil {
		return err
	}
	if cfg.Pools.DefaultMaxActive < 0 {
		return fmt.Errorf("pools.default_max_active: must be >= 0")
	}
	for name, n := range cfg.Pools.MaxActive {
		if n < 0 {
			return fmt.Errorf("pools.max_active[%q]: must be >= 0", name)
		}
	}

	if cfg.History != nil && cfg.History.Enabled {
		h := cfg.History.WithDefaults()
		if strings.TrimSpace(h.Path) == "" {
			return fmt.Errorf("history.path: required when history is enabled")
		}
		for path, raw := range map[string]string{
			"history.busy_timeout": h.BusyTimeout,
			"history.retention":    h.Retention,
			"history.prune_every":  h.PruneEvery,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}

	if cfg.Debug != nil && cfg.Debug.Enabled {
		d := cfg.Debug.WithDefaults()
		if strings.TrimSpace(d.Addr) == "" {
			return fmt.Errorf("debug.addr: required when debug is enabled")
		}
		for path, raw := range map[string]string{
			"debug.read_timeout":  d.ReadTimeout,
			"debug.write_timeout": d.WriteTimeout,
			"debug.idle_timeout":  d.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d].name: required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("jobs[%d].name: duplicate %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Command) == "" {
			return fmt.Errorf("jobs[%d] (%s): command required", i, name)
		}
		for path, raw := range map[string]string{
			fmt.Sprintf("jobs[%d].delay", i):   j.Delay,
			fmt.Sprintf("jobs[%d].every", i):   j.Every,
			fmt.Sprintf("jobs[%d].timeout", i): j.Timeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		for _, kv := range j.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("jobs[%d] (%s): env entry %q is not KEY=VALUE", i, name, kv)
			}
		}
	}
	return nil
}
