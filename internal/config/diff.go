package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobd/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the debug token),
// and (3) a list of job names whose definition changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if strings.TrimSpace(oldCfg.Scheduler.SkipWarnEvery) != strings.TrimSpace(newCfg.Scheduler.SkipWarnEvery) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.skip_warn_every", strings.TrimSpace(newCfg.Scheduler.SkipWarnEvery)),
		)
	}

	// Pools
	if strings.TrimSpace(oldCfg.Pools.ShutdownGrace) != strings.TrimSpace(newCfg.Pools.ShutdownGrace) ||
		oldCfg.Pools.DefaultMaxActive != newCfg.Pools.DefaultMaxActive ||
		!reflect.DeepEqual(oldCfg.Pools.MaxActive, newCfg.Pools.MaxActive) ||
		strings.TrimSpace(oldCfg.Pools.RejectWarnEvery) != strings.TrimSpace(newCfg.Pools.RejectWarnEvery) {
		changed = append(changed, "pools")
		attrs = append(attrs,
			logx.String("pools.shutdown_grace", strings.TrimSpace(newCfg.Pools.ShutdownGrace)),
			logx.Int("pools.default_max_active", newCfg.Pools.DefaultMaxActive),
			logx.Int("pools.max_active_count", len(newCfg.Pools.MaxActive)),
		)
	}

	// History. Nil means disabled.
	oldH, newH := derefHistory(oldCfg.History), derefHistory(newCfg.History)
	if (oldCfg.History != nil) != (newCfg.History != nil) || !reflect.DeepEqual(oldH, newH) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Bool("history.enabled", newCfg.History != nil && newH.Enabled),
			logx.Bool("history.path_set", strings.TrimSpace(newH.Path) != ""),
			logx.String("history.retention", strings.TrimSpace(newH.Retention)),
		)
	}

	// Debug (never log token)
	oldD, newD := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	tokenFlip := (strings.TrimSpace(oldD.Token) != "") != (strings.TrimSpace(newD.Token) != "")
	oldD.Token, newD.Token = "", ""
	if (oldCfg.Debug != nil) != (newCfg.Debug != nil) || tokenFlip || !reflect.DeepEqual(oldD, newD) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug != nil && newD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug != nil && strings.TrimSpace(derefDebug(newCfg.Debug).Token) != ""),
			logx.Bool("debug.allow_insecure", newD.AllowInsecure),
		)
	}

	// Jobs (summarize only; details at debug)
	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefHistory(h *HistoryConfig) HistoryConfig {
	if h == nil {
		return HistoryConfig{}
	}
	return *h
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJ))
	for _, j := range oldJ {
		oldM[strings.TrimSpace(j.Name)] = j
	}
	newM := make(map[string]JobConfig, len(newJ))
	for _, j := range newJ {
		newM[strings.TrimSpace(j.Name)] = j
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
