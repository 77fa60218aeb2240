package app

import (
	"context"
	"strings"

	"planpal/internal/config"
	logx "planpal/pkg/logx"
)

// reloadLoop applies hot-reloadable sections. Storage, generator and
// planner settings are bound at startup.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed := changedSections(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range changed {
		switch s {
		case "storage", "generator", "planner", "http":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	logCfg := mapLogConfig(next)
	if strings.TrimSpace(a.opts.LogLevel) != "" {
		logCfg.Level = a.opts.LogLevel
	}
	a.logs.Apply(logCfg)

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	engCfg, err := mapEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg = a.engine.Config()
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if sc, err := mapSchedulerConfig(next, engCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}

// changedSections lists the top-level sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return []string{"all"}
	}
	var out []string
	add := func(name string, a, b any) {
		if metaJSON(a) != metaJSON(b) {
			out = append(out, name)
		}
	}
	add("logging", prev.Logging, next.Logging)
	add("http", prev.HTTP, next.HTTP)
	add("storage", prev.Storage, next.Storage)
	add("generator", prev.Generator, next.Generator)
	add("notifier", prev.Notifier, next.Notifier)
	add("task_engine", prev.TaskEngine, next.TaskEngine)
	add("scheduler", prev.Scheduler, next.Scheduler)
	add("planner", prev.Planner, next.Planner)
	add("pprof", prev.Pprof, next.Pprof)
	return out
}
