package app

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"jobsys/internal/config"
	"jobsys/internal/jobsystem"
	"jobsys/internal/trigger"
	logx "jobsys/pkg/logx"
)

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break coalesce
				}
			}
			if newCfg != nil {
				a.applyConfig(c, newCfg)
			}
		}
	}
}

// applyConfig reconciles the running app with newCfg. Sections that cannot
// change live (storage, System timings) only log a warning.
func (a *App) applyConfig(c context.Context, newCfg *config.Config) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	if c.Err() != nil {
		return
	}

	prev := a.applied
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) > 0 {
		a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	a.applied = newCfg

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "jobsystem":
			if restartOnly(prev.JobSystem, newCfg.JobSystem) {
				a.log.Warn("jobsystem timings changed; restart required except for drain_interval")
			}
		}
	}

	a.logs.Apply(newCfg.Logging.LogxConfig())

	if _, drain, err := mapJobSystemConfig(newCfg); err != nil {
		a.log.Warn("invalid jobsystem config; keeping previous", logx.Err(err))
	} else {
		a.drainEvery.Store(int64(drain))
	}

	a.reconcileWorkers(effectiveWorkers(prev), effectiveWorkers(newCfg))

	a.sched.Apply(mapTriggerConfig(newCfg))
	a.syncTriggersLocked(newCfg)

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dcfg)
	}

	a.notifyStatus()

	// Keep the final log line concise and human-friendly (details are in debug logs).
	if len(sections) > 0 {
		a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func restartOnly(a, b config.JobSystemConfig) bool {
	a.DrainInterval, b.DrainInterval = "", ""
	return a != b
}

// reconcileWorkers creates added workers, destroys removed ones and remasks the
// rest. Destroying waits for the worker's in-flight job.
func (a *App) reconcileWorkers(oldW, newW []config.WorkerConfig) {
	diff := config.DiffWorkers(oldW, newW)
	if diff.Empty() {
		return
	}
	for _, name := range diff.Removed {
		start := time.Now()
		if err := a.sys.DestroyWorker(name); err != nil {
			a.log.Warn("worker destroy failed", logx.String("worker", name), logx.Err(err))
			continue
		}
		a.log.Info("worker removed via config", logx.String("worker", name), logx.Duration("join", time.Since(start)))
	}
	for _, w := range diff.Remasked {
		if err := a.sys.SetWorkerChannels(w.Name, jobsystem.Channels(w.Mask())); err != nil {
			a.log.Warn("worker remask failed", logx.String("worker", w.Name), logx.Err(err))
			continue
		}
		a.log.Info("worker channels changed via config", logx.String("worker", w.Name), logx.String("channels", config.FormatChannels(w.Mask())))
	}
	for _, w := range diff.Added {
		err := a.sys.CreateWorker(w.Name, jobsystem.Channels(w.Mask()))
		if errors.Is(err, jobsystem.ErrDuplicateWorker) {
			// A name can reappear before an earlier destroy was observed.
			err = a.sys.SetWorkerChannels(w.Name, jobsystem.Channels(w.Mask()))
		}
		if err != nil {
			a.log.Warn("worker create failed", logx.String("worker", w.Name), logx.Err(err))
			continue
		}
		a.log.Info("worker added via config", logx.String("worker", w.Name), logx.String("channels", config.FormatChannels(w.Mask())))
	}
}

// syncTriggersLocked registers config-defined triggers, replacing changed ones
// and removing ones no longer listed. Unchanged triggers keep their counters.
func (a *App) syncTriggersLocked(cfg *config.Config) {
	want := make(map[string]config.TriggerConfig, len(cfg.Triggers.Entries))
	for _, tc := range cfg.Triggers.Entries {
		tc.Name = strings.TrimSpace(tc.Name)
		want[tc.Name] = tc
	}
	for name := range a.triggers {
		if _, ok := want[name]; !ok {
			a.sched.Remove(name)
			delete(a.triggers, name)
			a.log.Info("trigger removed", logx.String("name", name))
		}
	}
	for name, tc := range want {
		if old, ok := a.triggers[name]; ok && reflect.DeepEqual(old, tc) {
			continue
		}
		factory, err := a.registry.Factory(tc.Kind, triggerLanes(tc), tc.Params)
		if err == nil {
			err = a.sched.Add(name, tc.Schedule, trigger.Factory(factory))
		}
		if err != nil {
			a.log.Warn("trigger rejected", logx.String("name", name), logx.Err(err))
			continue
		}
		a.triggers[name] = tc
		a.log.Debug("trigger registered", logx.String("name", name), logx.String("kind", tc.Kind), logx.String("schedule", tc.Schedule))
	}
}
