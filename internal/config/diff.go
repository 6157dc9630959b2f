package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsys/pkg/logx"
)

// LogxConfig converts the logging section for logx.Service.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

// WorkerDiff is the reconciliation plan between two worker sets.
type WorkerDiff struct {
	Added   []WorkerConfig
	Removed []string
	// Remasked holds workers present in both sets whose lanes changed.
	Remasked []WorkerConfig
}

func (d WorkerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Remasked) == 0
}

// DiffWorkers compares worker sets by trimmed name. Output slices are sorted by name.
func DiffWorkers(oldW, newW []WorkerConfig) WorkerDiff {
	index := func(ws []WorkerConfig) map[string]WorkerConfig {
		m := make(map[string]WorkerConfig, len(ws))
		for _, w := range ws {
			w.Name = strings.TrimSpace(w.Name)
			m[w.Name] = w
		}
		return m
	}
	om, nm := index(oldW), index(newW)

	var d WorkerDiff
	for name, w := range nm {
		o, ok := om[name]
		switch {
		case !ok:
			d.Added = append(d.Added, w)
		case o.Mask() != w.Mask():
			d.Remasked = append(d.Remasked, w)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	byName := func(ws []WorkerConfig) {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Name < ws[j].Name })
	}
	byName(d.Added)
	byName(d.Remasked)
	sort.Strings(d.Removed)
	return d
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.JobSystem != newCfg.JobSystem {
		changed = append(changed, "jobsystem")
		attrs = append(attrs,
			logx.String("jobsystem.idle_sleep", strings.TrimSpace(newCfg.JobSystem.IdleSleep)),
			logx.String("jobsystem.wait_poll_interval", strings.TrimSpace(newCfg.JobSystem.WaitPollInterval)),
			logx.String("jobsystem.drain_interval", strings.TrimSpace(newCfg.JobSystem.DrainInterval)),
			logx.Bool("jobsystem.strict_consistency", newCfg.JobSystem.StrictConsistency),
		)
	}

	if wd := DiffWorkers(oldCfg.Workers, newCfg.Workers); !wd.Empty() {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.count", len(newCfg.Workers)),
			logx.Int("workers.added", len(wd.Added)),
			logx.Int("workers.removed", len(wd.Removed)),
			logx.Int("workers.remasked", len(wd.Remasked)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.enabled", newCfg.Triggers.Enabled),
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)),
			logx.Int("triggers.count", len(newCfg.Triggers.Entries)),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Never log the token itself.
	od, nd := oldCfg.Debug, newCfg.Debug
	tokenChanged := (strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "")
	od.Token, nd.Token = "", ""
	if od != nd || tokenChanged {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
