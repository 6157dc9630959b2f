package app

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"jobsys/internal/config"
	"jobsys/internal/jobsystem"
	"jobsys/internal/observability/debugsrv"
	"jobsys/internal/storage"
	"jobsys/internal/trigger"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" || driver == "disabled" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxRows: sc.MaxRows}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapJobSystemConfig also returns the drain interval, which belongs to the app
// rather than the System.
func mapJobSystemConfig(cfg *config.Config) (jobsystem.Config, time.Duration, error) {
	t, err := cfg.JobSystem.Timings()
	if err != nil {
		return jobsystem.Config{}, 0, err
	}
	return jobsystem.Config{
		IdleSleep:         t.IdleSleep,
		WaitPollInterval:  t.WaitPollInterval,
		LedgerReserve:     cfg.JobSystem.LedgerReserve,
		StrictConsistency: cfg.JobSystem.StrictConsistency,
	}, t.DrainInterval, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// 0 keeps /pprof/profile usable.
	write, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Enabled: cfg.Triggers.Enabled, Timezone: strings.TrimSpace(cfg.Triggers.Timezone)}
}

// effectiveWorkers is the configured worker set, or one all-lane worker per CPU
// when none is configured.
func effectiveWorkers(cfg *config.Config) []config.WorkerConfig {
	if cfg != nil && len(cfg.Workers) > 0 {
		return cfg.Workers
	}
	n := runtime.NumCPU()
	out := make([]config.WorkerConfig, n)
	for i := range out {
		out[i] = config.WorkerConfig{Name: fmt.Sprintf("worker-%d", i)}
	}
	return out
}

func triggerLanes(tc config.TriggerConfig) jobsystem.Channels {
	if tc.Channels == nil {
		return jobsystem.AllChannels
	}
	return jobsystem.Channels(*tc.Channels)
}
