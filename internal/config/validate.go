package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "jobsys/pkg/logx"
)

// Validate checks cross-field rules that decoding alone cannot enforce. It
// reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.alerts.min_level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if _, err := cfg.JobSystem.Timings(); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]struct{}{}
	for i, w := range cfg.Workers {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("workers[%d].name: required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("workers[%d].name: duplicate %q", i, name))
		}
		seen[name] = struct{}{}
		if w.Channels != nil && *w.Channels == 0 {
			errs = append(errs, fmt.Errorf("workers[%d].channels: selects no lanes", i))
		}
	}

	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("triggers.timezone: %w", err))
		}
	}
	seen = map[string]struct{}{}
	for i, t := range cfg.Triggers.Entries {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("triggers.entries[%d].name: required", i))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("triggers.entries[%d].name: duplicate %q", i, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("triggers.entries[%d].schedule: required", i))
		}
		if strings.TrimSpace(t.Kind) == "" {
			errs = append(errs, fmt.Errorf("triggers.entries[%d].kind: required", i))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "disabled", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.MaxRows < 0 {
			errs = append(errs, errors.New("storage.max_rows: must be >= 0"))
		}
	}

	d := cfg.Debug
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", d.ReadTimeout},
		{"debug.write_timeout", d.WriteTimeout},
		{"debug.idle_timeout", d.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
