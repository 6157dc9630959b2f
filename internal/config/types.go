package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	JobSystem JobSystemConfig `json:"jobsystem"`

	// Workers is the desired worker set. On reload the running set is reconciled
	// against it by name.
	Workers []WorkerConfig `json:"workers"`

	Triggers TriggersConfig `json:"triggers"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

// JobSystemConfig controls the dispatcher.
//
// All durations are Go duration strings (e.g. "500us", "1ms", "250ms").
//
// Defaults (when fields are omitted/zero):
//   - idle_sleep: "1ms"
//   - wait_poll_interval: "1ms"
//   - ledger_reserve: 262144 (negative disables the reservation)
//   - drain_interval: "100ms"
type JobSystemConfig struct {
	IdleSleep         string `json:"idle_sleep,omitempty"`
	WaitPollInterval  string `json:"wait_poll_interval,omitempty"`
	LedgerReserve     int    `json:"ledger_reserve,omitempty"`
	StrictConsistency bool   `json:"strict_consistency,omitempty"`

	// DrainInterval is how often the daemon runs completion callbacks for
	// finished jobs.
	DrainInterval string `json:"drain_interval,omitempty"`
}

// WorkerConfig declares one worker. Omitted channels means every lane.
//
// Example (YAML):
//
//	workers:
//	  - name: io
//	    channels: "0b01"
//	  - name: any
type WorkerConfig struct {
	Name     string       `json:"name"`
	Channels *ChannelMask `json:"channels,omitempty"`
}

// Mask returns the worker's lanes, defaulting to all of them.
func (w WorkerConfig) Mask() uint64 {
	if w.Channels == nil {
		return AllChannels
	}
	return uint64(*w.Channels)
}

// TriggersConfig controls cron-driven submissions.
type TriggersConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name (e.g. "Asia/Jakarta"). Empty means local time.
	Timezone string          `json:"timezone,omitempty"`
	Entries  []TriggerConfig `json:"entries,omitempty"`
}

// TriggerConfig submits one job of Kind every time Schedule fires.
//
// Schedule accepts cron expressions with an optional seconds field and
// descriptors such as "@every 10s" or "@hourly".
type TriggerConfig struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Kind     string          `json:"kind"`
	Channels *ChannelMask    `json:"channels,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// StorageConfig controls the retirement archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsys.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// MaxRows caps the sqlite archive; older rows are pruned. 0 keeps everything.
	MaxRows int `json:"max_rows,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof plus job system
// snapshots).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors warn+ lines to stderr behind a rate limit.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AllChannels is the mask with every lane set.
const AllChannels = ^uint64(0)

// ChannelMask is a lane bitmask that decodes from a JSON number or from a string
// accepted by ParseChannels.
type ChannelMask uint64

func (c *ChannelMask) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	v, err := ParseChannels(s)
	if err != nil {
		return err
	}
	*c = ChannelMask(v)
	return nil
}

func (c ChannelMask) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(FormatChannels(uint64(c)))), nil
}

// ParseChannels parses "all", "0b0101", "0x3", "0o7" or a decimal number. Lanes
// must be non-empty.
func ParseChannels(raw string) (uint64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return 0, fmt.Errorf("channels: empty mask")
	}
	if s == "all" || s == "*" {
		return AllChannels, nil
	}

	base := 10
	switch {
	case strings.HasPrefix(s, "0b"):
		base, s = 2, s[2:]
	case strings.HasPrefix(s, "0x"):
		base, s = 16, s[2:]
	case strings.HasPrefix(s, "0o"):
		base, s = 8, s[2:]
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("channels: invalid mask %q", raw)
	}
	if v == 0 {
		return 0, fmt.Errorf("channels: mask %q selects no lanes", raw)
	}
	return v, nil
}

func FormatChannels(v uint64) string {
	if v == AllChannels {
		return "all"
	}
	return "0x" + strconv.FormatUint(v, 16)
}
