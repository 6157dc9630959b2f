package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

const (
	DefaultIdleSleep     = time.Millisecond
	DefaultWaitPoll      = time.Millisecond
	DefaultDrainInterval = 100 * time.Millisecond
)

// JobSystemTimings are the resolved durations of a JobSystemConfig.
type JobSystemTimings struct {
	IdleSleep        time.Duration
	WaitPollInterval time.Duration
	DrainInterval    time.Duration
}

func (c JobSystemConfig) Timings() (JobSystemTimings, error) {
	var (
		t   JobSystemTimings
		err error
	)
	if t.IdleSleep, err = ParseDurationOrDefault("jobsystem.idle_sleep", c.IdleSleep, DefaultIdleSleep); err != nil {
		return t, err
	}
	if t.WaitPollInterval, err = ParseDurationOrDefault("jobsystem.wait_poll_interval", c.WaitPollInterval, DefaultWaitPoll); err != nil {
		return t, err
	}
	if t.DrainInterval, err = ParseDurationOrDefault("jobsystem.drain_interval", c.DrainInterval, DefaultDrainInterval); err != nil {
		return t, err
	}
	return t, nil
}
