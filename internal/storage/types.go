package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty, "none" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRows     int           // sqlite only; 0 keeps everything
}

// Retirement records one job leaving the system.
// Keep it compact and schema-stable.
type Retirement struct {
	At           time.Time `json:"at"`
	Instance     string    `json:"instance"`
	JobID        int64     `json:"job_id"`
	Type         int       `json:"type"`
	Channels     uint64    `json:"channels"`
	Worker       string    `json:"worker,omitempty"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	RunMS        int64     `json:"run_ms"`
	Error        string    `json:"error,omitempty"`
}
