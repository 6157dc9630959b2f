package jobsystem

import (
	"time"

	"jobsys/internal/eventbus"
	logx "jobsys/pkg/logx"
)

const (
	defaultIdleSleep     = time.Millisecond
	defaultWaitPoll      = time.Millisecond
	defaultLedgerReserve = 256 * 1024
)

// Config controls a System.
type Config struct {
	// IdleSleep is how long a worker sleeps after a claim attempt finds nothing.
	IdleSleep time.Duration
	// WaitPollInterval is the sleep between status checks in WaitForJob.
	WaitPollInterval time.Duration
	// LedgerReserve pre-sizes the ledger. Negative disables the reservation.
	LedgerReserve int
	// StrictConsistency panics on internal bookkeeping faults instead of logging
	// and dropping the offending report. Meant for development and tests.
	StrictConsistency bool
}

func (c Config) withDefaults() Config {
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = defaultWaitPoll
	}
	if c.LedgerReserve == 0 {
		c.LedgerReserve = defaultLedgerReserve
	}
	if c.LedgerReserve < 0 {
		c.LedgerReserve = 0
	}
	return c
}

type Option func(*System)

func WithLogger(log logx.Logger) Option {
	return func(s *System) { s.log = log }
}

// WithBus publishes job and worker lifecycle events on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *System) { s.bus = bus }
}

// WithInstanceID overrides the random instance id reported in snapshots.
func WithInstanceID(id string) Option {
	return func(s *System) { s.instance = id }
}
