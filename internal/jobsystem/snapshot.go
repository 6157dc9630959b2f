package jobsystem

import (
	"time"

	rtsup "jobsys/internal/runtime/supervisor"
)

// Snapshot is a point-in-time view of a System, used by the debug endpoint.
// Counts are read lock by lock, so they are individually consistent but not
// mutually so.
type Snapshot struct {
	Instance   string    `json:"instance"`
	At         time.Time `json:"at"`
	Closed     bool      `json:"closed"`
	Pending    int       `json:"pending"`
	Running    int       `json:"running"`
	Completed  int       `json:"completed"`
	LedgerSize int       `json:"ledger_size"`
	Counters   Counters  `json:"counters"`

	Workers    []WorkerInfo   `json:"workers"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

// Counters are monotonic totals since New.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Claimed   uint64 `json:"claimed"`
	Completed uint64 `json:"completed"`
	Retired   uint64 `json:"retired"`
	Faults    uint64 `json:"faults"`
}

func (s *System) Counters() Counters {
	return Counters{
		Submitted: s.submitted.Load(),
		Claimed:   s.claimed.Load(),
		Completed: s.finished.Load(),
		Retired:   s.retired.Load(),
		Faults:    s.faults.Load(),
	}
}

func (s *System) Snapshot() Snapshot {
	return Snapshot{
		Instance:   s.instance,
		At:         time.Now(),
		Closed:     s.closed.Load(),
		Pending:    s.pending.len(),
		Running:    s.running.len(),
		Completed:  s.completed.len(),
		LedgerSize: s.ledger.size(),
		Counters:   s.Counters(),
		Workers:    s.Workers(),
		Supervisor: s.sup.Snapshot(),
	}
}
