package jobsystem

import (
	"context"
	"fmt"
	"time"
)

// JobID is the ledger index assigned at submission. IDs start at 0, grow by one per
// submission and are never reused.
type JobID int64

// Channels is a bit set of worker lanes. A job may run on a worker when the two
// sets share at least one bit.
type Channels uint64

// AllChannels is the universal "accept any" mask.
const AllChannels Channels = ^Channels(0)

// Overlaps reports whether c and other share a lane.
func (c Channels) Overlaps(other Channels) bool { return c&other != 0 }

func (c Channels) String() string {
	if c == AllChannels {
		return "all"
	}
	return fmt.Sprintf("0x%x", uint64(c))
}

// Status is a job's position in its lifecycle. Transitions only move forward,
// one step at a time.
type Status int

const (
	// StatusNeverSeen is implied for ids that were never issued; it is never stored.
	StatusNeverSeen Status = iota
	StatusQueued
	StatusRunning
	StatusCompleted
	StatusRetired
)

func (s Status) String() string {
	switch s {
	case StatusNeverSeen:
		return "never_seen"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusRetired:
		return "retired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// HistoryEntry is one ledger row.
type HistoryEntry struct {
	Type   int    `json:"type"`
	Status Status `json:"status"`
}

// Job is a unit of work handed to the System.
//
// After Submit the System owns the job: the submitter must not call its methods
// or mutate it. Execute runs exactly once on a worker goroutine; OnCompletion runs
// exactly once on whichever goroutine drains it (DrainCompleted or WaitForJob)
// and receives Execute's result.
type Job interface {
	Type() int
	Channels() Channels
	Execute(ctx context.Context) error
	OnCompletion(err error)
}

// Func adapts plain functions to Job.
//
// A zero Lanes value means AllChannels.
type Func struct {
	Kind  int
	Lanes Channels
	Run   func(ctx context.Context) error
	Done  func(err error)
}

func (f *Func) Type() int { return f.Kind }

func (f *Func) Channels() Channels {
	if f.Lanes == 0 {
		return AllChannels
	}
	return f.Lanes
}

func (f *Func) Execute(ctx context.Context) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx)
}

func (f *Func) OnCompletion(err error) {
	if f.Done != nil {
		f.Done(err)
	}
}

// record is the System's handle for a submitted job. Exactly one queue (or one
// draining goroutine) holds it at a time; job is cleared once the job retires.
type record struct {
	id    JobID
	typ   int
	lanes Channels
	job   Job

	worker      string
	err         error
	submittedAt time.Time
	claimedAt   time.Time
	completedAt time.Time
}

// Event payload published on the bus for job lifecycle changes.
type JobEvent struct {
	ID         JobID         `json:"id"`
	Type       int           `json:"type"`
	Channels   Channels      `json:"channels"`
	Status     Status        `json:"status"`
	Worker     string        `json:"worker,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// WorkerEvent payload published on the bus for worker lifecycle changes.
type WorkerEvent struct {
	Name     string   `json:"name"`
	Channels Channels `json:"channels"`
	Executed uint64   `json:"executed"`
}

const (
	EventJobQueued     = "job.queued"
	EventJobClaimed    = "job.claimed"
	EventJobCompleted  = "job.completed"
	EventJobRetired    = "job.retired"
	EventWorkerStarted = "worker.started"
	EventWorkerStopped = "worker.stopped"
)

type ctxKey int

const (
	ctxKeyJob ctxKey = iota
	ctxKeyWorker
)

// JobIDFromContext returns the id of the job whose Execute received ctx.
func JobIDFromContext(ctx context.Context) (JobID, bool) {
	id, ok := ctx.Value(ctxKeyJob).(JobID)
	return id, ok
}

// WorkerFromContext returns the name of the worker executing the job that received ctx.
func WorkerFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ctxKeyWorker).(string)
	return name, ok
}
