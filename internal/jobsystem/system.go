package jobsystem

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jobsys/internal/eventbus"
	rtsup "jobsys/internal/runtime/supervisor"
	logx "jobsys/pkg/logx"
)

// System is the job dispatcher: it owns the ledger, the pending/running/completed
// queues and the worker registry.
//
// Lock order, everywhere: pending → running → completed → ledger. The registry
// lock (wmu) is never held together with a queue lock.
type System struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	instance string

	pending   jobQueue
	running   jobQueue
	completed jobQueue
	ledger    ledger

	wmu     sync.Mutex
	workers map[string]*Worker
	closed  atomic.Bool

	sup *rtsup.Supervisor

	// closeMu serializes Close. closing holds the workers a timed out Close
	// has not joined yet; closeDone is set once teardown has finished.
	closeMu   sync.Mutex
	closing   []*Worker
	closeN    int
	closeDone bool

	submitted atomic.Uint64
	claimed   atomic.Uint64
	finished  atomic.Uint64
	retired   atomic.Uint64
	faults    atomic.Uint64
}

// New creates an empty System with no workers.
func New(cfg Config, opts ...Option) *System {
	s := &System{
		cfg:     cfg.withDefaults(),
		workers: map[string]*Worker{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.instance == "" {
		s.instance = uuid.NewString()
	}
	s.ledger.entries = make([]HistoryEntry, 0, s.cfg.LedgerReserve)
	s.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(s.log.With(logx.String("comp", "jobsystem.sup"))),
		// A crashed worker loop must not take the others down.
		rtsup.WithCancelOnError(false),
	)
	return s
}

// Instance returns the id used to tell Systems apart in logs and snapshots.
func (s *System) Instance() string { return s.instance }

// Submit hands job to the System and returns its id. It never waits for execution.
func (s *System) Submit(job Job) (JobID, error) {
	if job == nil {
		return 0, ErrNilJob
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	lanes := job.Channels()
	if lanes == 0 {
		return 0, ErrNoChannels
	}
	rec := &record{typ: job.Type(), lanes: lanes, job: job, submittedAt: time.Now()}

	s.pending.mu.Lock()
	s.ledger.mu.Lock()
	id := s.ledger.appendLocked(rec.typ)
	rec.id = id
	ev := eventFor(rec, StatusQueued)
	s.pending.pushLocked(rec)
	s.ledger.mu.Unlock()
	s.pending.mu.Unlock()

	s.submitted.Add(1)
	s.log.Trace("job.queued", logx.Int64("job", int64(id)), logx.Int("type", ev.Type), logx.String("channels", lanes.String()))
	s.publish(EventJobQueued, ev)
	return id, nil
}

// claim moves the earliest pending record whose lanes overlap mask into running.
// It returns nil without blocking when nothing matches.
func (s *System) claim(mask Channels, worker string) *record {
	s.pending.mu.Lock()
	if len(s.pending.items) == 0 {
		s.pending.mu.Unlock()
		return nil
	}
	s.running.mu.Lock()
	rec, at := s.pending.takeFirstLocked(func(r *record) bool { return r.lanes.Overlaps(mask) })
	if rec != nil {
		s.ledger.mu.Lock()
		ok := s.ledger.advanceLocked(rec.id, StatusQueued, StatusRunning)
		s.ledger.mu.Unlock()
		if !ok {
			// Leave it claimable; the fault below is the signal.
			s.pending.insertAtLocked(at, rec)
			s.running.mu.Unlock()
			s.pending.mu.Unlock()
			s.fault("claimed job was not queued in the ledger", rec.id)
			return nil
		}
		rec.worker = worker
		rec.claimedAt = time.Now()
		s.running.pushLocked(rec)
	}
	s.running.mu.Unlock()
	s.pending.mu.Unlock()

	if rec != nil {
		// The claiming worker is now the only goroutine touching rec.
		s.claimed.Add(1)
		s.publish(EventJobClaimed, eventFor(rec, StatusRunning))
	}
	return rec
}

// reportCompletion moves rec from running to completed once its Execute returned.
func (s *System) reportCompletion(rec *record, err error) {
	s.running.mu.Lock()
	s.completed.mu.Lock()
	if !s.running.removeLocked(rec) {
		s.completed.mu.Unlock()
		s.running.mu.Unlock()
		s.fault("completion reported for a job that is not running", rec.id)
		return
	}
	rec.err = err
	rec.completedAt = time.Now()
	s.ledger.mu.Lock()
	ok := s.ledger.advanceLocked(rec.id, StatusRunning, StatusCompleted)
	s.ledger.mu.Unlock()
	ev := eventFor(rec, StatusCompleted)
	s.completed.pushLocked(rec)
	s.completed.mu.Unlock()
	s.running.mu.Unlock()

	if !ok {
		s.fault("completed job was not running in the ledger", ev.ID)
	}
	s.finished.Add(1)
	s.publish(EventJobCompleted, ev)
}

// DrainCompleted runs the completion callback of every completed job, retires it
// and releases it. Jobs completing while the drain runs wait for the next call.
// It returns the number of jobs retired.
func (s *System) DrainCompleted() int {
	s.completed.mu.Lock()
	batch := s.completed.swapLocked()
	s.completed.mu.Unlock()

	for _, rec := range batch {
		s.retire(rec)
	}
	return len(batch)
}

// WaitForJob blocks until job id completes, then runs its completion callback and
// retires it. It polls every Config.WaitPollInterval.
//
// It fails with ErrUnknownJob for ids never issued, ErrJobRetired for ids already
// drained, ErrWaitInWorker when called from inside a job, and ctx.Err() if ctx ends
// first.
func (s *System) WaitForJob(ctx context.Context, id JobID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w, ok := WorkerFromContext(ctx); ok {
		return fmt.Errorf("%w (worker %s, job %d)", ErrWaitInWorker, w, id)
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		switch st := s.Status(id); st {
		case StatusNeverSeen:
			s.log.Warn("wait on unknown job", logx.Int64("job", int64(id)))
			return fmt.Errorf("%w: job %d", ErrUnknownJob, id)
		case StatusRetired:
			s.log.Warn("wait on retired job", logx.Int64("job", int64(id)))
			return fmt.Errorf("%w: job %d", ErrJobRetired, id)
		case StatusCompleted:
			s.completed.mu.Lock()
			rec := s.completed.takeIDLocked(id)
			s.completed.mu.Unlock()
			if rec != nil {
				s.retire(rec)
				return nil
			}
			// A concurrent drain owns it; the next poll will see it retired.
		}

		if timer == nil {
			timer = time.NewTimer(s.cfg.WaitPollInterval)
		} else {
			timer.Reset(s.cfg.WaitPollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retire runs the completion callback and marks the job retired. The caller owns rec
// exclusively (it was removed from completed).
func (s *System) retire(rec *record) {
	s.callCompletion(rec)

	s.ledger.mu.Lock()
	ok := s.ledger.advanceLocked(rec.id, StatusCompleted, StatusRetired)
	s.ledger.mu.Unlock()
	if !ok {
		s.fault("retired job was not completed in the ledger", rec.id)
	}

	s.retired.Add(1)
	s.publish(EventJobRetired, eventFor(rec, StatusRetired))
	rec.job = nil
}

func (s *System) callCompletion(rec *record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job.completion_panic", logx.Int64("job", int64(rec.id)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if rec.job != nil {
		rec.job.OnCompletion(rec.err)
	}
}

// Status returns the ledger status of id. Ids never issued report StatusNeverSeen.
func (s *System) Status(id JobID) Status {
	e, ok := s.ledger.get(id)
	if !ok {
		return StatusNeverSeen
	}
	return e.Status
}

// IsComplete reports whether id finished executing and has not been drained yet.
func (s *System) IsComplete(id JobID) bool {
	return s.Status(id) == StatusCompleted
}

// History returns the ledger entry for id.
func (s *System) History(id JobID) (HistoryEntry, bool) {
	return s.ledger.get(id)
}

// Close stops every worker, waits for in-flight jobs to finish, and then releases
// queues and ledger. Jobs still pending or undrained are dropped without callbacks.
// If ctx ends before all workers exit, Close returns ctx.Err() and keeps state intact
// so the stragglers can still report; a later Close picks up where it stopped.
func (s *System) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeDone {
		return nil
	}

	if !s.closed.Load() {
		s.wmu.Lock()
		s.closed.Store(true)
		ws := make([]*Worker, 0, len(s.workers))
		for _, w := range s.workers {
			ws = append(ws, w)
		}
		s.workers = map[string]*Worker{}
		s.wmu.Unlock()

		// Signal everyone first so they wind down in parallel.
		for _, w := range ws {
			w.shutDown()
		}
		s.closing = ws
		s.closeN = len(ws)
	}

	var (
		g      errgroup.Group
		leftMu sync.Mutex
		left   []*Worker
	)
	for _, w := range s.closing {
		w := w
		g.Go(func() error {
			if err := w.join(ctx); err != nil {
				leftMu.Lock()
				left = append(left, w)
				leftMu.Unlock()
				return err
			}
			s.publishWorker(EventWorkerStopped, w)
			return nil
		})
	}
	err := g.Wait()
	s.closing = left
	if err != nil {
		s.log.Warn("jobsystem close timed out waiting for workers", logx.Err(err), logx.Int("remaining", len(left)))
		return err
	}
	if err := s.sup.Stop(ctx); err != nil {
		s.log.Warn("jobsystem supervisor stop", logx.Err(err))
	}

	dropped := s.releaseQueues()
	s.ledger.release()
	s.closeDone = true
	s.log.Info("jobsystem closed",
		logx.Int("workers", s.closeN),
		logx.Int("dropped", dropped),
		logx.Uint64("submitted", s.submitted.Load()),
		logx.Uint64("retired", s.retired.Load()),
	)
	return nil
}

func (s *System) releaseQueues() int {
	n := 0
	for _, q := range []*jobQueue{&s.pending, &s.running, &s.completed} {
		q.mu.Lock()
		for _, r := range q.swapLocked() {
			r.job = nil
			n++
		}
		q.mu.Unlock()
	}
	return n
}

// fault handles internal bookkeeping violations: a panic in strict mode, an
// error log otherwise.
func (s *System) fault(msg string, id JobID) {
	s.faults.Add(1)
	if s.cfg.StrictConsistency {
		panic(fmt.Sprintf("jobsystem: %s (job %d)", msg, id))
	}
	s.log.Error("jobsystem.consistency_fault", logx.String("fault", msg), logx.Int64("job", int64(id)))
}

// eventFor snapshots rec; call it while rec cannot be touched by another goroutine.
func eventFor(rec *record, st Status) JobEvent {
	ev := JobEvent{ID: rec.id, Type: rec.typ, Channels: rec.lanes, Status: st, Worker: rec.worker}
	if !rec.claimedAt.IsZero() {
		ev.QueueDelay = rec.claimedAt.Sub(rec.submittedAt)
	}
	if !rec.completedAt.IsZero() {
		ev.Duration = rec.completedAt.Sub(rec.claimedAt)
	}
	if rec.err != nil {
		ev.Error = rec.err.Error()
	}
	return ev
}

func (s *System) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *System) publishWorker(typ string, w *Worker) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: WorkerEvent{Name: w.name, Channels: w.Channels(), Executed: w.executed.Load()}})
}
