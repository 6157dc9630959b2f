package jobsystem

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "jobsys/pkg/logx"
)

// WorkerState is a worker's lifecycle position.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerJoined
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerJoined:
		return "joined"
	default:
		return fmt.Sprintf("worker_state(%d)", int32(s))
	}
}

// Worker is a long-lived goroutine that claims and executes jobs whose lanes
// overlap its own mask. Workers are created and destroyed through the System.
type Worker struct {
	name string
	sys  *System
	log  logx.Logger

	lanes atomic.Uint64
	state atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	executed atomic.Uint64
	lastJob  atomic.Int64
}

// WorkerInfo is a point-in-time view of a worker for diagnostics.
type WorkerInfo struct {
	Name     string      `json:"name"`
	Channels Channels    `json:"channels"`
	State    WorkerState `json:"state"`
	Executed uint64      `json:"executed"`
	LastJob  JobID       `json:"last_job"`
}

func newWorker(sys *System, name string, lanes Channels) *Worker {
	w := &Worker{
		name:   name,
		sys:    sys,
		log:    sys.log.With(logx.String("comp", "worker"), logx.String("worker", name)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.lanes.Store(uint64(lanes))
	w.lastJob.Store(-1)
	return w
}

func (w *Worker) Name() string { return w.name }

// Channels returns the mask used for the next claim.
func (w *Worker) Channels() Channels { return Channels(w.lanes.Load()) }

// SetChannels changes the mask. A job already executing is unaffected; the new
// mask applies from the next claim attempt.
func (w *Worker) SetChannels(c Channels) { w.lanes.Store(uint64(c)) }

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		Name:     w.name,
		Channels: w.Channels(),
		State:    w.State(),
		Executed: w.executed.Load(),
		LastJob:  JobID(w.lastJob.Load()),
	}
}

// startUp launches the loop under the System's supervisor.
func (w *Worker) startUp() {
	if !w.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerRunning)) {
		return
	}
	w.sys.sup.Go0("worker."+w.name, w.work)
}

// shutDown asks the loop to exit after the current job, if any. It does not wait.
func (w *Worker) shutDown() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopping))
		close(w.stopCh)
	})
}

func (w *Worker) isStopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// join blocks until the loop has exited or ctx ends. A worker that never
// started joins immediately.
func (w *Worker) join(ctx context.Context) error {
	if w.State() == WorkerCreated {
		w.state.Store(int32(WorkerJoined))
		return nil
	}
	select {
	case <-w.done:
		w.state.Store(int32(WorkerJoined))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s: %w", w.name, ctx.Err())
	}
}

func (w *Worker) work(ctx context.Context) {
	defer close(w.done)

	idle := time.NewTimer(w.sys.cfg.IdleSleep)
	defer idle.Stop()

	w.log.Debug("worker.started", logx.String("channels", w.Channels().String()))
	for !w.isStopping() {
		if rec := w.sys.claim(w.Channels(), w.name); rec != nil {
			w.execute(ctx, rec)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.sys.cfg.IdleSleep)
		select {
		case <-w.stopCh:
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
	w.log.Debug("worker.stopped", logx.Uint64("executed", w.executed.Load()))
}

// execute runs one claimed job on this goroutine and reports it back, whatever
// Execute did (including panicking).
func (w *Worker) execute(ctx context.Context, rec *record) {
	w.lastJob.Store(int64(rec.id))
	jctx := context.WithValue(ctx, ctxKeyJob, rec.id)
	jctx = context.WithValue(jctx, ctxKeyWorker, w.name)

	start := time.Now()
	err := w.run(jctx, rec)
	dur := time.Since(start)
	w.executed.Add(1)

	if err != nil {
		w.log.Warn("job.failed", logx.Int64("job", int64(rec.id)), logx.Int("type", rec.typ), logx.Duration("dur", dur), logx.Err(err))
	} else {
		w.log.Trace("job.executed", logx.Int64("job", int64(rec.id)), logx.Int("type", rec.typ), logx.Duration("dur", dur))
	}
	w.sys.reportCompletion(rec, err)
}

func (w *Worker) run(ctx context.Context, rec *record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			w.log.Error("job.panic", logx.Int64("job", int64(rec.id)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return rec.job.Execute(ctx)
}

// CreateWorker registers a worker under name and starts it.
func (s *System) CreateWorker(name string, lanes Channels) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidWorkerName
	}

	s.wmu.Lock()
	if s.closed.Load() {
		s.wmu.Unlock()
		return ErrClosed
	}
	if _, ok := s.workers[name]; ok {
		s.wmu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, name)
	}
	w := newWorker(s, name, lanes)
	s.workers[name] = w
	w.startUp()
	s.wmu.Unlock()

	s.log.Info("worker created", logx.String("worker", name), logx.String("channels", lanes.String()))
	s.publishWorker(EventWorkerStarted, w)
	return nil
}

// DestroyWorker unregisters the named worker, stops it and waits for it to exit.
// If the worker is executing a job, DestroyWorker returns after that job has been
// reported complete. It must not be called from inside a job run by that worker.
func (s *System) DestroyWorker(name string) error {
	name = strings.TrimSpace(name)

	s.wmu.Lock()
	w, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.wmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}

	w.shutDown()
	_ = w.join(context.Background())
	s.log.Info("worker destroyed", logx.String("worker", name), logx.Uint64("executed", w.executed.Load()))
	s.publishWorker(EventWorkerStopped, w)
	return nil
}

// SetWorkerChannels changes a registered worker's mask.
func (s *System) SetWorkerChannels(name string, lanes Channels) error {
	s.wmu.Lock()
	w, ok := s.workers[strings.TrimSpace(name)]
	s.wmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	prev := w.Channels()
	w.SetChannels(lanes)
	if prev != lanes {
		s.log.Info("worker channels changed", logx.String("worker", w.name), logx.String("from", prev.String()), logx.String("to", lanes.String()))
	}
	return nil
}

// Workers lists registered workers sorted by name.
func (s *System) Workers() []WorkerInfo {
	s.wmu.Lock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.info())
	}
	s.wmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
