package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobsys/internal/config"
	"jobsys/internal/eventbus"
	"jobsys/internal/jobs"
	"jobsys/internal/jobsystem"
	"jobsys/internal/observability/debugsrv"
	rtsup "jobsys/internal/runtime/supervisor"
	"jobsys/internal/storage"
	"jobsys/internal/trigger"
	logx "jobsys/pkg/logx"
)

// App wires the job system daemon: logging, event bus, archive storage, the
// System and its workers, cron triggers and the debug server.
type App struct {
	cfgPath  string
	instance string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sys      *jobsystem.System
	registry *jobs.Registry
	sched    *trigger.Service
	debug    *debugsrv.Service
	notify   notifier

	drainEvery atomic.Int64

	// applyMu serializes reloads, and fences them off from Stop.
	applyMu  sync.Mutex
	applied  *config.Config
	triggers map[string]config.TriggerConfig

	archived atomic.Uint64
	stopOnce sync.Once

	outcomeMu sync.Mutex
	outcomes  map[string]KindCounts
}

// KindCounts tallies finished jobs of one kind.
type KindCounts struct {
	Done   uint64 `json:"done"`
	Failed uint64 `json:"failed"`
}

type Option func(*App)

// WithRegistry replaces the built-in job kinds.
func WithRegistry(r *jobs.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithInstanceID overrides the random instance id.
func WithInstanceID(id string) Option {
	return func(a *App) { a.instance = id }
}

// withNotifier swaps the systemd notifier (tests).
func withNotifier(n notifier) Option {
	return func(a *App) { a.notify = n }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, cfgm: cfgm, applied: cfg, triggers: map[string]config.TriggerConfig{}}
	for _, o := range opts {
		o(a)
	}
	if a.instance == "" {
		a.instance = uuid.NewString()
	}
	if a.registry == nil {
		a.registry = jobs.Default()
	}
	a.outcomes = map[string]KindCounts{}
	a.registry.OnDone(a.recordOutcome)
	if a.notify == nil {
		a.notify = sdNotifier{}
	}

	logSvc, log := logx.New(cfg.Logging.LogxConfig())
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"), logx.String("instance", a.instance))
	a.bus = eventbus.New()

	// Storage (optional)
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	jcfg, drain, err := mapJobSystemConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.drainEvery.Store(int64(drain))
	a.sys = jobsystem.New(jcfg,
		jobsystem.WithLogger(log.With(logx.String("comp", "jobsystem"))),
		jobsystem.WithBus(a.bus),
		jobsystem.WithInstanceID(a.instance),
	)

	a.sched = trigger.New(mapTriggerConfig(cfg), a.sys, log)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.debug = debugsrv.New(dcfg, a.sys, log)
	a.debug.AddReport("triggers", func(context.Context) (any, error) { return a.sched.Snapshot(), nil })
	a.debug.AddReport("app", func(context.Context) (any, error) { return a.Snapshot(), nil })
	a.debug.AddReport("archive", func(ctx context.Context) (any, error) {
		if a.store == nil {
			return nil, storage.ErrDisabled
		}
		return a.store.Recent(ctx, 100)
	})

	return a, nil
}

func (a *App) closeStore(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

func (a *App) System() *jobsystem.System  { return a.sys }
func (a *App) Registry() *jobs.Registry   { return a.registry }
func (a *App) Triggers() *trigger.Service { return a.sched }
func (a *App) Debug() *debugsrv.Service   { return a.debug }

// Store returns the retirement archive, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		return a.validateTriggers(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.validateTriggers(cfg); err != nil {
		return err
	}

	a.applyMu.Lock()
	for _, w := range effectiveWorkers(cfg) {
		if err := a.sys.CreateWorker(w.Name, jobsystem.Channels(w.Mask())); err != nil {
			a.applyMu.Unlock()
			return fmt.Errorf("worker %s: %w", w.Name, err)
		}
	}
	a.syncTriggersLocked(cfg)
	a.applyMu.Unlock()

	a.sched.Start()
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	a.sup.Go0("jobsystem.drain", a.drainLoop)
	if a.store != nil {
		a.startArchiver()
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.SubscribePrefix(128, "worker.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	select {
	case <-a.cfgm.Armed():
	case <-time.After(2 * time.Second):
		a.log.Warn("config watcher not armed yet; continuing", logx.String("path", a.cfgPath))
	}

	a.startNotify()
	a.log.Info("app started",
		logx.Int("workers", len(a.sys.Workers())),
		logx.Int("triggers", len(a.sched.Names())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("debug", a.debug.Enabled()),
	)
	return nil
}

// drainLoop runs completion callbacks for finished jobs on the app's schedule.
func (a *App) drainLoop(ctx context.Context) {
	t := time.NewTimer(time.Duration(a.drainEvery.Load()))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if n := a.sys.DrainCompleted(); n > 0 {
			a.log.Trace("drained", logx.Int("jobs", n))
		}
		t.Reset(time.Duration(a.drainEvery.Load()))
	}
}

// Submit builds a job of kind and hands it to the System.
func (a *App) Submit(kind string, lanes jobsystem.Channels, params []byte) (jobsystem.JobID, error) {
	job, err := a.registry.Build(kind, lanes, params)
	if err != nil {
		return 0, err
	}
	return a.sys.Submit(job)
}

// Snapshot is the app-level view served by the debug server.
type Snapshot struct {
	Instance   string                `json:"instance"`
	Config     string                `json:"config"`
	Archived   uint64                `json:"archived"`
	BusDropped uint64                `json:"bus_dropped"`
	Kinds      []string              `json:"kinds"`
	Jobs       map[string]KindCounts `json:"jobs"`
	Supervisor rtsup.Snapshot        `json:"supervisor"`
	Triggers   trigger.Snapshot      `json:"triggers"`
}

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		Instance:   a.instance,
		Config:     a.cfgPath,
		Archived:   a.archived.Load(),
		BusDropped: a.bus.Dropped(),
		Kinds:      a.registry.Kinds(),
		Jobs:       map[string]KindCounts{},
		Triggers:   a.sched.Snapshot(),
	}
	a.outcomeMu.Lock()
	for k, v := range a.outcomes {
		s.Jobs[k] = v
	}
	a.outcomeMu.Unlock()
	if a.sup != nil {
		s.Supervisor = a.sup.Snapshot()
	}
	return s
}

// recordOutcome runs on the goroutine that drains the job.
func (a *App) recordOutcome(kind string, id jobsystem.JobID, err error) {
	a.outcomeMu.Lock()
	c := a.outcomes[kind]
	c.Done++
	if err != nil {
		c.Failed++
	}
	a.outcomes[kind] = c
	a.outcomeMu.Unlock()
	if err != nil {
		a.log.Warn("job failed", logx.String("kind", kind), logx.Int64("job", int64(id)), logx.Err(err))
	}
}

// Stop shuts everything down in dependency order: triggers, a final drain,
// background loops, debug server, the System, storage. It is safe to call more
// than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) error {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
			return err
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
			return stepCtx.Err()
		}
	}

	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	keep(step("triggers", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }))
	keep(step("drain", time.Second, func(context.Context) error {
		if n := a.sys.DrainCompleted(); n > 0 {
			a.log.Debug("final drain", logx.Int("jobs", n))
		}
		return nil
	}))

	// Cancel the loops only now so the archiver sees the final drain.
	a.sup.Cancel()
	// Wait out an in-flight reload; later ones see the canceled context.
	a.applyMu.Lock()
	a.applyMu.Unlock()

	keep(step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil }))
	keep(step("jobsystem", 5*time.Second, func(c context.Context) error {
		c0 := a.sys.Counters()
		err := a.sys.Close(c)
		a.log.Info("job system closed",
			logx.Uint64("submitted", c0.Submitted),
			logx.Uint64("retired", c0.Retired),
			logx.Uint64("dropped", c0.Submitted-c0.Retired),
		)
		return err
	}))

	// Wait for supervised goroutines (archiver, config watch/reload, drain) before closing storage.
	keep(step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
	keep(step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}))

	a.log.Info("stopped", logx.Uint64("archived", a.archived.Load()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) validateTriggers(cfg *config.Config) error {
	var errs []error
	for _, tc := range cfg.Triggers.Entries {
		if _, err := a.registry.Build(tc.Kind, triggerLanes(tc), tc.Params); err != nil {
			errs = append(errs, fmt.Errorf("triggers.%s: %w", strings.TrimSpace(tc.Name), err))
		}
		if _, err := trigger.NormalizeSchedule(tc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("triggers.%s: %w", strings.TrimSpace(tc.Name), err))
		}
	}
	return errors.Join(errs...)
}
