package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobsys/internal/jobsystem"
	logx "jobsys/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Submitter is the part of the job system triggers need.
type Submitter interface {
	Submit(job jobsystem.Job) (jobsystem.JobID, error)
	Status(id jobsystem.JobID) jobsystem.Status
}

// Factory builds a fresh job for each firing.
type Factory func() (jobsystem.Job, error)

type AddOption func(*def)

// AllowOverlap submits on every firing even if the previous submission has not
// retired yet. By default such firings are skipped.
func AllowOverlap() AddOption { return func(d *def) { d.allowOverlap = true } }

// NoSpread disables the startup spread of interval triggers.
func NoSpread() AddOption { return func(d *def) { d.noSpread = true } }

type def struct {
	name         string
	spec         string
	factory      Factory
	allowOverlap bool
	noSpread     bool
	entryID      cron.EntryID

	lastJob   atomic.Int64
	fired     atomic.Uint64
	submitted atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	sys Submitter

	parser  cron.Parser
	c       *cron.Cron
	started bool
	defs    map[string]*def

	// Submit error throttling: key is trigger name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// ScheduleInfo describes one registered trigger.
type ScheduleInfo struct {
	Name      string          `json:"name"`
	Spec      string          `json:"spec"`
	Next      time.Time       `json:"next,omitempty"`
	Prev      time.Time       `json:"prev,omitempty"`
	Fired     uint64          `json:"fired"`
	Submitted uint64          `json:"submitted"`
	Skipped   uint64          `json:"skipped"`
	Failed    uint64          `json:"failed"`
	LastJob   jobsystem.JobID `json:"last_job"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func New(cfg Config, sys Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "trigger")),
		sys: sys,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*def{},
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers (or replaces) the trigger called name. Schedules are checked
// immediately, even before Start.
func (s *Service) Add(name, schedule string, factory Factory, opts ...AddOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if factory == nil {
		return fmt.Errorf("trigger %s: factory required", name)
	}
	spec, err := NormalizeSchedule(schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	d := &def{name: name, spec: spec, factory: factory}
	d.lastJob.Store(-1)
	for _, o := range opts {
		o(d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return fmt.Errorf("trigger %s: %w", name, err)
		}
		s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", spec), logx.String("next", s.previewLocked(spec, 3)))
	}
	return nil
}

// Remove unregisters name. It reports whether the trigger existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Names lists registered triggers, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Start begins firing registered triggers if the service is enabled. A
// disabled service remembers the request and starts when Apply enables it.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.cfg.Enabled && s.c == nil {
		s.startLocked()
	}
}

// Stop halts firing and waits for running cron callbacks until ctx ends.
// Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.started = false
	c := s.stopLocked()
	s.mu.Unlock()
	waitCron(ctx, c)
	s.log.Info("trigger service stopped")
}

// Apply updates config. Enabling or disabling takes effect immediately for a
// started service; a timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	var stopped *cron.Cron
	switch {
	case !s.started:
	case !cfg.Enabled:
		stopped = s.stopLocked()
	case s.c == nil:
		s.startLocked()
	case oldTZ != strings.TrimSpace(cfg.Timezone):
		stopped = s.stopLocked()
		s.startLocked()
	}
	s.mu.Unlock()
	waitCron(context.Background(), stopped)
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) stopLocked() *cron.Cron {
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	return c
}

func waitCron(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if every, ok := everyInterval(d.spec); ok && !d.noSpread {
		sched, jitter := spreadEvery(every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		if jitter > 0 {
			s.log.Debug("trigger startup spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
		}
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Fire runs the trigger called name once, now, as if its schedule had fired.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: not found", name)
	}
	return s.fire(d)
}

func (s *Service) fire(d *def) error {
	d.fired.Add(1)
	if !d.allowOverlap {
		if last := d.lastJob.Load(); last >= 0 {
			switch st := s.sys.Status(jobsystem.JobID(last)); st {
			case jobsystem.StatusQueued, jobsystem.StatusRunning, jobsystem.StatusCompleted:
				d.skipped.Add(1)
				s.log.Debug("trigger skipped; previous job not retired", logx.String("name", d.name), logx.Int64("job", last), logx.String("status", st.String()))
				return nil
			}
		}
	}

	job, err := d.factory()
	if err == nil {
		var id jobsystem.JobID
		if id, err = s.sys.Submit(job); err == nil {
			d.lastJob.Store(int64(id))
			d.submitted.Add(1)
			s.log.Trace("trigger submitted", logx.String("name", d.name), logx.Int64("job", int64(id)))
			return nil
		}
	}
	d.failed.Add(1)
	s.warnThrottled(d.name, err)
	return fmt.Errorf("trigger %s: %w", d.name, err)
}

// warnThrottled logs at most one submit failure per trigger per minute.
func (s *Service) warnThrottled(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	ok := now.Sub(last) >= time.Minute
	if ok {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()
	if ok {
		s.log.Warn("trigger submit failed", logx.String("name", name), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked returns the next n fire times of spec for debug logs.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:      d.name,
			Spec:      d.spec,
			Fired:     d.fired.Load(),
			Submitted: d.submitted.Load(),
			Skipped:   d.skipped.Load(),
			Failed:    d.failed.Load(),
			LastJob:   jobsystem.JobID(d.lastJob.Load()),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz, Schedules: items}
}
