// Package jobs holds the job kinds the daemon can submit by name from config
// triggers and the bench command.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobsys/internal/jobsystem"
)

// Runner is the body of a job kind, built from its params.
type Runner func(ctx context.Context) error

// Builder decodes params and returns a Runner. It is called once per job.
type Builder func(params json.RawMessage) (Runner, error)

type kind struct {
	name  string
	typ   int
	build Builder
}

// Registry maps kind names to builders. The zero value is not usable; use
// NewRegistry or Default.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kind
	done  func(name string, id jobsystem.JobID, err error)
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]kind{}}
}

// Default returns a registry with the built-in kinds registered.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister("noop", TypeNoop, buildNoop)
	r.MustRegister("sleep", TypeSleep, buildSleep)
	r.MustRegister("hash", TypeHash, buildHash)
	return r
}

// Register adds a kind. typ is the ledger type recorded for its jobs.
func (r *Registry) Register(name string, typ int, b Builder) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || b == nil {
		return fmt.Errorf("jobs: invalid kind %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[name]; ok {
		return fmt.Errorf("jobs: kind %q already registered", name)
	}
	r.kinds[name] = kind{name: name, typ: typ, build: b}
	return nil
}

func (r *Registry) MustRegister(name string, typ int, b Builder) {
	if err := r.Register(name, typ, b); err != nil {
		panic(err)
	}
}

// OnDone installs a hook called from each job's completion callback, i.e. on the
// goroutine that drains it.
func (r *Registry) OnDone(fn func(kind string, id jobsystem.JobID, err error)) {
	r.mu.Lock()
	r.done = fn
	r.mu.Unlock()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build creates one job of the named kind.
func (r *Registry) Build(name string, lanes jobsystem.Channels, params json.RawMessage) (jobsystem.Job, error) {
	r.mu.RLock()
	k, ok := r.kinds[strings.ToLower(strings.TrimSpace(name))]
	done := r.done
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobs: unknown kind %q", name)
	}
	run, err := k.build(normalizeParams(params))
	if err != nil {
		return nil, fmt.Errorf("jobs: %s params: %w", k.name, err)
	}
	if lanes == 0 {
		lanes = jobsystem.AllChannels
	}
	return &job{kind: k.name, typ: k.typ, lanes: lanes, run: run, done: done}, nil
}

// Factory validates params once and returns a constructor for fresh jobs.
func (r *Registry) Factory(name string, lanes jobsystem.Channels, params json.RawMessage) (func() (jobsystem.Job, error), error) {
	if _, err := r.Build(name, lanes, params); err != nil {
		return nil, err
	}
	return func() (jobsystem.Job, error) { return r.Build(name, lanes, params) }, nil
}

func normalizeParams(p json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(p)) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

// decodeParams decodes strictly so typos in config surface as errors.
func decodeParams(p json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type job struct {
	kind  string
	typ   int
	lanes jobsystem.Channels
	run   Runner
	done  func(string, jobsystem.JobID, error)
	id    jobsystem.JobID
}

func (j *job) Type() int                    { return j.typ }
func (j *job) Channels() jobsystem.Channels { return j.lanes }

func (j *job) Execute(ctx context.Context) error {
	if id, ok := jobsystem.JobIDFromContext(ctx); ok {
		j.id = id
	}
	return j.run(ctx)
}

func (j *job) OnCompletion(err error) {
	if j.done != nil {
		j.done(j.kind, j.id, err)
	}
}
