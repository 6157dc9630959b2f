package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsys/internal/config"
	"jobsys/internal/jobs"
	"jobsys/internal/jobsystem"
)

type fakeNotifier struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeNotifier) Notify(state string) (bool, error) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeNotifier) WatchdogInterval() (time.Duration, error) { return 0, nil }

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

const baseConfig = `
logging:
  level: error
  console: false
jobsystem:
  drain_interval: 5ms
  ledger_reserve: -1
  strict_consistency: true
workers:
  - name: a
    channels: "0b01"
  - name: b
storage:
  driver: file
  path: %s
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func startApp(t *testing.T, body string, opts ...Option) (*App, *fakeNotifier, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsys.yaml")
	writeConfig(t, path, fmt.Sprintf(body, filepath.Join(dir, "archive.json")))

	n := &fakeNotifier{}
	a, err := NewApp(path, append([]Option{withNotifier(n), WithInstanceID("test")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, n, path
}

func workerMasks(a *App) map[string]jobsystem.Channels {
	out := map[string]jobsystem.Channels{}
	for _, w := range a.System().Workers() {
		out[w.Name] = w.Channels
	}
	return out
}

func TestAppRunsAndArchivesJobs(t *testing.T) {
	a, n, _ := startApp(t, baseConfig)
	assert.Equal(t, map[string]jobsystem.Channels{"a": 0b01, "b": jobsystem.AllChannels}, workerMasks(a))
	require.NotNil(t, a.Store())

	ids := make([]jobsystem.JobID, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := a.Submit("noop", jobsystem.Channels(1+i%2), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// The drain loop retires them; nobody calls WaitForJob.
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if a.System().Status(id) != jobsystem.StatusRetired {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := a.Store().Recent(context.Background(), 100)
		return err == nil && len(got) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	got, err := a.Store().Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "test", got[0].Instance)

	_, err = a.Submit("nope", jobsystem.AllChannels, nil)
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return a.Snapshot().Jobs["noop"] == KindCounts{Done: 10}
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	require.NoError(t, a.Stop(ctx, StopAppStop), "second stop is a no-op")

	states := n.sent()
	require.NotEmpty(t, states)
	assert.Equal(t, "READY=1", states[0])
	assert.Contains(t, states, "STOPPING=1")

	_, err = a.System().Submit(&jobsystem.Func{})
	assert.ErrorIs(t, err, jobsystem.ErrClosed)
}

func TestAppReloadReconcilesWorkersAndTriggers(t *testing.T) {
	a, _, path := startApp(t, baseConfig)

	next := `
logging:
  level: error
  console: false
jobsystem:
  drain_interval: 5ms
  ledger_reserve: -1
  strict_consistency: true
workers:
  - name: b
    channels: "0b10"
  - name: c
    channels: 4
triggers:
  enabled: true
  entries:
    - name: tick
      schedule: "@every 1s"
      kind: noop
storage:
  driver: file
  path: %s
`
	writeConfig(t, path, fmt.Sprintf(next, filepath.Join(filepath.Dir(path), "archive.json")))

	require.Eventually(t, func() bool {
		m := workerMasks(a)
		return len(m) == 2 && m["b"] == 0b10 && m["c"] == 0b100
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := a.Triggers().Snapshot()
		return snap.Running && len(snap.Schedules) == 1 && snap.Schedules[0].Submitted > 0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestAppCountsFailedKinds(t *testing.T) {
	reg := jobs.Default()
	reg.MustRegister("fail", 99, func(json.RawMessage) (jobs.Runner, error) {
		return func(context.Context) error { return errors.New("boom") }, nil
	})
	a, _, _ := startApp(t, baseConfig, WithRegistry(reg))

	for _, kind := range []string{"fail", "noop", "fail"} {
		_, err := a.Submit(kind, jobsystem.AllChannels, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		j := a.Snapshot().Jobs
		return j["fail"] == KindCounts{Done: 2, Failed: 2} && j["noop"] == KindCounts{Done: 1}
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAppRejectsUnknownTriggerKind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsys.yaml")
	writeConfig(t, path, `
logging: {level: error}
workers: [{name: a}]
triggers:
  entries:
    - {name: x, schedule: "@hourly", kind: missing}
`)
	a, err := NewApp(path, withNotifier(&fakeNotifier{}))
	require.NoError(t, err)
	err = a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "triggers.x")
	_ = a.Stop(context.Background(), StopFatalError)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      *config.StorageConfig
		enabled bool
		ok      bool
	}{
		{nil, false, true},
		{&config.StorageConfig{Driver: "none"}, false, true},
		{&config.StorageConfig{Driver: "file", Path: "a.json"}, true, true},
		{&config.StorageConfig{Driver: "file"}, false, false},
		{&config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "2s"}, true, true},
		{&config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "soon"}, false, false},
		{&config.StorageConfig{Driver: "etcd", Path: "x"}, false, false},
	}
	for _, tc := range cases {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if !tc.ok {
			assert.Error(t, err, "%+v", tc.in)
			continue
		}
		require.NoError(t, err, "%+v", tc.in)
		assert.Equal(t, tc.enabled, enabled, "%+v", tc.in)
		if tc.in != nil && tc.in.Driver == "sqlite" {
			assert.Equal(t, 2*time.Second, sc.BusyTimeout)
		}
	}
}

func TestEffectiveWorkersDefaultsToAllLanes(t *testing.T) {
	t.Parallel()
	ws := effectiveWorkers(&config.Config{})
	require.NotEmpty(t, ws)
	for _, w := range ws {
		assert.Equal(t, config.AllChannels, w.Mask())
	}
	one := []config.WorkerConfig{{Name: "x"}}
	assert.Equal(t, one, effectiveWorkers(&config.Config{Workers: one}))
}
