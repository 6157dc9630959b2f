package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
jobsystem:
  idle_sleep: 2ms
  drain_interval: 50ms
  strict_consistency: true
workers:
  - name: io
    channels: "0b01"
  - name: cpu
    channels: 0x2
  - name: any
triggers:
  enabled: true
  entries:
    - name: heartbeat
      schedule: "@every 10s"
      kind: noop
      channels: all
storage:
  driver: sqlite
  path: ./jobsys.db
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("jobsys.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, uint64(0b01), cfg.Workers[0].Mask())
	assert.Equal(t, uint64(0b10), cfg.Workers[1].Mask())
	assert.Equal(t, AllChannels, cfg.Workers[2].Mask())
	assert.Equal(t, ChannelMask(AllChannels), *cfg.Triggers.Entries[0].Channels)

	tm, err := cfg.JobSystem.Timings()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, tm.IdleSleep)
	assert.Equal(t, DefaultWaitPoll, tm.WaitPollInterval)
	assert.Equal(t, 50*time.Millisecond, tm.DrainInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestDecodeRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"logging":{"level":"info"},"bogus":1}`},
		{"trailing json", "c.json", `{} {}`},
		{"two yaml docs", "c.yaml", "logging: {}\n---\nlogging: {}\n"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`},
		{"zero mask", "c.json", `{"workers":[{"name":"a","channels":0}]}`},
		{"duplicate worker", "c.json", `{"workers":[{"name":"a"},{"name":" a "}]}`},
		{"bad duration", "c.json", `{"jobsystem":{"idle_sleep":"soon"}}`},
		{"negative duration", "c.json", `{"jobsystem":{"drain_interval":"-1s"}}`},
		{"unknown driver", "c.json", `{"storage":{"driver":"redis"}}`},
		{"trigger without kind", "c.json", `{"triggers":{"entries":[{"name":"t","schedule":"@hourly"}]}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParseChannels(t *testing.T) {
	t.Parallel()
	cases := map[string]uint64{
		"all":    AllChannels,
		" ALL ":  AllChannels,
		"0b0101": 5,
		"0b1_0":  2,
		"0x3":    3,
		"0o7":    7,
		"12":     12,
	}
	for in, want := range cases {
		got, err := ParseChannels(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0", "0b", "0b2", "lanes", "-1"} {
		_, err := ParseChannels(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "all", FormatChannels(AllChannels))
	assert.Equal(t, "0x5", FormatChannels(5))
}

func TestDiffWorkers(t *testing.T) {
	t.Parallel()
	m := func(v uint64) *ChannelMask { c := ChannelMask(v); return &c }
	oldW := []WorkerConfig{{Name: "a", Channels: m(1)}, {Name: "b"}, {Name: "c", Channels: m(2)}}
	newW := []WorkerConfig{{Name: "a", Channels: m(3)}, {Name: "c", Channels: m(2)}, {Name: "d"}}

	d := DiffWorkers(oldW, newW)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "d", d.Added[0].Name)
	assert.Equal(t, []string{"b"}, d.Removed)
	require.Len(t, d.Remasked, 1)
	assert.Equal(t, uint64(3), d.Remasked[0].Mask())

	assert.True(t, DiffWorkers(oldW, oldW).Empty())
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Debug: DebugConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{
		Debug:   DebugConfig{Enabled: true, Token: "b"},
		Workers: []WorkerConfig{{Name: "w"}},
		Logging: LoggingConfig{Level: "debug"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "workers"}, changed, "token rotation alone is not a visible change")
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(nil, nil)
	assert.Empty(t, changed)
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers":[{"name":"a"}]}`), 0o600))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 1)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	select {
	case <-m.Armed():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never armed")
	}
	require.NoError(t, os.WriteFile(path, []byte(`{"workers":[{"name":"a"},{"name":"b"}]}`), 0o600))

	select {
	case got := <-ch:
		assert.Len(t, got.Workers, 2)
		assert.Same(t, got, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestManagerWatchPicksUpEditsBeforeArming(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers":[{"name":"a"}]}`), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Edited after Load but before Watch runs, so no fsnotify event exists for it.
	require.NoError(t, os.WriteFile(path, []byte(`{"workers":[{"name":"a"},{"name":"b"},{"name":"c"}]}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case got := <-ch:
		assert.Len(t, got.Workers, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("edit made before the watcher was armed was never applied")
	}
}

func TestExampleConfigDecodes(t *testing.T) {
	t.Parallel()
	b, err := os.ReadFile(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	cfg, err := Decode("config.example.yaml", b)
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, AllChannels, cfg.Workers[2].Mask())
	assert.Equal(t, uint64(0b10), cfg.Workers[1].Mask())
	require.Len(t, cfg.Triggers.Entries, 2)
	assert.JSONEq(t, `{"rounds":100000,"seed":"nightly"}`, string(cfg.Triggers.Entries[1].Params))
}
