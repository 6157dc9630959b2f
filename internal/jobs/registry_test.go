package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsys/internal/jobsystem"
)

func TestDefaultKinds(t *testing.T) {
	t.Parallel()
	r := Default()
	assert.Equal(t, []string{"hash", "noop", "sleep"}, r.Kinds())
	assert.Error(t, r.Register("noop", 9, buildNoop))
	assert.Error(t, r.Register(" ", 9, buildNoop))
}

func TestBuildValidatesParams(t *testing.T) {
	t.Parallel()
	r := Default()
	cases := []struct {
		kind   string
		params string
		ok     bool
	}{
		{"noop", ``, true},
		{"noop", `{"x":1}`, false},
		{"sleep", `{"duration":"5ms"}`, true},
		{"sleep", `{}`, false},
		{"sleep", `{"duration":"-1s"}`, false},
		{"hash", `{}`, true},
		{"hash", `{"rounds":0}`, false},
		{"hash", `{"rounds":10,"seed":"s"}`, true},
		{"HASH", `{"rounds":10}`, true},
		{"unknown", ``, false},
	}
	for _, tc := range cases {
		_, err := r.Build(tc.kind, 0, json.RawMessage(tc.params))
		if tc.ok {
			assert.NoError(t, err, "%s %s", tc.kind, tc.params)
		} else {
			assert.Error(t, err, "%s %s", tc.kind, tc.params)
		}
	}
}

func TestJobsRunThroughSystem(t *testing.T) {
	t.Parallel()
	r := Default()

	var mu sync.Mutex
	done := map[jobsystem.JobID]string{}
	r.OnDone(func(kind string, id jobsystem.JobID, err error) {
		assert.NoError(t, err)
		mu.Lock()
		done[id] = kind
		mu.Unlock()
	})

	sys := jobsystem.New(jobsystem.Config{LedgerReserve: -1})
	defer sys.Close(context.Background())
	require.NoError(t, sys.CreateWorker("w", jobsystem.AllChannels))

	mk, err := r.Factory("hash", 0b10, HashParams(50, "seed"))
	require.NoError(t, err)
	h, err := mk()
	require.NoError(t, err)
	assert.Equal(t, TypeHash, h.Type())
	assert.Equal(t, jobsystem.Channels(0b10), h.Channels())

	s, err := r.Build("sleep", 0, json.RawMessage(`{"duration":"1ms"}`))
	require.NoError(t, err)
	assert.Equal(t, jobsystem.AllChannels, s.Channels())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hid, err := sys.Submit(h)
	require.NoError(t, err)
	sid, err := sys.Submit(s)
	require.NoError(t, err)
	require.NoError(t, sys.WaitForJob(ctx, hid))
	require.NoError(t, sys.WaitForJob(ctx, sid))

	h2, _ := sys.History(hid)
	assert.Equal(t, TypeHash, h2.Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[jobsystem.JobID]string{hid: "hash", sid: "sleep"}, done)
}
