package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsys/internal/jobsystem"
	logx "jobsys/pkg/logx"
)

type fakeSource struct{}

func (fakeSource) Snapshot() jobsystem.Snapshot {
	return jobsystem.Snapshot{Instance: "test", Pending: 2, LedgerSize: 3}
}

func (fakeSource) History(id jobsystem.JobID) (jobsystem.HistoryEntry, bool) {
	if id == 1 {
		return jobsystem.HistoryEntry{Type: 7, Status: jobsystem.StatusRunning}, true
	}
	return jobsystem.HistoryEntry{}, false
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestHandlerServesJobSystem(t *testing.T) {
	t.Parallel()
	s := New(Config{Prefix: "ops"}, fakeSource{}, logx.Nop())
	s.AddReport("triggers", func(context.Context) (any, error) { return map[string]int{"n": 1}, nil })
	s.AddReport("broken", func(context.Context) (any, error) { return nil, errors.New("nope") })
	h := s.Handler()

	code, body := get(t, h, "/ops/jobsys", nil)
	require.Equal(t, http.StatusOK, code)
	var snap jobsystem.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, "test", snap.Instance)
	assert.Equal(t, 2, snap.Pending)

	code, body = get(t, h, "/ops/jobsys/job?id=1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"running"`)

	code, body = get(t, h, "/ops/jobsys/job?id=42", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, `"never_seen"`)

	code, _ = get(t, h, "/ops/jobsys/job?id=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, h, "/ops/report/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["broken","triggers"]`, body)

	code, body = get(t, h, "/ops/report/triggers", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"n":1}`, body)

	code, _ = get(t, h, "/ops/report/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	code, _ = get(t, h, "/ops/report/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, h, "/ops/pprof/", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, fakeSource{}, logx.Nop()).Handler()

	code, _ := get(t, h, "/debug/jobsys", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/debug/jobsys?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/debug/jobsys?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/debug/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/y/", normalizePrefix("/x/y"))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fakeSource{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1})
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	s.Reconfigure(ctx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0", MutexProfileFraction: -1, BlockProfileRate: -1}, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop(ctx)
	assert.Empty(t, s.Addr())
}
