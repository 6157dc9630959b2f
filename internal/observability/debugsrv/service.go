// Package debugsrv serves pprof and job system diagnostics over HTTP.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"jobsys/internal/jobsystem"
	rtsup "jobsys/internal/runtime/supervisor"
	logx "jobsys/pkg/logx"
)

// Config controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

const (
	defaultAddr   = "127.0.0.1:6060"
	defaultPrefix = "/debug/"
)

// Source is the job system view the server exposes.
type Source interface {
	Snapshot() jobsystem.Snapshot
	History(id jobsystem.JobID) (jobsystem.HistoryEntry, bool)
}

// Report produces a JSON-encodable value for GET <prefix>report/<name>.
type Report func(ctx context.Context) (any, error)

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Source

	reports map[string]Report

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		src:     src,
		log:     log.With(logx.String("comp", "debugsrv")),
		reports: map[string]Report{},
	}
}

// AddReport registers an extra diagnostics endpoint. Takes effect on the next
// (re)start of the server.
func (s *Service) AddReport(name string, r Report) {
	s.mu.Lock()
	s.reports[strings.Trim(strings.TrimSpace(name), "/")] = r
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the service's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start launches the server under a restart loop. It is idempotent and returns
// once the listener is bound or the first attempt failed.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(context.Background(),
			rtsup.WithLogger(s.log),
			// Diagnostics are optional; never take the app down.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		ready := make(chan struct{})
		s.ready = ready
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

		select {
		case <-ready:
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	sup := s.sup
	s.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("debug server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	ready := s.ready
	s.mu.Unlock()
	signalReady := func() {
		s.mu.Lock()
		if s.ready == ready && ready != nil {
			close(ready)
			s.ready = nil
		}
		s.mu.Unlock()
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}

	// Prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		signalReady()
		s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("debug server refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		signalReady()
		s.log.Error("debug server listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()
	signalReady()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	prefix := normalizePrefix(cur.Prefix)
	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%sjobsys", ln.Addr().String(), prefix)),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for the current config:
//
//	GET <prefix>jobsys            System snapshot
//	GET <prefix>jobsys/job?id=N   ledger entry for job N
//	GET <prefix>report/<name>     registered reports
//	GET <prefix>pprof/...         net/http/pprof
//	GET /healthz
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	reports := make(map[string]Report, len(s.reports))
	for k, v := range s.reports {
		reports[k] = v
	}
	s.mu.Unlock()

	prefix := normalizePrefix(cur.Prefix)
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc(prefix+"jobsys", wrap(func(w http.ResponseWriter, r *http.Request) {
		if s.src == nil {
			http.Error(w, "no job system", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, s.src.Snapshot())
	}))

	mux.HandleFunc(prefix+"jobsys/job", wrap(func(w http.ResponseWriter, r *http.Request) {
		if s.src == nil {
			http.Error(w, "no job system", http.StatusServiceUnavailable)
			return
		}
		n, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "id must be an integer", http.StatusBadRequest)
			return
		}
		id := jobsystem.JobID(n)
		h, ok := s.src.History(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"id": id, "status": jobsystem.StatusNeverSeen.String()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "type": h.Type, "status": h.Status.String()})
	}))

	mux.HandleFunc(prefix+"report/", wrap(func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix+"report/"), "/")
		if name == "" {
			names := make([]string, 0, len(reports))
			for n := range reports {
				names = append(names, n)
			}
			sort.Strings(names)
			writeJSON(w, http.StatusOK, names)
			return
		}
		rep, ok := reports[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		v, err := rep(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}))

	pp := prefix + "pprof/"
	mux.HandleFunc(pp, wrap(pprofIndexAt(pp)))
	mux.HandleFunc(pp+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pp+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pp+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pp+"trace", wrap(hpprof.Trace))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = defaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path so
// custom prefixes work.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
