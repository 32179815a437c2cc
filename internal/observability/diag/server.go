// Package diag serves read-only status JSON and, optionally, pprof over HTTP.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "jobqueue/internal/runtime/supervisor"
	logx "jobqueue/pkg/logx"
)

const (
	defaultAddr         = "127.0.0.1:6060"
	defaultWriteTimeout = 30 * time.Second
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	WriteTimeout  time.Duration
}

// StatusFunc produces the value served as JSON at /debug/<name>.
type StatusFunc func(ctx context.Context) (any, error)

type Server struct {
	log logx.Logger

	mu       sync.Mutex
	parent   context.Context
	cfg      Config
	status   map[string]StatusFunc
	sup      *rtsup.Supervisor
	srv      *http.Server
	boundTo  string
	listenCh chan struct{}
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, status: map[string]StatusFunc{}}
}

// Handle registers a status endpoint. Register before Start; later
// registrations show up after the next restart.
func (s *Server) Handle(name string, fn StatusFunc) {
	s.mu.Lock()
	s.status[strings.Trim(name, "/")] = fn
	s.mu.Unlock()
}

// Addr returns the bound address while serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundTo
}

// Start serves under a restart loop. It is a no-op when disabled or running.
// ctx also bounds listeners started later by Reconfigure.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	s.startLocked()
}

func (s *Server) startLocked() {
	if s.sup != nil || !s.cfg.Enabled || s.parent == nil {
		return
	}
	s.sup = rtsup.New(s.parent,
		rtsup.WithLogger(s.log),
		// diagnostics are optional; a failing listener never stops the app.
		rtsup.WithCancelOnError(false),
	)
	s.listenCh = make(chan struct{})
	listenCh := s.listenCh
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, listenCh)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Listening is closed once the first listener is bound.
func (s *Server) Listening() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenCh == nil {
		return make(chan struct{})
	}
	return s.listenCh
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.srv = nil
	s.boundTo = ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	err := sup.Wait(ctx)
	s.log.Info("diagnostics stopped")
	return err
}

// Reconfigure applies cfg from a hot reload, restarting the listener when
// anything it was built from changed. ctx bounds the stop only.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
	case !running:
		s.restart()
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		s.restart()
	}
	return nil
}

func (s *Server) restart() {
	s.mu.Lock()
	s.startLocked()
	s.mu.Unlock()
}

func (s *Server) serveOnce(ctx context.Context, listening chan struct{}) error {
	s.mu.Lock()
	cur := s.cfg
	status := make(map[string]StatusFunc, len(s.status))
	for k, v := range s.status {
		status[k] = v
	}
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("diagnostics refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			// Retrying cannot fix this; wait for a reload instead.
			<-ctx.Done()
			return nil
		}
		s.log.Warn("diagnostics running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	writeTimeout := cur.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	srv := &http.Server{
		Handler:           s.routes(cur, status),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	if ctx.Err() == nil {
		s.srv = srv
		s.boundTo = ln.Addr().String()
	}
	s.mu.Unlock()
	select {
	case <-listening:
	default:
		close(listening)
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diagnostics started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diagnostics server exited unexpectedly")
	}
	return err
}

func (s *Server) routes(cur Config, status map[string]StatusFunc) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	names := make([]string, 0, len(status))
	for name, fn := range status {
		names = append(names, name)
		mux.HandleFunc("/debug/"+name, wrap(statusHandler(fn)))
	}
	sort.Strings(names)
	mux.HandleFunc("/debug/{$}", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"endpoints": names, "pprof": cur.Pprof})
	}))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func statusHandler(fn StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
