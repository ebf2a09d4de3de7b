// Package httpapi hosts the HTTP listener: the WebSocket upgrade route,
// Prometheus metrics and a JSON health snapshot, behind a chi router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pushbridge/internal/metrics"
	logx "pushbridge/pkg/logx"
)

type Config struct {
	Addr           string
	WSPath         string
	MetricsEnabled bool
	MetricsPath    string
	AllowedOrigins []string
	Pprof          bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Snapshot is the /healthz body.
type Snapshot struct {
	Status         string         `json:"status"`
	Namespace      string         `json:"namespace"`
	Uptime         string         `json:"uptime"`
	Sessions       int            `json:"sessions"`
	Connections    int            `json:"connections"`
	QueueDepth     int            `json:"queue_depth"`
	QueuedClients  int            `json:"queued_clients"`
	TriggerPending int            `json:"trigger_pending"`
	Extra          map[string]any `json:"extra,omitempty"`
}

type Deps struct {
	WS      http.Handler
	Metrics *metrics.Metrics
	Health  func() Snapshot
	Log     logx.Logger
}

// NewRouter builds the handler tree. Routes:
//
//	GET <ws_path>      WebSocket upgrade
//	GET <metrics_path> Prometheus exposition (when enabled)
//	GET /healthz       JSON snapshot
//	    /debug/pprof/*  profiling (when enabled)
func NewRouter(cfg Config, d Deps) http.Handler {
	cfg = withDefaults(cfg)
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(requestLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if d.WS != nil {
		r.Get(cfg.WSPath, d.WS.ServeHTTP)
	}
	if cfg.MetricsEnabled {
		r.Get(cfg.MetricsPath, d.Metrics.Handler().ServeHTTP)
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := Snapshot{Status: "ok"}
		if d.Health != nil {
			snap = d.Health()
			if snap.Status == "" {
				snap.Status = "ok"
			}
		}
		writeJSON(w, http.StatusOK, snap)
	})
	return r
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8090"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return cfg
}

func corsOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
				logx.String("remote", r.RemoteAddr),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server owns the listener lifecycle.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	h   http.Handler

	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Server{
		cfg: cfg,
		log: log.With(logx.String("comp", "http")),
		h:   NewRouter(cfg, d),
	}
}

// Start binds the listener and serves in the background. A bind error is
// returned so startup fails fast.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	done := make(chan struct{})
	s.ln, s.srv, s.done = ln, srv, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("ws_path", s.cfg.WSPath),
		logx.Bool("metrics", s.cfg.MetricsEnabled),
	)
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down. Hijacked WebSocket connections are not
// tracked by http.Server and must be closed by their owner.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("http stopped")
	return err
}
