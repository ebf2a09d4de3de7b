// Package ws is the client-facing WebSocket listener: it authenticates and
// validates envelopes, applies actions to the state store and registers
// sessions with the dispatcher so notifications can reach them.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pushbridge/internal/metrics"
	"pushbridge/internal/push/registry"
	"pushbridge/internal/services/scheduler"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

// Store is the subset of statestore.Store the actions need.
type Store interface {
	Get(ctx context.Context, path string) (any, bool, error)
	Set(ctx context.Context, path string, value any, ack bool) error
	SetIfMissing(ctx context.Context, path string, value any, ack bool) (bool, error)
	Exists(ctx context.Context, path string) (bool, error)
	Children(ctx context.Context, prefix string) ([]string, error)
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Connect(ctx context.Context, clientID string, conn registry.Conn, ident registry.Identity) int
	Disconnect(ctx context.Context, conn registry.Conn) []string
	IsOnline(clientID string) bool
}

// Scheduler is satisfied by *scheduler.Service.
type Scheduler interface {
	AddOnce(key string, delay, timeout time.Duration, job scheduler.Job) error
}

// Settings are the hot-reloadable knobs of the listener.
type Settings struct {
	AllowedOrigins []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	RatePerSec     float64
	Burst          int
	TagResetAfter  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 64 << 10
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 5 * time.Second
	}
	if s.PingInterval <= 0 {
		s.PingInterval = 30 * time.Second
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = 20
	}
	if s.Burst <= 0 {
		s.Burst = 40
	}
	if s.TagResetAfter <= 0 {
		s.TagResetAfter = time.Second
	}
	return s
}

type Deps struct {
	Namespace  paths.Namespace
	Store      Store
	Dispatcher Dispatcher
	Scheduler  Scheduler
	Auth       *Authenticator
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

type Server struct {
	ns    paths.Namespace
	store Store
	disp  Dispatcher
	sched Scheduler
	auth  *Authenticator
	m     *metrics.Metrics
	log   logx.Logger

	settings atomic.Pointer[Settings]
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Conn
	wg       sync.WaitGroup

	handlers map[string]handler
}

func New(d Deps, s Settings) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		ns:       d.Namespace,
		store:    d.Store,
		disp:     d.Dispatcher,
		sched:    d.Scheduler,
		auth:     d.Auth,
		m:        d.Metrics,
		log:      d.Log.With(logx.String("comp", "ws")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*Conn{},
	}
	srv.Apply(s)
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	srv.handlers = srv.routes()
	return srv
}

// Apply swaps the listener settings. Open sessions keep their limiter.
func (s *Server) Apply(st Settings) {
	st = st.withDefaults()
	s.settings.Store(&st)
}

func (s *Server) cfg() Settings { return *s.settings.Load() }

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Sessions is the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	st := s.cfg()
	c := newConn(wsc, st.WriteTimeout)

	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.wg.Add(1)
	s.mu.Unlock()
	s.m.SessionOpened()
	s.log.Debug("session opened", logx.String("conn", c.ID()), logx.String("remote", c.remote))

	go s.serve(c, st)
}

func (s *Server) serve(c *Conn, st Settings) {
	defer s.wg.Done()
	defer s.closeSession(c)

	go s.pingLoop(c, st.PingInterval)

	limiter := rate.NewLimiter(rate.Limit(st.RatePerSec), st.Burst)
	readWait := 2 * st.PingInterval
	c.ws.SetReadLimit(st.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("session read error", logx.String("conn", c.ID()), logx.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		if !limiter.Allow() {
			s.m.WSMessage("", "rate_limited")
			s.reply(c, Bare(ErrRateLimit))
			continue
		}
		s.reply(c, s.Handle(s.ctx, c, data))
	}
}

func (s *Server) pingLoop(c *Conn, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (s *Server) reply(c *Conn, r Result) {
	if err := c.Send(s.ctx, r.Encode()); err != nil && !errors.Is(err, registry.ErrClosed) {
		s.log.Debug("reply failed", logx.String("conn", c.ID()), logx.Err(err))
	}
}

func (s *Server) closeSession(c *Conn) {
	c.Close()
	s.mu.Lock()
	delete(s.sessions, c.ID())
	s.mu.Unlock()
	s.m.SessionClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids := s.disp.Disconnect(ctx, c)
	s.log.Debug("session closed", logx.String("conn", c.ID()), logx.Strings("client_ids", ids))
}

// Handle processes one raw inbound message and returns the reply.
func (s *Server) Handle(ctx context.Context, c registry.Conn, raw []byte) Result {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		s.m.WSMessage("", "malformed")
		return Bare(ErrMalformed)
	}
	if err := s.auth.Check(env.Username, env.Password); err != nil {
		s.m.WSMessage("", "auth_failed")
		s.log.Warn("authentication failed", logx.String("action", env.Action), logx.String("user", env.Username))
		return Bare(ErrAuthFailed)
	}
	h, ok := s.handlers[env.Action]
	if !ok {
		s.m.WSMessage("unknown", "unknown")
		return Bare(ErrUnknown)
	}
	res := h(ctx, c, env)
	result := "ok"
	if res.Error != "" {
		result = "error"
	}
	s.m.WSMessage(env.Action, result)
	return res
}

// Shutdown closes every session and waits for their loops to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
