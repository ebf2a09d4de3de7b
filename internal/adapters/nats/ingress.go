// Package nats feeds state changes from an external automation host into the
// state store. Each message on the subject is one write:
//
//	{"path": "person.alice.messages.send", "value": true, "ack": false}
//
// Paths are relative to the namespace; an already-qualified path is kept.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

var ErrInvalidWrite = errors.New("invalid state write")

// Writer is the store subset the ingress needs.
type Writer interface {
	Set(ctx context.Context, path string, value any, ack bool) error
}

// Write is one decoded ingress message.
type Write struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
	Ack   bool   `json:"ack"`
}

// Decode parses and validates one message body.
func Decode(ns paths.Namespace, data []byte) (Write, error) {
	var w Write
	if err := json.Unmarshal(data, &w); err != nil {
		return Write{}, fmt.Errorf("%w: %v", ErrInvalidWrite, err)
	}
	w.Path = strings.Trim(strings.TrimSpace(w.Path), ".")
	if w.Path == "" || strings.Contains(w.Path, "..") {
		return Write{}, fmt.Errorf("%w: bad path %q", ErrInvalidWrite, w.Path)
	}
	w.Path = ns.Abs(w.Path)
	return w, nil
}

type Config struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

type Ingress struct {
	cfg Config
	ns  paths.Namespace
	st  Writer
	log logx.Logger

	mu  sync.Mutex
	nc  *natspkg.Conn
	sub *natspkg.Subscription
}

func New(cfg Config, ns paths.Namespace, st Writer, log logx.Logger) *Ingress {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.URL == "" {
		cfg.URL = natspkg.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "pushbridge"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Ingress{cfg: cfg, ns: ns, st: st, log: log.With(logx.String("comp", "nats"))}
}

// Handle applies one message body. Invalid bodies are logged and dropped.
func (in *Ingress) Handle(ctx context.Context, data []byte) error {
	w, err := Decode(in.ns, data)
	if err != nil {
		in.log.Warn("ingress message dropped", logx.Err(err))
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, in.cfg.Timeout)
	defer cancel()
	if err := in.st.Set(ctx, w.Path, w.Value, w.Ack); err != nil {
		in.log.Warn("ingress write failed", logx.String("path", w.Path), logx.Err(err))
		return err
	}
	in.log.Trace("ingress write", logx.String("path", w.Path), logx.Bool("ack", w.Ack))
	return nil
}

// Run connects, subscribes and blocks until ctx ends. The nats client
// reconnects on its own; Run only returns early on the initial connect or
// subscribe failing.
func (in *Ingress) Run(ctx context.Context) error {
	nc, err := natspkg.Connect(in.cfg.URL,
		natspkg.Name(in.cfg.Name),
		natspkg.MaxReconnects(-1),
		natspkg.ReconnectWait(2*time.Second),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			if err != nil {
				in.log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			in.log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	sub, err := nc.Subscribe(in.cfg.Subject, func(msg *natspkg.Msg) {
		_ = in.Handle(ctx, msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", in.cfg.Subject, err)
	}

	in.mu.Lock()
	in.nc, in.sub = nc, sub
	in.mu.Unlock()
	in.log.Info("nats ingress subscribed", logx.String("url", in.cfg.URL), logx.String("subject", in.cfg.Subject))

	<-ctx.Done()

	in.mu.Lock()
	in.nc, in.sub = nil, nil
	in.mu.Unlock()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natspkg.ErrConnectionClosed) {
		in.log.Debug("nats unsubscribe", logx.Err(err))
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	return ctx.Err()
}

// Connected reports whether the client currently holds a live connection.
func (in *Ingress) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.nc != nil && in.nc.Status() == natspkg.CONNECTED
}
