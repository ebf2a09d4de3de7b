// Package supervisor runs the service's long-lived loops (trigger, listener,
// config watcher, ingress) under one cancelable context with panic recovery,
// optional restart with backoff and a timeout-aware Wait.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "pushbridge/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started  atomic.Uint64
	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first loop error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

type loopStats struct {
	active   int64
	restarts uint64
	panics   uint64
	lastErr  string
	lastAt   time.Time
}

// LoopStatus is the /healthz view of one named loop.
type LoopStatus struct {
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Restarts uint64    `json:"restarts,omitempty"`
	Panics   uint64    `json:"panics,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	LastAt   time.Time `json:"last_at"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		loops:  map[string]*loopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error reported by any loop.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Active is the number of running goroutines.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// Status lists loops, active first, then by name.
func (s *Supervisor) Status() []LoopStatus {
	s.mu.Lock()
	out := make([]LoopStatus, 0, len(s.loops))
	for name, st := range s.loops {
		out = append(out, LoopStatus{
			Name:     name,
			Active:   st.active > 0,
			Restarts: st.restarts,
			Panics:   st.panics,
			LastErr:  st.lastErr,
			LastAt:   st.lastAt,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) note(name string, fn func(st *loopStats)) {
	s.mu.Lock()
	st := s.loops[name]
	if st == nil {
		st = &loopStats{}
		s.loops[name] = st
	}
	fn(st)
	st.lastAt = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// runOnce calls fn, turning a panic into an error.
func runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return fn(ctx), false
}

// Go runs fn once. A non-nil error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.note(name, func(st *loopStats) { st.active++ })
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := runOnce(s.ctx, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.note(name, func(st *loopStats) {
			st.active--
			if panicked {
				st.panics++
			}
			if err != nil {
				st.lastErr = err.Error()
			}
		})
		if err != nil {
			s.log.Error("goroutine failed", logx.String("name", name), logx.Bool("panic", panicked), logx.Err(err))
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Backoff bounds the wait between restarts.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

func (b Backoff) norm() Backoff {
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = 30 * time.Second
		if b.Max < b.Min {
			b.Max = b.Min
		}
	}
	return b
}

// GoRestart runs fn until ctx ends, restarting it after errors and panics
// with jittered exponential backoff. A clean return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, b Backoff) {
	if fn == nil {
		return
	}
	b = b.norm()
	s.Go0(name+".restart", func(ctx context.Context) {
		wait := b.Min
		for ctx.Err() == nil {
			startedAt := time.Now()
			s.note(name, func(st *loopStats) { st.active++ })
			err, panicked := runOnce(ctx, fn)
			s.note(name, func(st *loopStats) {
				st.active--
				if panicked {
					st.panics++
				}
				if err != nil && ctx.Err() == nil {
					st.lastErr = err.Error()
				}
			})
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			if time.Since(startedAt) >= 30*time.Second {
				wait = b.Min
			}
			d := wait + jitter(wait)
			s.note(name, func(st *loopStats) { st.restarts++ })
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Bool("panic", panicked), logx.Duration("backoff", d), logx.Err(err))

			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait *= 2
			if wait > b.Max {
				wait = b.Max
			}
		}
	})
}

// jitter is up to 20% of d.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % (j + 1))
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
