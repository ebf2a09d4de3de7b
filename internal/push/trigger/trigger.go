// Package trigger reacts to state changes under the messages sub-trees:
// a send flag builds a payload, a payload value dispatches it.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"pushbridge/internal/metrics"
	"pushbridge/internal/push/dispatch"
	"pushbridge/internal/push/payload"
	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, scope paths.Scope, base, payload string) (dispatch.Report, error)
}

type Deps struct {
	Namespace  paths.Namespace
	Store      payload.Store
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// Trigger owns a single loop over an unbounded, ordered inbox.
type Trigger struct {
	ns    paths.Namespace
	store payload.Store
	disp  Dispatcher
	m     *metrics.Metrics
	log   logx.Logger

	mu    sync.Mutex
	inbox []statestore.Signal
	poke  chan struct{}
}

func New(d Deps) *Trigger {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Trigger{
		ns:    d.Namespace,
		store: d.Store,
		disp:  d.Dispatcher,
		m:     d.Metrics,
		log:   d.Log.With(logx.String("comp", "trigger")),
		poke:  make(chan struct{}, 1),
	}
}

// Observe is a statestore.Observer. It only queues signals below a messages
// sub-tree and never blocks.
func (t *Trigger) Observe(sig statestore.Signal) {
	if !paths.IsMessagesPath(sig.Path) {
		return
	}
	t.Push(sig)
}

// Push appends sig to the inbox.
func (t *Trigger) Push(sig statestore.Signal) {
	t.mu.Lock()
	t.inbox = append(t.inbox, sig)
	t.mu.Unlock()
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

// Pending is the current inbox length.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

// Run handles signals in arrival order until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	t.log.Debug("trigger loop started")
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("trigger loop stopped", logx.Int("pending", t.Pending()))
			return nil
		case <-t.poke:
		}
		for {
			sig, ok := t.next()
			if !ok {
				break
			}
			t.safeHandle(ctx, sig)
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// Drain handles everything queued so far on the caller's goroutine.
func (t *Trigger) Drain(ctx context.Context) int {
	n := 0
	for {
		sig, ok := t.next()
		if !ok {
			return n
		}
		t.safeHandle(ctx, sig)
		n++
	}
}

func (t *Trigger) next() (statestore.Signal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		t.inbox = nil
		return statestore.Signal{}, false
	}
	sig := t.inbox[0]
	t.inbox[0] = statestore.Signal{}
	t.inbox = t.inbox[1:]
	return sig, true
}

func (t *Trigger) safeHandle(ctx context.Context, sig statestore.Signal) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("trigger handler panic",
				logx.String("path", sig.Path),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := t.Handle(ctx, sig); err != nil {
		t.log.Warn("trigger handler failed", logx.String("path", sig.Path), logx.Err(err))
	}
}

// Handle processes one signal synchronously.
func (t *Trigger) Handle(ctx context.Context, sig statestore.Signal) error {
	scope, base, field, err := t.ns.ParseMessage(sig.Path)
	if err != nil {
		if errors.Is(err, paths.ErrMalformed) {
			t.log.Warn("dropping signal with malformed path", logx.String("path", sig.Path))
			t.m.Trigger("malformed")
			return nil
		}
		return err
	}

	switch field {
	case paths.FieldSend:
		if sig.Ack || !statestore.IsTrue(sig.Value) {
			return nil
		}
		t.m.Trigger(paths.FieldSend)
		return t.onSend(ctx, scope, base)
	case paths.FieldPayload:
		s, ok := sig.Value.(string)
		if !ok || s == "" {
			return nil
		}
		t.m.Trigger(paths.FieldPayload)
		_, err := t.disp.Dispatch(ctx, scope, base, s)
		return err
	default:
		return nil
	}
}

func (t *Trigger) onSend(ctx context.Context, scope paths.Scope, base string) error {
	_, buildErr := payload.Build(ctx, t.store, base)

	// Reset even when the build failed.
	sendPath := paths.Field(base, paths.FieldSend)
	resetErr := t.store.Set(ctx, sendPath, false, true)

	switch {
	case buildErr != nil && resetErr != nil:
		return fmt.Errorf("%s: %w (reset: %v)", scope, buildErr, resetErr)
	case buildErr != nil:
		return fmt.Errorf("%s: %w", scope, buildErr)
	case resetErr != nil:
		return fmt.Errorf("%s: reset send: %w", scope, resetErr)
	}
	return nil
}
