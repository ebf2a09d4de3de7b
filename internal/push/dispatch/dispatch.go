// Package dispatch resolves a recipient scope to client identifiers and
// delivers a payload to each, queueing for clients that are not connected.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pushbridge/internal/eventbus"
	"pushbridge/internal/metrics"
	"pushbridge/internal/push/queue"
	"pushbridge/internal/push/registry"
	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

// ErrUnresolved marks a device with no recorded client identifier.
var ErrUnresolved = errors.New("no client id recorded")

// Store is the subset of statestore.Store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, path string) (any, bool, error)
	Set(ctx context.Context, path string, value any, ack bool) error
	Children(ctx context.Context, prefix string) ([]string, error)
}

type Deps struct {
	Namespace paths.Namespace
	Store     Store
	Registry  *registry.Registry
	Queue     *queue.Queue
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Dispatcher struct {
	ns    paths.Namespace
	store Store
	reg   *registry.Registry
	q     *queue.Queue
	bus   eventbus.Bus
	m     *metrics.Metrics
	log   logx.Logger
	locks *keyLocks
}

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	disp := &Dispatcher{
		ns:    d.Namespace,
		store: d.Store,
		reg:   d.Registry,
		q:     d.Queue,
		bus:   d.Bus,
		m:     d.Metrics,
		log:   d.Log.With(logx.String("comp", "dispatch")),
		locks: newKeyLocks(),
	}
	disp.q.OnDrop(func(clientID string, _ queue.Message, reason string) {
		disp.publish(eventbus.PushDropped, eventbus.PushEvent{ClientID: clientID, Reason: reason})
		disp.m.Dropped(reason)
	})
	return disp
}

// Target is one resolved recipient.
type Target struct {
	ClientID string `json:"client_id"`
	Person   string `json:"person"`
	Device   string `json:"device"`
}

// Report summarizes one Dispatch call.
type Report struct {
	Delivered int `json:"delivered"`
	Queued    int `json:"queued"`
	Skipped   int `json:"skipped"`
}

// Notification wraps a serialized payload in the delivery envelope. Payloads
// that are not valid JSON are carried as a JSON string.
func Notification(payload string) []byte {
	var raw json.RawMessage
	if json.Valid([]byte(payload)) {
		raw = json.RawMessage(payload)
	} else {
		raw, _ = json.Marshal(payload)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}{"notification", raw})
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Dispatch delivers payload to every client in scope, then clears the payload
// field at base. A resolution failure is returned after the clear.
func (d *Dispatcher) Dispatch(ctx context.Context, scope paths.Scope, base, payload string) (Report, error) {
	var rep Report
	defer d.clearPayload(ctx, base)

	targets, skipped, err := d.Resolve(ctx, scope)
	rep.Skipped = skipped
	if err != nil {
		return rep, fmt.Errorf("dispatch %s: %w", scope, err)
	}

	msg := Notification(payload)
	for _, t := range targets {
		if d.deliver(ctx, t, scope, msg) {
			rep.Delivered++
		} else {
			rep.Queued++
		}
	}
	d.log.Debug("dispatched",
		logx.String("scope", scope.Kind.String()),
		logx.String("target", scope.String()),
		logx.Int("delivered", rep.Delivered),
		logx.Int("queued", rep.Queued),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// deliver reports true when msg was sent immediately.
func (d *Dispatcher) deliver(ctx context.Context, t Target, scope paths.Scope, msg []byte) bool {
	unlock := d.locks.lock(t.ClientID)
	defer unlock()

	ev := eventbus.PushEvent{ClientID: t.ClientID, Person: t.Person, Device: t.Device, Scope: scope.Kind.String()}
	conn, _, ok := d.reg.Lookup(t.ClientID)
	open := ok && conn.IsOpen()

	if open && d.q.Len(t.ClientID) == 0 {
		err := conn.Send(ctx, msg)
		if err == nil {
			d.publish(eventbus.PushDelivered, ev)
			d.m.Push("delivered", ev.Scope)
			return true
		}
		d.log.Debug("send failed, queueing", logx.String("client_id", t.ClientID), logx.Err(err))
		ev.Reason = err.Error()
		open = false
	}

	d.q.Enqueue(t.ClientID, msg)
	d.publish(eventbus.PushQueued, ev)
	d.m.Push("queued", ev.Scope)
	if open {
		// Backlog ahead of this message: keep order by draining behind it.
		d.drainLocked(ctx, t.ClientID, conn)
	}
	return false
}

// Connect registers conn for clientID and replays its backlog. It returns the
// number of replayed messages.
func (d *Dispatcher) Connect(ctx context.Context, clientID string, conn registry.Conn, ident registry.Identity) int {
	unlock := d.locks.lock(clientID)
	defer unlock()

	d.reg.Register(ctx, clientID, conn, ident)
	d.publish(eventbus.ClientOnline, eventbus.PushEvent{ClientID: clientID, Person: ident.Person, Device: ident.Device})
	n := d.drainLocked(ctx, clientID, conn)
	if n > 0 {
		d.log.Info("replayed queued messages", logx.String("client_id", clientID), logx.Int("count", n))
	}
	return n
}

// Disconnect forgets every client id still bound to conn. Each id is
// released under its client lock and only while it still maps to conn.
func (d *Dispatcher) Disconnect(ctx context.Context, conn registry.Conn) []string {
	var ids []string
	for _, id := range d.reg.IDsFor(conn) {
		if d.release(ctx, id, conn) {
			ids = append(ids, id)
			d.publish(eventbus.ClientOffline, eventbus.PushEvent{ClientID: id})
		}
	}
	return ids
}

func (d *Dispatcher) release(ctx context.Context, clientID string, conn registry.Conn) bool {
	unlock := d.locks.lock(clientID)
	defer unlock()
	return d.reg.Release(ctx, clientID, conn)
}

// IsOnline reports whether clientID has an open session.
func (d *Dispatcher) IsOnline(clientID string) bool { return d.reg.IsOpen(clientID) }

// Flush drains clientID's backlog if it is connected.
func (d *Dispatcher) Flush(ctx context.Context, clientID string) int {
	unlock := d.locks.lock(clientID)
	defer unlock()
	conn, _, ok := d.reg.Lookup(clientID)
	if !ok || !conn.IsOpen() {
		return 0
	}
	return d.drainLocked(ctx, clientID, conn)
}

func (d *Dispatcher) drainLocked(ctx context.Context, clientID string, conn registry.Conn) int {
	n := d.q.Drain(clientID, func(m queue.Message) error {
		return conn.Send(ctx, m.Payload)
	})
	for i := 0; i < n; i++ {
		d.m.Push("replayed", "")
	}
	if n > 0 {
		d.publish(eventbus.PushDelivered, eventbus.PushEvent{ClientID: clientID, Reason: fmt.Sprintf("replayed %d", n)})
	}
	return n
}

// Resolve maps scope to client ids. Devices without a recorded id are skipped
// and counted.
func (d *Dispatcher) Resolve(ctx context.Context, scope paths.Scope) ([]Target, int, error) {
	var devices []Target
	switch scope.Kind {
	case paths.ScopeDevice:
		devices = []Target{{Person: scope.Person, Device: scope.Device}}
	case paths.ScopePerson:
		ds, err := d.devicesOf(ctx, scope.Person)
		if err != nil {
			return nil, 0, err
		}
		devices = ds
	case paths.ScopeGlobal:
		persons, err := d.store.Children(ctx, d.ns.Persons())
		if err != nil {
			return nil, 0, err
		}
		for _, p := range persons {
			if p == paths.Messages {
				continue
			}
			ds, err := d.devicesOf(ctx, p)
			if err != nil {
				return nil, 0, err
			}
			devices = append(devices, ds...)
		}
	default:
		return nil, 0, fmt.Errorf("unknown scope kind %d", scope.Kind)
	}

	seen := make(map[string]struct{}, len(devices))
	out := make([]Target, 0, len(devices))
	skipped := 0
	for _, t := range devices {
		id, err := d.clientID(ctx, t.Person, t.Device)
		if err != nil {
			if !errors.Is(err, ErrUnresolved) {
				return nil, skipped, err
			}
			skipped++
			d.log.Warn("skipping device without client id",
				logx.String("person", t.Person),
				logx.String("device", t.Device),
			)
			d.publish(eventbus.PushSkipped, eventbus.PushEvent{Person: t.Person, Device: t.Device, Scope: scope.Kind.String(), Reason: ErrUnresolved.Error()})
			d.m.Push("skipped", scope.Kind.String())
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		t.ClientID = id
		out = append(out, t)
	}
	return out, skipped, nil
}

func (d *Dispatcher) devicesOf(ctx context.Context, person string) ([]Target, error) {
	kids, err := d.store.Children(ctx, d.ns.Person(person))
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(kids))
	for _, dev := range kids {
		if dev == paths.Messages {
			continue
		}
		out = append(out, Target{Person: person, Device: dev})
	}
	return out, nil
}

func (d *Dispatcher) clientID(ctx context.Context, person, device string) (string, error) {
	v, ok, err := d.store.Get(ctx, d.ns.DeviceField(person, device, paths.DeviceClientID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnresolved
	}
	id, ok := statestore.Text(v)
	if !ok {
		return "", ErrUnresolved
	}
	return id, nil
}

func (d *Dispatcher) clearPayload(ctx context.Context, base string) {
	if base == "" {
		return
	}
	p := paths.Field(base, paths.FieldPayload)
	if err := d.store.Set(ctx, p, "", true); err != nil {
		d.log.Warn("payload clear failed", logx.String("path", p), logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, ev eventbus.PushEvent) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
