package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbridge/internal/eventbus"
	"pushbridge/internal/push/queue"
	"pushbridge/internal/push/registry"
	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

const ns = paths.Namespace("pushbridge.0")

type fakeConn struct {
	id string

	mu     sync.Mutex
	open   bool
	failAt int // fail the n-th send (1-based); 0 = never
	sends  int
	got    []string
}

func newConn(id string) *fakeConn { return &fakeConn{id: id, open: true} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(_ context.Context, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if !c.open || (c.failAt > 0 && c.sends == c.failAt) {
		return registry.ErrClosed
	}
	c.got = append(c.got, string(b))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

type fixture struct {
	st  *statestore.Store
	reg *registry.Registry
	q   *queue.Queue
	bus eventbus.Bus
	d   *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := statestore.NewMemoryStore()
	reg := registry.New(ns, st, logx.Nop())
	q := queue.New(queue.Config{}, logx.Nop())
	bus := eventbus.New()
	return &fixture{
		st:  st,
		reg: reg,
		q:   q,
		bus: bus,
		d: New(Deps{
			Namespace: ns,
			Store:     st,
			Registry:  reg,
			Queue:     q,
			Bus:       bus,
			Log:       logx.Nop(),
		}),
	}
}

func (f *fixture) device(t *testing.T, person, device, clientID string) {
	t.Helper()
	require.NoError(t, f.st.Set(context.Background(), ns.DeviceField(person, device, paths.DeviceClientID), clientID, true))
}

func note(p string) string { return `{"action":"notification","payload":` + p + `}` }

func TestDispatchBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "alice", "phone", "c1")
	f.device(t, "alice", "watch", "c2")
	f.device(t, "bob", "tablet", "c3")

	c1, c2 := newConn("s1"), newConn("s2")
	f.d.Connect(ctx, "c1", c1, registry.Identity{Person: "alice", Device: "phone"})
	f.d.Connect(ctx, "c2", c2, registry.Identity{Person: "alice", Device: "watch"})

	base := ns.Base(paths.GlobalScope())
	require.NoError(t, f.st.Set(ctx, base+".payload", `{"x":1}`, false))
	rep, err := f.d.Dispatch(ctx, paths.GlobalScope(), base, `{"x":1}`)
	require.NoError(t, err)
	assert.Equal(t, Report{Delivered: 2, Queued: 1}, rep)

	assert.Equal(t, []string{note(`{"x":1}`)}, c1.messages())
	assert.Equal(t, []string{note(`{"x":1}`)}, c2.messages())
	assert.Equal(t, 1, f.q.Len("c3"))

	v, _, err := f.st.Get(ctx, base+".payload")
	require.NoError(t, err)
	assert.Equal(t, "", v, "payload cleared after dispatch")
}

func TestReconnectReplaysInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "bob", "tablet", "c3")
	scope := paths.DeviceScope("bob", "tablet")

	_, err := f.d.Dispatch(ctx, scope, ns.Base(scope), `"A"`)
	require.NoError(t, err)
	_, err = f.d.Dispatch(ctx, scope, ns.Base(scope), `"B"`)
	require.NoError(t, err)
	require.Equal(t, 2, f.q.Len("c3"))

	conn := newConn("s3")
	n := f.d.Connect(ctx, "c3", conn, registry.Identity{Person: "bob", Device: "tablet"})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{note(`"A"`), note(`"B"`)}, conn.messages())
	assert.Zero(t, f.q.Len("c3"))
	assert.Empty(t, f.q.Clients())
}

func TestSendFailureFallsBackToQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "alice", "phone", "c1")
	conn := newConn("s1")
	conn.failAt = 1
	f.d.Connect(ctx, "c1", conn, registry.Identity{Person: "alice", Device: "phone"})

	scope := paths.DeviceScope("alice", "phone")
	rep, err := f.d.Dispatch(ctx, scope, ns.Base(scope), `"A"`)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	assert.Equal(t, 1, f.q.Len("c1"))

	// Backlog present: the next message queues behind and both drain in order.
	_, err = f.d.Dispatch(ctx, scope, ns.Base(scope), `"B"`)
	require.NoError(t, err)
	assert.Equal(t, []string{note(`"A"`), note(`"B"`)}, conn.messages())
	assert.Zero(t, f.q.Len("c1"))
}

func TestUnresolvedDevicesSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.device(t, "alice", "phone", "c1")
	require.NoError(t, f.st.Set(ctx, ns.DeviceField("alice", "laptop", paths.DeviceConnection), false, true))
	require.NoError(t, f.st.Set(ctx, ns.Base(paths.PersonScope("alice"))+".title", "x", false))

	rep, err := f.d.Dispatch(ctx, paths.PersonScope("alice"), ns.Base(paths.PersonScope("alice")), `{}`)
	require.NoError(t, err)
	assert.Equal(t, Report{Queued: 1, Skipped: 1}, rep)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.PushSkipped)
	assert.Contains(t, types, eventbus.PushQueued)
}

func TestResolveDedupesClientIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device(t, "alice", "phone", "same")
	f.device(t, "alice", "tablet", "same")
	targets, skipped, err := f.d.Resolve(context.Background(), paths.PersonScope("alice"))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, targets, 1)
	assert.Equal(t, "same", targets[0].ClientID)
}

func TestDisconnectFlipsConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	conn := newConn("s1")
	f.d.Connect(ctx, "c1", conn, registry.Identity{Person: "alice", Device: "phone"})
	ids := f.d.Disconnect(ctx, conn)
	assert.Equal(t, []string{"c1"}, ids)

	v, _, err := f.st.Get(ctx, ns.DeviceField("alice", "phone", paths.DeviceConnection))
	require.NoError(t, err)
	assert.Equal(t, false, v)
	assert.Zero(t, f.d.Flush(ctx, "c1"))
}

func TestNotificationWrapsNonJSON(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `{"action":"notification","payload":"plain text"}`, string(Notification("plain text")))
	assert.Equal(t, `{"action":"notification","payload":{"a":1}}`, string(Notification(`{"a":1}`)))
}

func TestKeyLocksReleased(t *testing.T) {
	t.Parallel()
	k := newKeyLocks()
	unlock := k.lock("a")
	assert.Equal(t, 1, k.size())
	unlock()
	assert.Zero(t, k.size())
}

type downStore struct{ *statestore.Store }

func (downStore) Children(context.Context, string) ([]string, error) {
	return nil, statestore.ErrUnavailable
}

func TestResolveStoreFailureStillClearsPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	q := queue.New(queue.Config{}, logx.Nop())
	d := New(Deps{Namespace: ns, Store: downStore{st}, Registry: registry.New(ns, st, logx.Nop()), Queue: q})

	base := ns.Base(paths.GlobalScope())
	require.NoError(t, st.Set(ctx, base+".payload", "{}", false))
	_, err := d.Dispatch(ctx, paths.GlobalScope(), base, "{}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, statestore.ErrUnavailable))

	v, _, _ := st.Get(ctx, base+".payload")
	assert.Equal(t, "", v)
}

// gateWriter holds the next connection=false write until release is closed.
type gateWriter struct {
	*statestore.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gateWriter) Set(ctx context.Context, path string, value any, ack bool) error {
	if v, ok := value.(bool); ok && !v && strings.HasSuffix(path, "."+paths.DeviceConnection) && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Set(ctx, path, value, ack)
}

func TestDisconnectSerializedWithReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	gate := &gateWriter{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	reg := registry.New(ns, gate, logx.Nop())
	d := New(Deps{Namespace: ns, Store: st, Registry: reg, Queue: queue.New(queue.Config{}, logx.Nop())})
	ident := registry.Identity{Person: "alice", Device: "phone"}

	old, fresh := newConn("old"), newConn("fresh")
	d.Connect(ctx, "c1", old, ident)
	old.close()
	gate.armed.Store(true)

	disconnected := make(chan []string, 1)
	go func() { disconnected <- d.Disconnect(ctx, old) }()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("offline indicator write never started")
	}

	connected := make(chan struct{})
	go func() {
		d.Connect(ctx, "c1", fresh, ident)
		close(connected)
	}()
	select {
	case <-connected:
		t.Fatal("Connect finished while the old session was still being released")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	assert.Equal(t, []string{"c1"}, <-disconnected)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not finish")
	}

	assert.True(t, d.IsOnline("c1"))
	conn, _, ok := reg.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, fresh, conn)
	v, _, err := st.Get(ctx, ns.DeviceField("alice", "phone", paths.DeviceConnection))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	assert.Empty(t, d.Disconnect(ctx, old), "stale session no longer owns c1")
}

func TestConcurrentDispatchAndReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "alice", "phone", "c1")
	ident := registry.Identity{Person: "alice", Device: "phone"}
	scope := paths.DeviceScope("alice", "phone")
	const (
		total      = 200
		reconnects = 20
	)

	conns := []*fakeConn{newConn("s0")}
	f.d.Connect(ctx, "c1", conns[0], ident)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := f.d.Dispatch(ctx, scope, ns.Base(scope), strconv.Itoa(i))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= reconnects; i++ {
			prev := conns[len(conns)-1]
			prev.close()
			f.d.Disconnect(ctx, prev)
			next := newConn(fmt.Sprintf("s%d", i))
			conns = append(conns, next)
			f.d.Connect(ctx, "c1", next, ident)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			f.d.Flush(ctx, "c1")
		}
	}()
	wg.Wait()
	f.d.Flush(ctx, "c1")

	want := make([]string, total)
	for i := range want {
		want[i] = note(strconv.Itoa(i))
	}
	var got []string
	for _, c := range conns {
		got = append(got, c.messages()...)
	}
	assert.Equal(t, want, got, "each message exactly once, in enqueue order")
	assert.Zero(t, f.q.Len("c1"))
	assert.True(t, f.d.IsOnline("c1"))

	v, _, err := f.st.Get(ctx, ns.DeviceField("alice", "phone", paths.DeviceConnection))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}
