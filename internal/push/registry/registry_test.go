package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

const ns = paths.Namespace("pushbridge.0")

type fakeConn struct {
	id     string
	closed atomic.Bool
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) IsOpen() bool { return !c.closed.Load() }
func (c *fakeConn) Send(context.Context, []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func connection(t *testing.T, st *statestore.Store, person, device string) any {
	t.Helper()
	v, _, err := st.Get(context.Background(), ns.DeviceField(person, device, paths.DeviceConnection))
	require.NoError(t, err)
	return v
}

func TestRegisterLastWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	r := New(ns, st, logx.Nop())
	id := Identity{Person: "alice", Device: "phone"}

	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	r.Register(ctx, "c1", a, id)
	r.Register(ctx, "c1", b, id)

	got, ident, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, id, ident)
	assert.True(t, a.IsOpen(), "previous session must not be closed")
	assert.Equal(t, true, connection(t, st, "alice", "phone"))
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterFlipsIndicator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	r := New(ns, st, logx.Nop())
	conn := &fakeConn{id: "x"}
	r.Register(ctx, "c1", conn, Identity{Person: "alice", Device: "phone"})
	r.Register(ctx, "c2", conn, Identity{Person: "alice", Device: "watch"})

	ids := r.Unregister(ctx, conn)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.Equal(t, false, connection(t, st, "alice", "phone"))
	assert.Equal(t, false, connection(t, st, "alice", "watch"))
	assert.False(t, r.IsOpen("c1"))
	assert.Zero(t, r.Len())
}

func TestUnregisterKeepsIndicatorWhileOtherSessionOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	r := New(ns, st, logx.Nop())
	id := Identity{Person: "bob", Device: "tablet"}
	first, second := &fakeConn{id: "1"}, &fakeConn{id: "2"}
	r.Register(ctx, "old", first, id)
	r.Register(ctx, "new", second, id)

	r.Unregister(ctx, first)
	assert.Equal(t, true, connection(t, st, "bob", "tablet"))
	assert.True(t, r.IsOpen("new"))
}

func TestReleaseOnlyWhileBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	r := New(ns, st, logx.Nop())
	id := Identity{Person: "alice", Device: "phone"}
	old, fresh := &fakeConn{id: "old"}, &fakeConn{id: "fresh"}

	r.Register(ctx, "c1", old, id)
	assert.Equal(t, []string{"c1"}, r.IDsFor(old))

	old.closed.Store(true)
	r.Register(ctx, "c1", fresh, id)
	assert.Empty(t, r.IDsFor(old))

	assert.False(t, r.Release(ctx, "c1", old), "id rebound to another session")
	assert.True(t, r.IsOpen("c1"))
	assert.Equal(t, true, connection(t, st, "alice", "phone"))

	assert.True(t, r.Release(ctx, "c1", fresh))
	assert.False(t, r.Release(ctx, "c1", fresh))
	assert.Equal(t, false, connection(t, st, "alice", "phone"))
}

type failingWriter struct{ calls atomic.Int32 }

func (f *failingWriter) Set(context.Context, string, any, bool) error {
	f.calls.Add(1)
	return errors.New("store down")
}

func TestIndicatorFailureDoesNotFailRegistration(t *testing.T) {
	t.Parallel()
	w := &failingWriter{}
	r := New(ns, w, logx.Nop())
	conn := &fakeConn{id: "x"}
	r.Register(context.Background(), "c1", conn, Identity{Person: "p", Device: "d"})
	assert.True(t, r.IsOpen("c1"))
	assert.Equal(t, int32(1), w.calls.Load())
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	r := New(ns, nil, logx.Nop())
	ctx := context.Background()
	r.Register(ctx, "b", &fakeConn{id: "2"}, Identity{})
	r.Register(ctx, "a", &fakeConn{id: "1"}, Identity{})
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ClientID)
	assert.True(t, snap[1].Open)
}
