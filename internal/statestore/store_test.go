package statestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pushbridge/pkg/logx"
)

func TestStoreSetNotifiesInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	var got []Signal
	s.Observe(func(sig Signal) { got = append(got, sig) })

	require.NoError(t, s.Set(ctx, "pb.0.a", "x", false))
	require.NoError(t, s.Set(ctx, "pb.0.b", true, true))

	require.Len(t, got, 2)
	assert.Equal(t, "pb.0.a", got[0].Path)
	assert.False(t, got[0].Ack)
	assert.Equal(t, "pb.0.b", got[1].Path)
	assert.True(t, got[1].Ack)
}

func TestStoreGetMissingIsNotAnError(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	v, ok, err := s.Get(context.Background(), "pb.0.nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	str, ok, err := s.GetString(context.Background(), "pb.0.nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, str)
}

func TestChildrenDistinctSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	for _, p := range []string{
		"pb.0.person.bob",
		"pb.0.person.alice",
		"pb.0.person.alice.phone",
		"pb.0.person.alice.phone.ws_device_id",
		"pb.0.person.alice.watch",
		"pb.0.person.alice.messages.title",
		"pb.0.personal",
	} {
		require.NoError(t, s.Set(ctx, p, "v", true))
	}

	persons, err := s.Children(ctx, "pb.0.person")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, persons)

	sub, err := s.Children(ctx, "pb.0.person.alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"messages", "phone", "watch"}, sub)
}

func TestSetIfMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	wrote, err := s.SetIfMissing(ctx, "pb.0.tags.door", false, true)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = s.SetIfMissing(ctx, "pb.0.tags.door", true, true)
	require.NoError(t, err)
	assert.False(t, wrote)
	v, _, _ := s.Get(ctx, "pb.0.tags.door")
	assert.Equal(t, false, v)
}

type failingBackend struct{ Backend }

func (failingBackend) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, errors.New("boom")
}

func (failingBackend) Put(context.Context, string, Record) error { return errors.New("boom") }

func TestBackendErrorsWrapUnavailable(t *testing.T) {
	t.Parallel()
	s := New(failingBackend{Backend: NewMemory()})
	called := false
	s.Observe(func(Signal) { called = true })

	_, _, err := s.Get(context.Background(), "pb.0.x")
	assert.ErrorIs(t, err, ErrUnavailable)
	err = s.Set(context.Background(), "pb.0.x", 1.0, false)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called, "failed writes must not signal")
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "pb.0.person.alice", "alice", true))
	require.NoError(t, s.Set(ctx, "pb.0.person.alice.phone.ws_device_id", "c1", false))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.GetString(ctx, "pb.0.person.alice.phone.ws_device_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", v)
}

func TestFileBackendReplaysJournalWithoutSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	fb, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	s := New(fb)
	require.NoError(t, s.Set(ctx, "pb.0.tags.door", true, false))
	// Simulate a crash: drop the handle without compacting.
	require.NoError(t, fb.journal.Close())
	fb.journal = nil

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.Get(ctx, "pb.0.tags.door")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "pb.0.zones.home.alice", true, false))
	require.NoError(t, s.Set(ctx, "pb.0.zones.home.alice_distance", 12.5, false))
	require.NoError(t, s.Set(ctx, "pb.0.zones.work.bob", false, false))
	require.NoError(t, s.Set(ctx, "pb.0.zones_x.odd", false, false))

	zones, err := s.Children(ctx, "pb.0.zones")
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "work"}, zones)

	d, ok, err := s.Get(ctx, "pb.0.zones.home.alice_distance")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.5, d)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}

func TestValueHelpers(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTrue(true))
	assert.False(t, IsTrue("true"))
	assert.False(t, IsTrue(1.0))

	s, ok := Text("  hi ")
	assert.True(t, ok)
	assert.Equal(t, "hi", s)
	_, ok = Text("")
	assert.False(t, ok)
	_, ok = Text(nil)
	assert.False(t, ok)
	s, ok = Text(3.0)
	assert.True(t, ok)
	assert.Equal(t, "3", s)

	s, ok = RawText("  line one\n")
	assert.True(t, ok)
	assert.Equal(t, "  line one\n", s)
	_, ok = RawText(" \t ")
	assert.False(t, ok)
}
