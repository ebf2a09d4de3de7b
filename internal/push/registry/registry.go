// Package registry tracks which client identifiers currently have a live
// transport session and mirrors that into per-device connection indicators.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

// ErrClosed is returned by Conn.Send when the session is no longer open.
var ErrClosed = errors.New("transport closed")

// Conn is one live transport session.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	IsOpen() bool
}

// Identity is the person/device a client id was registered for.
type Identity struct {
	Person string `json:"person"`
	Device string `json:"device"`
}

func (i Identity) valid() bool { return i.Person != "" && i.Device != "" }

// Writer receives connection indicator writes.
type Writer interface {
	Set(ctx context.Context, path string, value any, ack bool) error
}

type entry struct {
	conn  Conn
	ident Identity
}

// Entry is a read-only view used by Snapshot.
type Entry struct {
	ClientID string   `json:"client_id"`
	ConnID   string   `json:"conn_id"`
	Identity Identity `json:"identity"`
	Open     bool     `json:"open"`
}

type Registry struct {
	ns  paths.Namespace
	w   Writer
	log logx.Logger

	mu      sync.RWMutex
	clients map[string]entry
}

func New(ns paths.Namespace, w Writer, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		ns:      ns,
		w:       w,
		log:     log.With(logx.String("comp", "registry")),
		clients: map[string]entry{},
	}
}

// Register maps clientID to conn. A previous session for the same id is
// replaced but not closed.
func (r *Registry) Register(ctx context.Context, clientID string, conn Conn, ident Identity) {
	r.mu.Lock()
	prev, had := r.clients[clientID]
	r.clients[clientID] = entry{conn: conn, ident: ident}
	r.mu.Unlock()

	if had && prev.conn != conn {
		r.log.Debug("client re-registered",
			logx.String("client_id", clientID),
			logx.String("old_conn", prev.conn.ID()),
			logx.String("new_conn", conn.ID()),
		)
		if prev.ident != ident && prev.ident.valid() && !r.identityOpen(prev.ident) {
			r.setConnection(ctx, prev.ident, false)
		}
	}
	r.setConnection(ctx, ident, true)
}

// Unregister removes every client id bound to conn and returns them.
func (r *Registry) Unregister(ctx context.Context, conn Conn) []string {
	var ids []string
	for _, id := range r.IDsFor(conn) {
		if r.Release(ctx, id, conn) {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDsFor lists the client ids currently bound to conn, sorted.
func (r *Registry) IDsFor(conn Conn) []string {
	var ids []string
	r.mu.RLock()
	for id, e := range r.clients {
		if e.conn == conn {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Release removes clientID only while it is still bound to conn, then flips
// the connection indicator off if no other open session holds the identity.
// Callers serialize Release against Register for the same id.
func (r *Registry) Release(ctx context.Context, clientID string, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.clients[clientID]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, clientID)
	r.mu.Unlock()

	if e.ident.valid() && !r.identityOpen(e.ident) {
		r.setConnection(ctx, e.ident, false)
	}
	return true
}

// Lookup returns the session for clientID, open or not.
func (r *Registry) Lookup(clientID string) (Conn, Identity, bool) {
	r.mu.RLock()
	e, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, Identity{}, false
	}
	return e.conn, e.ident, true
}

func (r *Registry) IsOpen(clientID string) bool {
	c, _, ok := r.Lookup(clientID)
	return ok && c.IsOpen()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.clients))
	for id, e := range r.clients {
		out = append(out, Entry{ClientID: id, ConnID: e.conn.ID(), Identity: e.ident, Open: e.conn.IsOpen()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (r *Registry) identityOpen(ident Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.clients {
		if e.ident == ident && e.conn.IsOpen() {
			return true
		}
	}
	return false
}

// setConnection is best-effort; failures are logged only.
func (r *Registry) setConnection(ctx context.Context, ident Identity, online bool) {
	if r.w == nil || !ident.valid() {
		return
	}
	p := r.ns.DeviceField(ident.Person, ident.Device, paths.DeviceConnection)
	if err := r.w.Set(ctx, p, online, true); err != nil {
		r.log.Warn("connection indicator write failed",
			logx.String("path", p),
			logx.Bool("online", online),
			logx.Err(err),
		)
	}
}
