package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pushbridge/internal/push/registry"
)

// Conn is one WebSocket session. Writes are serialized; a failed write closes
// the session so later sends fail fast with registry.ErrClosed.
type Conn struct {
	id     string
	ws     *websocket.Conn
	remote string

	writeTimeout time.Duration

	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func newConn(c *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           c,
		remote:       c.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return registry.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return registry.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", registry.ErrClosed, err)
	}
	return nil
}

func (c *Conn) ping() error {
	if c.closed.Load() {
		return registry.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		return d
	}
	return dl
}

// Close ends the session. It is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}
