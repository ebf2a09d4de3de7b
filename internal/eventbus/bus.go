// Package eventbus is an in-memory fanout for lifecycle events
// (client online/offline, notification delivered/queued/skipped).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
//
// State-change signals do NOT travel over the bus: they must not be dropped,
// so they go through the trigger's own inbox.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	ClientOnline  = "client.online"
	ClientOffline = "client.offline"
	PushDelivered = "push.delivered"
	PushQueued    = "push.queued"
	PushSkipped   = "push.skipped"
	PushDropped   = "push.dropped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// PushEvent is the Data of client.* and push.* events.
type PushEvent struct {
	ClientID string `json:"client_id,omitempty"`
	Person   string `json:"person,omitempty"`
	Device   string `json:"device,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	// Holding the read lock keeps unsubscribe (which closes) from racing the send.
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything; handy for tests and disabled wiring.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
