// Package queue holds undelivered payloads per client identifier, in
// enqueue order, until the client reconnects.
package queue

import (
	"sort"
	"sync"
	"time"

	logx "pushbridge/pkg/logx"
)

// Message is one undelivered payload.
type Message struct {
	Seq        uint64    `json:"seq"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SendFunc delivers one message. Any error stops the drain.
type SendFunc func(Message) error

type Config struct {
	// MaxPerClient caps each sequence; the oldest message is dropped when full. 0 = unbounded.
	MaxPerClient int
}

// DropFunc is told about messages removed without delivery.
type DropFunc func(clientID string, m Message, reason string)

type Queue struct {
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	cfg    Config
	seq    uint64
	byID   map[string][]Message
	onDrop DropFunc
}

func New(cfg Config, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:  log.With(logx.String("comp", "queue")),
		now:  time.Now,
		cfg:  cfg,
		byID: map[string][]Message{},
	}
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// OnDrop registers a callback for capped or pruned messages.
func (q *Queue) OnDrop(fn DropFunc) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Enqueue appends payload to clientID's sequence.
func (q *Queue) Enqueue(clientID string, payload []byte) Message {
	q.mu.Lock()
	q.seq++
	m := Message{Seq: q.seq, Payload: append([]byte(nil), payload...), EnqueuedAt: q.now()}
	seq := append(q.byID[clientID], m)

	var dropped []Message
	if limit := q.cfg.MaxPerClient; limit > 0 && len(seq) > limit {
		n := len(seq) - limit
		dropped = append(dropped, seq[:n]...)
		seq = append([]Message(nil), seq[n:]...)
	}
	q.byID[clientID] = seq
	onDrop := q.onDrop
	q.mu.Unlock()

	for _, d := range dropped {
		q.log.Warn("queue full, dropped oldest message",
			logx.String("client_id", clientID),
			logx.Uint64("seq", d.Seq),
		)
		if onDrop != nil {
			onDrop(clientID, d, "cap")
		}
	}
	return m
}

// Drain hands queued messages to send in order. The first failure puts that
// message back at the head and stops. It returns how many were delivered.
// Callers serialize Drain and Enqueue per client id.
func (q *Queue) Drain(clientID string, send SendFunc) int {
	delivered := 0
	for {
		m, ok := q.pop(clientID)
		if !ok {
			return delivered
		}
		if err := send(m); err != nil {
			q.pushFront(clientID, m)
			q.log.Debug("drain stopped",
				logx.String("client_id", clientID),
				logx.Int("delivered", delivered),
				logx.Err(err),
			)
			return delivered
		}
		delivered++
	}
}

func (q *Queue) pop(clientID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq, ok := q.byID[clientID]
	if !ok {
		return Message{}, false
	}
	if len(seq) == 0 {
		delete(q.byID, clientID)
		return Message{}, false
	}
	m := seq[0]
	if len(seq) == 1 {
		delete(q.byID, clientID)
	} else {
		q.byID[clientID] = seq[1:]
	}
	return m, true
}

func (q *Queue) pushFront(clientID string, m Message) {
	q.mu.Lock()
	seq := q.byID[clientID]
	out := make([]Message, 0, len(seq)+1)
	out = append(out, m)
	out = append(out, seq...)
	q.byID[clientID] = out
	q.mu.Unlock()
}

// Len is the number of messages waiting for clientID.
func (q *Queue) Len(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID[clientID])
}

// Depth is the total number of queued messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, seq := range q.byID {
		n += len(seq)
	}
	return n
}

// Clients lists ids with pending messages, sorted.
func (q *Queue) Clients() []string {
	q.mu.Lock()
	out := make([]string, 0, len(q.byID))
	for id := range q.byID {
		out = append(out, id)
	}
	q.mu.Unlock()
	sort.Strings(out)
	return out
}

// Prune drops messages older than maxAge and returns how many were removed.
func (q *Queue) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	type drop struct {
		id string
		m  Message
	}
	cutoff := q.now().Add(-maxAge)

	q.mu.Lock()
	var dropped []drop
	for id, seq := range q.byID {
		i := 0
		for i < len(seq) && seq[i].EnqueuedAt.Before(cutoff) {
			dropped = append(dropped, drop{id, seq[i]})
			i++
		}
		switch {
		case i == len(seq):
			delete(q.byID, id)
		case i > 0:
			q.byID[id] = append([]Message(nil), seq[i:]...)
		}
	}
	onDrop := q.onDrop
	q.mu.Unlock()

	if onDrop != nil {
		for _, d := range dropped {
			onDrop(d.id, d.m, "expired")
		}
	}
	if len(dropped) > 0 {
		q.log.Info("pruned expired messages", logx.Int("count", len(dropped)), logx.Duration("max_age", maxAge))
	}
	return len(dropped)
}
