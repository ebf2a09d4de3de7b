package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks any failure of the underlying backend.
var ErrUnavailable = errors.New("state store unavailable")

// Record is one stored value plus who wrote it.
type Record struct {
	Value any       `json:"val"`
	Ack   bool      `json:"ack"`
	TS    time.Time `json:"ts"`
}

// Signal is emitted after every successful write.
// Ack is true for writes the service makes itself.
type Signal struct {
	Path  string
	Value any
	Ack   bool
	At    time.Time
}

// Backend is the raw persistence API a driver implements.
type Backend interface {
	Get(ctx context.Context, path string) (Record, bool, error)
	Put(ctx context.Context, path string, rec Record) error
	// Keys returns every stored path that starts with prefix+".".
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config configures the backend.
//
// Driver values: "memory" (default), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
	Password    string // redis
}
