package statestore

import (
	"context"
	"errors"
	"strings"

	logx "pushbridge/pkg/logx"
)

// Compactor is implemented by backends that benefit from periodic compaction.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Open initializes the configured backend and wraps it in a Store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		b   Backend
		err error
	)
	switch driver {
	case "", "memory":
		b = NewMemory()
	case "file":
		b, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		b, err = openSQLite(cfg, log)
	case "redis":
		b, err = openRedis(cfg)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	return New(b), nil
}

// Compact runs backend compaction when supported.
func (s *Store) Compact(ctx context.Context) error {
	c, ok := s.b.(Compactor)
	if !ok {
		return nil
	}
	return c.Compact(ctx)
}
