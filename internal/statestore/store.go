package statestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Observer is called synchronously after every successful write, in write order.
// It must not block and must not write to the store.
type Observer func(Signal)

// Store wraps a Backend with write serialization and change notification.
type Store struct {
	b Backend

	wmu sync.Mutex // serializes Put+notify so observers see writes in order

	omu       sync.RWMutex
	observers []Observer

	now func() time.Time
}

func New(b Backend) *Store {
	return &Store{b: b, now: time.Now}
}

// Observe registers fn for every future write.
func (s *Store) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.omu.Lock()
	s.observers = append(s.observers, fn)
	s.omu.Unlock()
}

// Get returns the current value at path. A missing path is (nil, false, nil).
func (s *Store) Get(ctx context.Context, path string) (any, bool, error) {
	rec, ok, err := s.b.Get(ctx, path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q: %w", ErrUnavailable, path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// GetString is Get narrowed to a non-empty string.
func (s *Store) GetString(ctx context.Context, path string) (string, bool, error) {
	v, ok, err := s.Get(ctx, path)
	if err != nil || !ok {
		return "", false, err
	}
	str, ok := Text(v)
	return str, ok, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, ok, err := s.Get(ctx, path)
	return ok, err
}

// Set writes value at path. ack marks the write as made by the service itself.
func (s *Store) Set(ctx context.Context, path string, value any, ack bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrUnavailable)
	}
	at := s.now()

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.b.Put(ctx, path, Record{Value: value, Ack: ack, TS: at}); err != nil {
		return fmt.Errorf("%w: set %q: %w", ErrUnavailable, path, err)
	}

	sig := Signal{Path: path, Value: value, Ack: ack, At: at}
	s.omu.RLock()
	obs := s.observers
	s.omu.RUnlock()
	for _, fn := range obs {
		fn(sig)
	}
	return nil
}

// SetIfMissing creates path with value unless it already exists. It reports whether it wrote.
func (s *Store) SetIfMissing(ctx context.Context, path string, value any, ack bool) (bool, error) {
	ok, err := s.Exists(ctx, path)
	if err != nil || ok {
		return false, err
	}
	return true, s.Set(ctx, path, value, ack)
}

// Children lists the distinct next path segments under prefix, sorted.
func (s *Store) Children(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.b.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: keys %q: %w", ErrUnavailable, prefix, err)
	}
	return childSegments(prefix, keys), nil
}

func (s *Store) Close() error { return s.b.Close() }

func childSegments(prefix string, keys []string) []string {
	pfx := prefix + "."
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, pfx) {
			continue
		}
		rest := k[len(pfx):]
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" {
			continue
		}
		if _, dup := seen[rest]; dup {
			continue
		}
		seen[rest] = struct{}{}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}
