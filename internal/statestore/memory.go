package statestore

import (
	"context"
	"strings"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemory returns a process-local backend.
func NewMemory() Backend {
	return &memoryBackend{data: map[string]Record{}}
}

// NewMemoryStore is a convenience for tests: an observed Store over a fresh memory backend.
func NewMemoryStore() *Store { return New(NewMemory()) }

func (m *memoryBackend) Get(_ context.Context, path string) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.data[path]
	m.mu.RUnlock()
	return rec, ok, nil
}

func (m *memoryBackend) Put(_ context.Context, path string, rec Record) error {
	m.mu.Lock()
	m.data[path] = rec
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	pfx := prefix + "."
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, 16)
	for k := range m.data {
		if strings.HasPrefix(k, pfx) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memoryBackend) Close() error { return nil }
