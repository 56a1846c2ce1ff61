// Package kv provides the local key-value backends behind the session store:
// an in-process map, a durable SQLite file and Redis.
package kv

import (
	"context"
	"sync"
)

// Memory is a thread-safe in-process key-value store. Contents do not survive
// a restart; use it for tests and throwaway runs.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// Get retrieves a value. Returns false if the key does not exist.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	return v, ok, nil
}

// SetMany stores all entries under a single lock.
func (m *Memory) SetMany(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range entries {
		m.items[k] = v
	}
	return nil
}

// Delete removes the given keys under a single lock.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
