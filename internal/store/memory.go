package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process KV with the same semantics as the SQLite store.
// It backs unit tests and has no durability.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		lists:  make(map[string][]string),
	}
}

// Get returns the value for key, or nil if the key does not exist.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set writes value under key, replacing any previous value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// ListPush appends member to the list at key unless already present.
func (m *Memory) ListPush(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.lists[key] {
		if existing == member {
			return false, nil
		}
	}
	m.lists[key] = append(m.lists[key], member)
	return true, nil
}

// ListRange returns the members of the list at key in insertion order.
func (m *Memory) ListRange(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.lists[key]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// ListDelete removes the entire list at key.
func (m *Memory) ListDelete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	return nil
}

// Keys returns every key ending in suffix across values and lists.
func (m *Memory) Keys(_ context.Context, suffix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var keys []string
	for k := range m.values {
		if strings.HasSuffix(k, suffix) {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if _, ok := seen[k]; ok {
			continue
		}
		if strings.HasSuffix(k, suffix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
