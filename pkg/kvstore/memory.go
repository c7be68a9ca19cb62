package kvstore

import (
	"context"
	"errors"
	"sync"
)

// Memory is the in-process backend: a map guarded by a single mutex. The
// store-wide lock is acceptable because a single instance has no parallel
// writers from other processes, and it keeps read-modify-write sequences
// atomic across goroutines.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// NewMemory creates an empty in-process store.
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{entries: make(map[string]V)}
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

func (m *Memory[V]) GetOrDefault(ctx context.Context, key string, def V) (V, error) {
	v, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

func (m *Memory[V]) SetDefault(_ context.Context, key string, def V) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[key]; ok {
		return v, nil
	}
	m.entries[key] = def
	return def, nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory[V]) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory[V]) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory[V]) Values(_ context.Context) ([]V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]V, 0, len(m.entries))
	for _, v := range m.entries {
		values = append(values, v)
	}
	return values, nil
}

func (m *Memory[V]) Items(_ context.Context) (map[string]V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make(map[string]V, len(m.entries))
	for k, v := range m.entries {
		items[k] = v
	}
	return items, nil
}

func (m *Memory[V]) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *Memory[V]) Update(_ context.Context, key string, fn UpdateFunc[V]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.entries[key]
	next, keep := fn(current, exists)
	if !keep {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = next
	return nil
}

// NativeExpiry is always false for the in-process backend: stale entries
// remain until an explicit sweep removes them.
func (m *Memory[V]) NativeExpiry() bool { return false }
