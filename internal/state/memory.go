package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is a map-backed Backend used for tests, ephemeral kernels and
// as the migration scratch target.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // scope string -> key -> entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]map[string]*Entry)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, scope Scope, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[scope.String()][key]; ok {
		return e.clone(), nil
	}
	return nil, ErrNotFound
}

func (b *MemoryBackend) Put(_ context.Context, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sk := e.Scope.String()
	if b.entries[sk] == nil {
		b.entries[sk] = make(map[string]*Entry)
	}
	b.entries[sk][e.Key] = e.clone()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, scope Scope, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys, ok := b.entries[scope.String()]
	if !ok {
		return false, nil
	}
	if _, ok := keys[key]; !ok {
		return false, nil
	}
	delete(keys, key)
	return true, nil
}

func (b *MemoryBackend) ListKeys(_ context.Context, scope Scope) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries[scope.String()]))
	for k := range b.entries[scope.String()] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) ListAll(_ context.Context) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Entry
	for _, keys := range b.entries {
		for _, e := range keys {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope.String() != out[j].Scope.String() {
			return out[i].Scope.String() < out[j].Scope.String()
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]map[string]*Entry)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
