package state

import (
	"context"
	"time"
)

// Entry is one persisted scope/key record. Value is opaque bytes; Schema is
// the tag describing how to interpret them (script globals write "json").
type Entry struct {
	Scope     Scope
	Key       string
	Value     []byte
	Schema    string
	Class     Class
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// clone returns a deep copy so callers can't alias backend-owned memory.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp
}

// Backend is the durable storage contract. Implementations serialize their
// own writes; the Manager adds scope-level ordering on top. Migration and
// backup are written against this interface so any backend pair composes.
type Backend interface {
	// Name identifies the backend in snapshots and logs.
	Name() string
	// Get returns the entry or ErrNotFound.
	Get(ctx context.Context, scope Scope, key string) (*Entry, error)
	// Put inserts or replaces an entry.
	Put(ctx context.Context, e *Entry) error
	// Delete removes an entry, reporting whether it existed.
	Delete(ctx context.Context, scope Scope, key string) (bool, error)
	// ListKeys returns the sorted keys present in a scope.
	ListKeys(ctx context.Context, scope Scope) ([]string, error)
	// ListAll returns every entry. Used by snapshot and migration.
	ListAll(ctx context.Context) ([]*Entry, error)
	// Clear removes all entries.
	Clear(ctx context.Context) error
	Close() error
}
