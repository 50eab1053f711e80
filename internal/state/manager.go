package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"llmspell/internal/logging"
)

// Manager layers scope-level ordering, the hot-entry fast path, and sharing
// permissions over a Backend.
//
// Writes within a scope are linearizable: each scope has its own mutex and
// every mutation happens under it. Cross-scope operations take no common lock
// and are unordered; Barrier gives callers an explicit fence.
type Manager struct {
	backend Backend

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	// fast path: hot and ephemeral entries, guarded by a reader-writer lock.
	fastEnabled bool
	fastMu      sync.RWMutex
	fast        map[string]*Entry // scope string + "\x00" + key

	grantMu sync.RWMutex
	grants  map[string]map[string]bool // owner scope -> grantee scope -> true

	log *zap.Logger
}

// NewManager wraps backend. fastPath enables the in-memory hot tier.
func NewManager(backend Backend, fastPath bool) *Manager {
	return &Manager{
		backend:     backend,
		scopes:      make(map[string]*sync.Mutex),
		fastEnabled: fastPath,
		fast:        make(map[string]*Entry),
		grants:      make(map[string]map[string]bool),
		log:         logging.New("state"),
	}
}

// Backend exposes the underlying backend for backup and migration.
func (m *Manager) Backend() Backend { return m.backend }

func (m *Manager) lockScope(scope Scope) *sync.Mutex {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	mu, ok := m.scopes[scope.String()]
	if !ok {
		mu = &sync.Mutex{}
		m.scopes[scope.String()] = mu
	}
	return mu
}

func fastKey(scope Scope, key string) string {
	return scope.String() + "\x00" + key
}

// Set writes value under scope/key with the given class and schema tag.
// Version increments from the current stored entry.
func (m *Manager) Set(ctx context.Context, scope Scope, key string, value []byte, schema string, class Class) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: invalid scope %q", ErrScopeViolation, scope)
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !class.Valid() {
		class = ClassCold
	}
	if schema == "" {
		schema = "json"
	}

	mu := m.lockScope(scope)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	entry := &Entry{
		Scope:     scope,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Schema:    schema,
		Class:     class,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := m.getLocked(ctx, scope, key); err == nil {
		entry.Version = prev.Version + 1
		entry.CreatedAt = prev.CreatedAt
	}

	// Ephemeral entries live in the fast tier only; without it the backend
	// holds them so the write stays readable.
	if class != ClassEphemeral || !m.fastEnabled {
		if err := m.backend.Put(ctx, entry); err != nil {
			return err
		}
	}
	if m.fastEnabled {
		m.fastMu.Lock()
		if class == ClassCold {
			// A cold overwrite must not leave a stale hot entry shadowing
			// the backend.
			delete(m.fast, fastKey(scope, key))
		} else {
			m.fast[fastKey(scope, key)] = entry.clone()
		}
		m.fastMu.Unlock()
	}
	return nil
}

// SetJSON marshals value before writing.
func (m *Manager) SetJSON(ctx context.Context, scope Scope, key string, value interface{}, class Class) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", scope, key, err)
	}
	return m.Set(ctx, scope, key, raw, "json", class)
}

// Get returns the entry for scope/key, consulting the fast path first.
func (m *Manager) Get(ctx context.Context, scope Scope, key string) (*Entry, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", ErrScopeViolation, scope)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return m.getLocked(ctx, scope, key)
}

func (m *Manager) getLocked(ctx context.Context, scope Scope, key string) (*Entry, error) {
	if m.fastEnabled {
		m.fastMu.RLock()
		e, ok := m.fast[fastKey(scope, key)]
		m.fastMu.RUnlock()
		if ok {
			return e.clone(), nil
		}
	}
	return m.backend.Get(ctx, scope, key)
}

// GetJSON unmarshals the stored value into v.
func (m *Manager) GetJSON(ctx context.Context, scope Scope, key string, v interface{}) error {
	e, err := m.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", scope, key, err)
	}
	return nil
}

// Delete removes scope/key from both tiers, reporting whether it existed.
func (m *Manager) Delete(ctx context.Context, scope Scope, key string) (bool, error) {
	if !scope.Valid() {
		return false, fmt.Errorf("%w: invalid scope %q", ErrScopeViolation, scope)
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	mu := m.lockScope(scope)
	mu.Lock()
	defer mu.Unlock()

	existedFast := false
	if m.fastEnabled {
		m.fastMu.Lock()
		if _, ok := m.fast[fastKey(scope, key)]; ok {
			existedFast = true
			delete(m.fast, fastKey(scope, key))
		}
		m.fastMu.Unlock()
	}
	existed, err := m.backend.Delete(ctx, scope, key)
	if err != nil {
		return false, err
	}
	return existed || existedFast, nil
}

// ListKeys returns the keys present in a scope across both tiers.
func (m *Manager) ListKeys(ctx context.Context, scope Scope) ([]string, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", ErrScopeViolation, scope)
	}
	keys, err := m.backend.ListKeys(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !m.fastEnabled {
		return keys, nil
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	m.fastMu.RLock()
	prefix := scope.String() + "\x00"
	for fk := range m.fast {
		if len(fk) > len(prefix) && fk[:len(prefix)] == prefix {
			if k := fk[len(prefix):]; !seen[k] {
				keys = append(keys, k)
				seen[k] = true
			}
		}
	}
	m.fastMu.RUnlock()
	return keys, nil
}

// Grant allows grantee to read entries in owner's scope via GetShared.
func (m *Manager) Grant(owner, grantee Scope) {
	m.grantMu.Lock()
	defer m.grantMu.Unlock()
	if m.grants[owner.String()] == nil {
		m.grants[owner.String()] = make(map[string]bool)
	}
	m.grants[owner.String()][grantee.String()] = true
}

// Revoke removes a sharing grant.
func (m *Manager) Revoke(owner, grantee Scope) {
	m.grantMu.Lock()
	defer m.grantMu.Unlock()
	delete(m.grants[owner.String()], grantee.String())
}

// GetShared reads owner's entry on behalf of grantee. Without a grant the
// read fails with ErrScopeViolation; scope isolation is the default.
func (m *Manager) GetShared(ctx context.Context, grantee, owner Scope, key string) (*Entry, error) {
	m.grantMu.RLock()
	allowed := m.grants[owner.String()][grantee.String()]
	m.grantMu.RUnlock()
	if !allowed {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrScopeViolation, grantee, owner)
	}
	return m.Get(ctx, owner, key)
}

// Barrier orders cross-scope writes: it acquires and releases every known
// scope lock, so all writes issued before the barrier are visible to reads
// issued after it, regardless of scope.
func (m *Manager) Barrier() {
	m.scopeMu.Lock()
	locks := make([]*sync.Mutex, 0, len(m.scopes))
	for _, mu := range m.scopes {
		locks = append(locks, mu)
	}
	m.scopeMu.Unlock()
	for _, mu := range locks {
		mu.Lock()
		mu.Unlock() //nolint:staticcheck // empty critical section is the fence
	}
}

// Clear wipes every entry in both tiers. Used by restore.
func (m *Manager) Clear(ctx context.Context) error {
	m.fastMu.Lock()
	m.fast = make(map[string]*Entry)
	m.fastMu.Unlock()
	return m.backend.Clear(ctx)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
