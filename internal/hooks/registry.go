package hooks

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Factory constructs a hook on first use. Factories keep registration cheap:
// a hook behind a disabled feature is never built.
type Factory func() (Hook, error)

// Descriptor declares a hook registration.
type Descriptor struct {
	Point       Point
	Priority    int    // lower runs first
	Language    string // engine tag; "native" for Go hooks
	Feature     string // gating feature; empty = always on
	Recoverable bool   // errors skip the hook instead of failing the operation
	Factory     Factory
}

type registered struct {
	id   string
	desc Descriptor
	seq  uint64 // registration order; stable tiebreak within a priority

	once     sync.Once
	instance Hook
	buildErr error
}

// hook lazily instantiates the registered hook.
func (r *registered) hook() (Hook, error) {
	r.once.Do(func() {
		r.instance, r.buildErr = r.desc.Factory()
	})
	return r.instance, r.buildErr
}

// Registry holds priority-ordered hook lists per point. Feature gates are
// plain atomics so a disabled feature costs one load per chain member.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*registered
	points map[Point][]*registered
	seq    atomic.Uint64

	featMu   sync.Mutex
	features map[string]*atomic.Bool

	// active counts registrations per point so the executor can skip the
	// whole chain with a single atomic load when nothing is registered.
	active map[Point]*atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		byID:     make(map[string]*registered),
		points:   make(map[Point][]*registered),
		features: make(map[string]*atomic.Bool),
		active:   make(map[Point]*atomic.Int64),
	}
	for p := range knownPoints {
		r.active[p] = &atomic.Int64{}
	}
	return r
}

// Register adds a hook descriptor, returning its registration id.
func (r *Registry) Register(d Descriptor) (string, error) {
	if !d.Point.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPoint, d.Point)
	}
	if d.Factory == nil {
		return "", fmt.Errorf("hooks: descriptor for %s has no factory", d.Point)
	}
	if d.Language == "" {
		d.Language = "native"
	}
	reg := &registered{
		id:   uuid.NewString(),
		desc: d,
		seq:  r.seq.Add(1),
	}
	r.mu.Lock()
	r.byID[reg.id] = reg
	list := append(r.points[d.Point], reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].desc.Priority != list[j].desc.Priority {
			return list[i].desc.Priority < list[j].desc.Priority
		}
		return list[i].seq < list[j].seq
	})
	r.points[d.Point] = list
	r.mu.Unlock()
	r.active[d.Point].Add(1)
	return reg.id, nil
}

// Unregister removes a hook by registration id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	list := r.points[reg.desc.Point]
	for i, cand := range list {
		if cand.id == id {
			r.points[reg.desc.Point] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	r.active[reg.desc.Point].Add(-1)
	return true
}

// HooksAt returns the chain for a point in execution order.
func (r *Registry) HooksAt(point Point) []*registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*registered(nil), r.points[point]...)
}

// Registration summarizes a registered hook for listings.
type Registration struct {
	ID       string
	Point    Point
	Priority int
	Language string
}

// List returns registrations at a point in execution order.
func (r *Registry) List(point Point) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.points[point]))
	for _, reg := range r.points[point] {
		out = append(out, Registration{
			ID:       reg.id,
			Point:    reg.desc.Point,
			Priority: reg.desc.Priority,
			Language: reg.desc.Language,
		})
	}
	return out
}

// Active reports whether any hook is registered at the point. One atomic
// load; this is the fast path the disabled-hooks overhead target depends on.
func (r *Registry) Active(point Point) bool {
	c, ok := r.active[point]
	return ok && c.Load() > 0
}

// SetFeature flips a feature gate.
func (r *Registry) SetFeature(name string, enabled bool) {
	r.featMu.Lock()
	gate, ok := r.features[name]
	if !ok {
		gate = &atomic.Bool{}
		r.features[name] = gate
	}
	r.featMu.Unlock()
	gate.Store(enabled)
}

// FeatureEnabled reports a gate's state. Unknown features default to enabled
// so ungated hooks always run.
func (r *Registry) FeatureEnabled(name string) bool {
	if name == "" {
		return true
	}
	r.featMu.Lock()
	gate, ok := r.features[name]
	r.featMu.Unlock()
	if !ok {
		return true
	}
	return gate.Load()
}

// Stats reports registration counts per point.
func (r *Registry) Stats() map[Point]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Point]int, len(r.points))
	for p, list := range r.points {
		if len(list) > 0 {
			out[p] = len(list)
		}
	}
	return out
}
