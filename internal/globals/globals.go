// Package globals builds the engine-neutral script API. Each global is a
// named namespace of native functions; the registry orders them by
// declared dependencies before injection so a global can rely on its
// dependencies being present.
package globals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"llmspell/internal/engine"
)

// Global is one injectable script namespace.
type Global interface {
	Name() string
	Version() string
	// Dependencies names globals that must be injected before this one.
	Dependencies() []string
	// Required globals abort engine setup when they fail to build.
	Required() bool
	Module() engine.Module
}

// Errors reported by the registry.
var (
	ErrGlobalDuplicate = errors.New("globals: global already registered")
	ErrGlobalMissing   = errors.New("globals: missing dependency")
	ErrGlobalCycle     = errors.New("globals: dependency cycle")
)

// Registry holds globals and resolves their injection order.
type Registry struct {
	mu      sync.RWMutex
	globals map[string]Global
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{globals: make(map[string]Global)}
}

// Register adds a global.
func (r *Registry) Register(g Global) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.globals[g.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrGlobalDuplicate, g.Name())
	}
	r.globals[g.Name()] = g
	return nil
}

// Get returns a registered global.
func (r *Registry) Get(name string) (Global, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.globals[name]
	return g, ok
}

// List returns global names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.globals))
	for n := range r.globals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ordered returns all globals topologically sorted by dependencies. Unknown
// dependencies and cycles are rejected. Ties resolve alphabetically so the
// order is deterministic.
func (r *Registry) Ordered() ([]Global, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int, len(r.globals))
	var out []Global

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w involving %q", ErrGlobalCycle, name)
		}
		g, ok := r.globals[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrGlobalMissing, name)
		}
		marks[name] = visiting
		deps := append([]string(nil), g.Dependencies()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = done
		out = append(out, g)
		return nil
	}

	names := make([]string, 0, len(r.globals))
	for n := range r.globals {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InjectAll resolves the order and injects every global into the engine.
// Optional globals whose injection fails are skipped; required ones abort.
func (r *Registry) InjectAll(e engine.Engine) error {
	ordered, err := r.Ordered()
	if err != nil {
		return err
	}
	for _, g := range ordered {
		if err := e.Inject([]engine.Module{g.Module()}); err != nil {
			if g.Required() {
				return fmt.Errorf("globals: inject %q: %w", g.Name(), err)
			}
			continue
		}
	}
	return nil
}

// base carries the common Global plumbing.
type base struct {
	name     string
	version  string
	deps     []string
	required bool
}

func (b base) Name() string           { return b.name }
func (b base) Version() string        { return b.version }
func (b base) Dependencies() []string { return b.deps }
func (b base) Required() bool         { return b.required }

// Argument helpers shared by the concrete globals. Script arguments arrive
// JSON-shaped; numbers are float64 from Lua and may be int from Go scripts.

func argString(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("argument %d missing", i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: want string, got %T", i+1, args[i])
	}
	return s, nil
}

func optString(args []interface{}, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

func argInt(args []interface{}, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("argument %d missing", i+1)
	}
	switch n := args[i].(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("argument %d: want number, got %T", i+1, args[i])
}

func optInt(args []interface{}, i int) int {
	n, err := argInt(args, i)
	if err != nil {
		return 0
	}
	return n
}

func optMap(args []interface{}, i int) map[string]interface{} {
	if i >= len(args) {
		return nil
	}
	m, _ := args[i].(map[string]interface{})
	return m
}

func argAny(args []interface{}, i int) (interface{}, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("argument %d missing", i+1)
	}
	return args[i], nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var (
	errMissingSpec   = errors.New("spec table required")
	errNoToolInvoker = errors.New("no script tool invoker bound")
)

type contextKey int

const (
	correlationKey contextKey = iota
	sessionKey
)

// WithCorrelation stamps the correlation id of the request driving an
// execution onto its context; globals tag hook records and events with it.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

func correlationFrom(ctx context.Context) string {
	s, _ := ctx.Value(correlationKey).(string)
	return s
}

// WithSession stamps the active session id onto an execution context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

func sessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}
