// Package engine defines the script engine trait and its registry. Engines
// run user scripts against injected native modules; the bridge layer keeps
// blocking native calls off the interpreter goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// NativeFunc is a host function exposed to scripts. Arguments and results
// cross the boundary as JSON-shaped values: nil, bool, float64, string,
// []interface{} and map[string]interface{}.
type NativeFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Module is a named namespace of native functions injected into an engine.
type Module struct {
	Name      string
	Functions map[string]NativeFunc
}

// Capabilities reports what an engine supports beyond plain execution.
type Capabilities struct {
	Streaming  bool
	Debugging  bool
	Completion bool
}

// Result is the outcome of an execution. Repr is the display form sent on
// the wire; Value keeps the JSON-shaped result for native consumers.
type Result struct {
	Value interface{}
	Repr  string
}

// Engine is one script language runtime. Implementations are not safe for
// concurrent Execute calls; the kernel serializes executions per engine.
type Engine interface {
	Name() string
	Version() string
	Capabilities() Capabilities

	// SetOutput routes script print output. Must be called before Execute.
	SetOutput(stdout, stderr io.Writer)

	// Inject makes modules visible to scripts under their module names.
	Inject(modules []Module) error

	// Load validates code without running it.
	Load(code string) error

	// Execute runs code to completion, honoring ctx cancellation.
	Execute(ctx context.Context, code string) (*Result, error)

	// Complete returns completion candidates for the identifier ending at
	// cursorPos. Engines without Completion capability return nil.
	Complete(code string, cursorPos int) []string

	Close() error
}

// Chunk is one piece of streamed execution output.
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// ExecuteStream runs code on e, delivering output incrementally. Chunks
// arrive as the script writes; the final result (or error) arrives after the
// chunk channel closes. The sequence is finite and non-restartable; ctx
// cancels it. Callers own the engine for the duration: engines serialize
// executions, and ExecuteStream rebinds the engine's output writers.
func ExecuteStream(ctx context.Context, e Engine, code string) (<-chan Chunk, <-chan *Result, <-chan error) {
	chunks := make(chan Chunk, 16)
	results := make(chan *Result, 1)
	errs := make(chan error, 1)

	e.SetOutput(
		&chunkWriter{ch: chunks, stream: "stdout"},
		&chunkWriter{ch: chunks, stream: "stderr"},
	)
	go func() {
		res, err := e.Execute(ctx, code)
		close(chunks)
		if err != nil {
			errs <- err
		} else {
			results <- res
		}
		close(results)
		close(errs)
	}()
	return chunks, results, errs
}

type chunkWriter struct {
	ch     chan Chunk
	stream string
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.ch <- Chunk{Stream: w.stream, Text: string(p)}
	return len(p), nil
}

// Factory builds a fresh engine instance.
type Factory func() (Engine, error)

// ErrEngineUnknown is returned for lookups of unregistered engines.
var ErrEngineUnknown = errors.New("engine: unknown engine")

// Registry maps engine names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces an engine factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a fresh instance of the named engine.
func (r *Registry) New(name string) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineUnknown, name)
	}
	return f()
}

// List returns registered engine names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
