package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"llmspell/internal/events"
	"llmspell/internal/hooks"
)

// Tool is a named, invokable capability exposed to scripts and agents.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]interface{}) (interface{}, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, input map[string]interface{}) (interface{}, error)
}

func (t *ToolFunc) Name() string        { return t.ToolName }
func (t *ToolFunc) Description() string { return t.Desc }

func (t *ToolFunc) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return t.Fn(ctx, input)
}

// Errors reported by the tool registry.
var (
	ErrToolUnknown   = errors.New("agents: unknown tool")
	ErrToolDuplicate = errors.New("agents: tool already registered")
)

// ToolRegistry holds tools and runs them under the hook chain. Hooks at
// BeforeToolExecution may replace the input or cancel the invocation; hooks
// at AfterToolExecution observe the result.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	hooks *hooks.Executor
	bus   *events.Bus
}

// NewToolRegistry creates a registry. hooksExec and bus may be nil.
func NewToolRegistry(hooksExec *hooks.Executor, bus *events.Bus) *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
		hooks: hooksExec,
		bus:   bus,
	}
}

// Register adds a tool. Names are unique.
func (r *ToolRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrToolDuplicate, t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolUnknown, name)
	}
	return t, nil
}

// List returns registered tool names, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool. correlationID ties hook records and events to
// the request that caused the invocation.
func (r *ToolRegistry) Execute(ctx context.Context, name, correlationID string, input map[string]interface{}) (interface{}, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if r.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.BeforeToolExecution,
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"tool": name},
			Value:         input,
		}
		out, err := r.hooks.Execute(ctx, hc)
		if err != nil {
			return nil, err
		}
		if replaced, ok := out.Value.(map[string]interface{}); ok {
			input = replaced
		}
	}

	started := time.Now()
	result, err := tool.Execute(ctx, input)
	elapsed := time.Since(started)

	if r.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.AfterToolExecution,
			CorrelationID: correlationID,
			Data: map[string]interface{}{
				"tool":        name,
				"duration_ms": elapsed.Milliseconds(),
				"failed":      err != nil,
			},
			Value: result,
		}
		if _, hookErr := r.hooks.Execute(ctx, hc); hookErr != nil && err == nil {
			err = hookErr
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.New(events.ToolInvoked, "", correlationID, map[string]interface{}{
			"tool":        name,
			"duration_ms": elapsed.Milliseconds(),
			"failed":      err != nil,
		}))
	}
	return result, err
}
