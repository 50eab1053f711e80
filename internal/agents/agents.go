package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmspell/internal/events"
	"llmspell/internal/hooks"
	"llmspell/internal/state"
)

// Errors reported by the agent registry.
var (
	ErrAgentUnknown   = errors.New("agents: unknown agent")
	ErrAgentDuplicate = errors.New("agents: agent already exists")
)

// AgentSpec describes an agent to create. Name is unique within the registry;
// Provider empty selects the default provider.
type AgentSpec struct {
	Name         string   `json:"name"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
}

// Agent is a created agent instance. Conversation turns persist under the
// agent's own state scope so a session restore brings them back.
type Agent struct {
	ID   string
	Spec AgentSpec

	provider Provider
	tools    *ToolRegistry
	registry *Registry

	mu    sync.Mutex
	turns []ChatMessage
}

// Registry creates and tracks agents.
type Registry struct {
	providers *ProviderRegistry
	tools     *ToolRegistry
	state     *state.Manager
	hooks     *hooks.Executor
	bus       *events.Bus

	mu     sync.RWMutex
	byName map[string]*Agent
	byID   map[string]*Agent
}

// NewRegistry wires an agent registry. state, hooksExec and bus may be nil.
func NewRegistry(providers *ProviderRegistry, tools *ToolRegistry, st *state.Manager, hooksExec *hooks.Executor, bus *events.Bus) *Registry {
	return &Registry{
		providers: providers,
		tools:     tools,
		state:     st,
		hooks:     hooksExec,
		bus:       bus,
		byName:    make(map[string]*Agent),
		byID:      make(map[string]*Agent),
	}
}

// Create instantiates an agent from a spec. Referenced tools must already be
// registered.
func (r *Registry) Create(ctx context.Context, spec AgentSpec) (*Agent, error) {
	if spec.Name == "" {
		return nil, errors.New("agents: agent name required")
	}
	provider, err := r.providers.Get(spec.Provider)
	if err != nil {
		return nil, err
	}
	for _, tool := range spec.Tools {
		if _, err := r.tools.Get(tool); err != nil {
			return nil, err
		}
	}

	if r.hooks != nil {
		hc := &hooks.HookContext{
			Point: hooks.BeforeAgentInit,
			Data:  map[string]interface{}{"agent": spec.Name},
			Value: spec,
		}
		out, err := r.hooks.Execute(ctx, hc)
		if err != nil {
			return nil, err
		}
		if replaced, ok := out.Value.(AgentSpec); ok {
			replaced.Name = spec.Name
			spec = replaced
		}
	}

	agent := &Agent{
		ID:       uuid.NewString(),
		Spec:     spec,
		provider: provider,
		tools:    r.tools,
		registry: r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentDuplicate, spec.Name)
	}
	r.byName[spec.Name] = agent
	r.byID[agent.ID] = agent
	return agent, nil
}

// Get returns an agent by name or ID.
func (r *Registry) Get(nameOrID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byName[nameOrID]; ok {
		return a, nil
	}
	if a, ok := r.byID[nameOrID]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrAgentUnknown, nameOrID)
}

// List returns agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remove deletes an agent and its persisted conversation state.
func (r *Registry) Remove(ctx context.Context, nameOrID string) error {
	agent, err := r.Get(nameOrID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byName, agent.Spec.Name)
	delete(r.byID, agent.ID)
	r.mu.Unlock()
	if r.state != nil {
		scope := state.AgentScope(agent.ID)
		keys, err := r.state.ListKeys(ctx, scope)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := r.state.Delete(ctx, scope, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scope is the state scope holding the agent's conversation.
func (a *Agent) Scope() state.Scope { return state.AgentScope(a.ID) }

// Execute runs one turn: before-hooks may replace the input, the provider
// completes over the accumulated conversation, and the exchange is persisted.
func (a *Agent) Execute(ctx context.Context, correlationID, input string) (string, error) {
	reg := a.registry
	if reg.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.BeforeAgentExecution,
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"agent": a.Spec.Name},
			Value:         input,
		}
		out, err := reg.hooks.Execute(ctx, hc)
		if err != nil {
			return "", err
		}
		if replaced, ok := out.Value.(string); ok {
			input = replaced
		}
	}

	a.mu.Lock()
	messages := make([]ChatMessage, 0, len(a.turns)+2)
	if a.Spec.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: a.Spec.SystemPrompt})
	}
	messages = append(messages, a.turns...)
	messages = append(messages, ChatMessage{Role: "user", Content: input})
	a.mu.Unlock()

	started := time.Now()
	resp, err := a.provider.Complete(ctx, CompletionRequest{
		Model:       a.Spec.Model,
		Messages:    messages,
		MaxTokens:   a.Spec.MaxTokens,
		Temperature: a.Spec.Temperature,
	})
	elapsed := time.Since(started)

	var text string
	if err == nil {
		text = resp.Text
		a.mu.Lock()
		a.turns = append(a.turns,
			ChatMessage{Role: "user", Content: input},
			ChatMessage{Role: "assistant", Content: text},
		)
		turns := append([]ChatMessage(nil), a.turns...)
		a.mu.Unlock()
		if reg.state != nil {
			if serr := reg.state.SetJSON(ctx, a.Scope(), "conversation", turns, state.ClassHot); serr != nil && err == nil {
				err = serr
			}
		}
	}

	if reg.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.AfterAgentExecution,
			CorrelationID: correlationID,
			Data: map[string]interface{}{
				"agent":       a.Spec.Name,
				"duration_ms": elapsed.Milliseconds(),
				"failed":      err != nil,
			},
			Value: text,
		}
		if _, hookErr := reg.hooks.Execute(ctx, hc); hookErr != nil && err == nil {
			err = hookErr
		}
	}

	if reg.bus != nil {
		reg.bus.Publish(events.New(events.AgentCompleted, "", correlationID, map[string]interface{}{
			"agent":       a.Spec.Name,
			"duration_ms": elapsed.Milliseconds(),
			"failed":      err != nil,
		}))
	}
	return text, err
}

// InvokeTool runs one of the agent's declared tools.
func (a *Agent) InvokeTool(ctx context.Context, correlationID, name string, input map[string]interface{}) (interface{}, error) {
	allowed := false
	for _, t := range a.Spec.Tools {
		if t == name {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %q not declared by agent %q", ErrToolUnknown, name, a.Spec.Name)
	}
	return a.tools.Execute(ctx, name, correlationID, input)
}

// Conversation returns a copy of the accumulated turns.
func (a *Agent) Conversation() []ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ChatMessage(nil), a.turns...)
}

// RestoreConversation reloads turns persisted under the agent scope.
func (a *Agent) RestoreConversation(ctx context.Context) error {
	if a.registry.state == nil {
		return nil
	}
	var turns []ChatMessage
	if err := a.registry.state.GetJSON(ctx, a.Scope(), "conversation", &turns); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	a.mu.Lock()
	a.turns = turns
	a.mu.Unlock()
	return nil
}
