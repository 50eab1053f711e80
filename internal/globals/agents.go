package globals

import (
	"context"
	"time"

	"llmspell/internal/agents"
	"llmspell/internal/bridge"
	"llmspell/internal/engine"
)

// defaultCallTimeout bounds provider-backed calls made from scripts.
const defaultCallTimeout = 5 * time.Minute

// AgentGlobal exposes agent creation and execution. Provider completions run
// through the bridge runtime so an interpreter goroutine never blocks on the
// provider directly and an interrupt can cut the wait short.
type AgentGlobal struct {
	base
	registry *agents.Registry
	runtime  *bridge.Runtime
	token    func() *bridge.Token // current interrupt token, per execution
}

// NewAgentGlobal wraps the agent registry. token supplies the interrupt
// token of the execution in flight; nil means no interrupt wiring.
func NewAgentGlobal(registry *agents.Registry, runtime *bridge.Runtime, token func() *bridge.Token) *AgentGlobal {
	if token == nil {
		token = func() *bridge.Token { return bridge.NewToken() }
	}
	return &AgentGlobal{
		base:     base{name: "Agent", version: "1.0", deps: []string{"Provider", "Tool"}},
		registry: registry,
		runtime:  runtime,
		token:    token,
	}
}

func (g *AgentGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Agent.create{name=..., provider=..., model=..., system_prompt=..., tools={...}}
			"create": func(ctx context.Context, args []interface{}) (interface{}, error) {
				spec := optMap(args, 0)
				if spec == nil {
					return nil, errMissingSpec
				}
				as := agents.AgentSpec{
					Name:         str(spec["name"]),
					Provider:     str(spec["provider"]),
					Model:        str(spec["model"]),
					SystemPrompt: str(spec["system_prompt"]),
					MaxTokens:    num(spec["max_tokens"]),
				}
				if tools, ok := spec["tools"].([]interface{}); ok {
					for _, t := range tools {
						as.Tools = append(as.Tools, str(t))
					}
				}
				agent, err := g.registry.Create(ctx, as)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"id": agent.ID, "name": agent.Spec.Name}, nil
			},
			// Agent.execute(name, input) -> response text
			"execute": func(ctx context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				input, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				agent, err := g.registry.Get(name)
				if err != nil {
					return nil, err
				}
				correlationID := correlationFrom(ctx)
				return g.runtime.BlockOnAsync(g.token(), defaultCallTimeout, func(taskCtx context.Context) (interface{}, error) {
					return agent.Execute(taskCtx, correlationID, input)
				})
			},
			// Agent.list() -> names
			"list": func(context.Context, []interface{}) (interface{}, error) {
				return toAnySlice(g.registry.List()), nil
			},
			// Agent.remove(name)
			"remove": func(ctx context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return nil, g.registry.Remove(ctx, name)
			},
			// Agent.conversation(name) -> turns
			"conversation": func(_ context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				agent, err := g.registry.Get(name)
				if err != nil {
					return nil, err
				}
				turns := agent.Conversation()
				out := make([]interface{}, len(turns))
				for i, turn := range turns {
					out[i] = map[string]interface{}{"role": turn.Role, "content": turn.Content}
				}
				return out, nil
			},
		},
	}
}

// ToolGlobal exposes the tool registry, including registering script tools.
type ToolGlobal struct {
	base
	registry *agents.ToolRegistry

	// invoke runs a script tool callback by handle.
	invoke func(ctx context.Context, handle string, input map[string]interface{}) (interface{}, error)
}

// NewToolGlobal wraps the tool registry.
func NewToolGlobal(registry *agents.ToolRegistry) *ToolGlobal {
	return &ToolGlobal{
		base:     base{name: "Tool", version: "1.0"},
		registry: registry,
	}
}

// BindInvoker installs the engine-side tool callback dispatcher.
func (g *ToolGlobal) BindInvoker(invoke func(ctx context.Context, handle string, input map[string]interface{}) (interface{}, error)) {
	g.invoke = invoke
}

func (g *ToolGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Tool.register(name, description, handle)
			"register": func(_ context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				desc := optString(args, 1)
				handle, err := argString(args, 2)
				if err != nil {
					return nil, err
				}
				if g.invoke == nil {
					return nil, errNoToolInvoker
				}
				invoke := g.invoke
				return nil, g.registry.Register(&agents.ToolFunc{
					ToolName: name,
					Desc:     desc,
					Fn: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
						return invoke(ctx, handle, input)
					},
				})
			},
			// Tool.invoke(name, input) -> result
			"invoke": func(ctx context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return g.registry.Execute(ctx, name, correlationFrom(ctx), optMap(args, 1))
			},
			// Tool.list() -> names
			"list": func(context.Context, []interface{}) (interface{}, error) {
				return toAnySlice(g.registry.List()), nil
			},
		},
	}
}

// WorkflowGlobal exposes workflow creation and execution.
type WorkflowGlobal struct {
	base
	registry *agents.WorkflowRegistry
	runtime  *bridge.Runtime
	token    func() *bridge.Token
}

// NewWorkflowGlobal wraps the workflow registry.
func NewWorkflowGlobal(registry *agents.WorkflowRegistry, runtime *bridge.Runtime, token func() *bridge.Token) *WorkflowGlobal {
	if token == nil {
		token = func() *bridge.Token { return bridge.NewToken() }
	}
	return &WorkflowGlobal{
		base:     base{name: "Workflow", version: "1.0", deps: []string{"Agent", "Tool"}},
		registry: registry,
		runtime:  runtime,
		token:    token,
	}
}

func decodeSteps(raw []interface{}) []agents.Step {
	steps := make([]agents.Step, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		step := agents.Step{
			Name:  str(m["name"]),
			Kind:  str(m["kind"]),
			Ref:   str(m["ref"]),
			Mode:  str(m["mode"]),
			Input: asMap(m["input"]),
		}
		if nested, ok := m["steps"].([]interface{}); ok {
			step.Steps = decodeSteps(nested)
		}
		steps = append(steps, step)
	}
	return steps
}

func (g *WorkflowGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Workflow.create{name=..., mode=..., steps={...}} -> id
			"create": func(_ context.Context, args []interface{}) (interface{}, error) {
				spec := optMap(args, 0)
				if spec == nil {
					return nil, errMissingSpec
				}
				ws := agents.WorkflowSpec{
					Name: str(spec["name"]),
					Mode: str(spec["mode"]),
				}
				if raw, ok := spec["steps"].([]interface{}); ok {
					ws.Steps = decodeSteps(raw)
				}
				return g.registry.Create(ws)
			},
			// Workflow.execute(name, input) -> {output=..., steps=n}
			"execute": func(ctx context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				input := optMap(args, 1)
				correlationID := correlationFrom(ctx)
				result, err := g.runtime.BlockOnAsync(g.token(), defaultCallTimeout, func(taskCtx context.Context) (interface{}, error) {
					return g.registry.Execute(taskCtx, name, correlationID, input)
				})
				if err != nil {
					return nil, err
				}
				wr := result.(*agents.WorkflowResult)
				return map[string]interface{}{
					"workflow": wr.Workflow,
					"output":   wr.Output,
					"steps":    len(wr.Steps),
				}, nil
			},
			// Workflow.list() -> names
			"list": func(context.Context, []interface{}) (interface{}, error) {
				return toAnySlice(g.registry.List()), nil
			},
		},
	}
}

// ProviderGlobal exposes the registered provider names; registration itself
// is host-side only.
type ProviderGlobal struct {
	base
	registry *agents.ProviderRegistry
}

// NewProviderGlobal wraps the provider registry.
func NewProviderGlobal(registry *agents.ProviderRegistry) *ProviderGlobal {
	return &ProviderGlobal{
		base:     base{name: "Provider", version: "1.0"},
		registry: registry,
	}
}

func (g *ProviderGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Provider.list() -> names
			"list": func(context.Context, []interface{}) (interface{}, error) {
				return toAnySlice(g.registry.List()), nil
			},
		},
	}
}
