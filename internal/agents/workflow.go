package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"llmspell/internal/events"
	"llmspell/internal/hooks"
)

// Workflow execution modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Step kinds.
const (
	StepTool     = "tool"
	StepAgent    = "agent"
	StepWorkflow = "workflow"
)

// Step is one unit of a workflow. StepWorkflow steps nest: they carry their
// own mode and sub-steps instead of a Ref.
type Step struct {
	Name  string                 `json:"name"`
	Kind  string                 `json:"kind"`
	Ref   string                 `json:"ref,omitempty"`   // tool or agent name
	Input map[string]interface{} `json:"input,omitempty"` // merged over the carried input
	Mode  string                 `json:"mode,omitempty"`  // nested workflows only
	Steps []Step                 `json:"steps,omitempty"` // nested workflows only
}

// WorkflowSpec describes a workflow to register.
type WorkflowSpec struct {
	Name  string `json:"name"`
	Mode  string `json:"mode"`
	Steps []Step `json:"steps"`
}

// StepResult records one completed step.
type StepResult struct {
	Step     string        `json:"step"`
	Output   interface{}   `json:"output"`
	Duration time.Duration `json:"duration"`
	Nested   []StepResult  `json:"nested,omitempty"`
}

// WorkflowResult is the outcome of a workflow run.
type WorkflowResult struct {
	Workflow string       `json:"workflow"`
	Steps    []StepResult `json:"steps"`
	Output   interface{}  `json:"output"` // last step output in sequential mode
}

// Errors reported by the workflow registry.
var (
	ErrWorkflowUnknown   = errors.New("agents: unknown workflow")
	ErrWorkflowDuplicate = errors.New("agents: workflow already exists")
)

// WorkflowRegistry creates and runs workflows over the agent and tool
// registries.
type WorkflowRegistry struct {
	agents *Registry
	tools  *ToolRegistry
	hooks  *hooks.Executor
	bus    *events.Bus

	mu        sync.RWMutex
	workflows map[string]*WorkflowSpec
	ids       map[string]string // id -> name
}

// NewWorkflowRegistry wires a workflow registry. hooksExec and bus may be nil.
func NewWorkflowRegistry(agents *Registry, tools *ToolRegistry, hooksExec *hooks.Executor, bus *events.Bus) *WorkflowRegistry {
	return &WorkflowRegistry{
		agents:    agents,
		tools:     tools,
		hooks:     hooksExec,
		bus:       bus,
		workflows: make(map[string]*WorkflowSpec),
		ids:       make(map[string]string),
	}
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("agents: workflow needs at least one step")
	}
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case StepTool, StepAgent:
			if s.Ref == "" {
				return fmt.Errorf("agents: step %q needs a ref", s.Name)
			}
		case StepWorkflow:
			if s.Mode != ModeSequential && s.Mode != ModeParallel {
				return fmt.Errorf("agents: nested step %q has invalid mode %q", s.Name, s.Mode)
			}
			if err := validateSteps(s.Steps); err != nil {
				return err
			}
		default:
			return fmt.Errorf("agents: step %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// Create registers a workflow and returns its generated ID.
func (r *WorkflowRegistry) Create(spec WorkflowSpec) (string, error) {
	if spec.Name == "" {
		return "", errors.New("agents: workflow name required")
	}
	if spec.Mode != ModeSequential && spec.Mode != ModeParallel {
		return "", fmt.Errorf("agents: invalid workflow mode %q", spec.Mode)
	}
	if err := validateSteps(spec.Steps); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[spec.Name]; ok {
		return "", fmt.Errorf("%w: %q", ErrWorkflowDuplicate, spec.Name)
	}
	id := uuid.NewString()
	r.workflows[spec.Name] = &spec
	r.ids[id] = spec.Name
	return id, nil
}

// Get returns a workflow by name or ID.
func (r *WorkflowRegistry) Get(nameOrID string) (*WorkflowSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wf, ok := r.workflows[nameOrID]; ok {
		return wf, nil
	}
	if name, ok := r.ids[nameOrID]; ok {
		return r.workflows[name], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrWorkflowUnknown, nameOrID)
}

// List returns workflow names, sorted.
func (r *WorkflowRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs a workflow. In sequential mode each step sees the previous
// step's output as input["previous"]; in parallel mode all steps run
// concurrently against the initial input and the first error cancels the rest.
func (r *WorkflowRegistry) Execute(ctx context.Context, nameOrID, correlationID string, input map[string]interface{}) (*WorkflowResult, error) {
	wf, err := r.Get(nameOrID)
	if err != nil {
		return nil, err
	}

	if r.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.BeforeWorkflowStart,
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"workflow": wf.Name},
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
	results, output, err := r.runSteps(ctx, correlationID, wf.Mode, wf.Steps, input)
	elapsed := time.Since(started)

	result := &WorkflowResult{Workflow: wf.Name, Steps: results, Output: output}

	if r.hooks != nil {
		hc := &hooks.HookContext{
			Point:         hooks.AfterWorkflowComplete,
			CorrelationID: correlationID,
			Data: map[string]interface{}{
				"workflow":    wf.Name,
				"duration_ms": elapsed.Milliseconds(),
				"failed":      err != nil,
			},
			Value: output,
		}
		if _, hookErr := r.hooks.Execute(ctx, hc); hookErr != nil && err == nil {
			err = hookErr
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.New(events.WorkflowCompleted, "", correlationID, map[string]interface{}{
			"workflow":    wf.Name,
			"steps":       len(results),
			"duration_ms": elapsed.Milliseconds(),
			"failed":      err != nil,
		}))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *WorkflowRegistry) runSteps(ctx context.Context, correlationID, mode string, steps []Step, input map[string]interface{}) ([]StepResult, interface{}, error) {
	if mode == ModeParallel {
		results := make([]StepResult, len(steps))
		g, gctx := errgroup.WithContext(ctx)
		for i := range steps {
			i := i
			g.Go(func() error {
				res, err := r.runStep(gctx, correlationID, steps[i], input)
				if err != nil {
					return fmt.Errorf("step %q: %w", steps[i].Name, err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		outputs := make(map[string]interface{}, len(results))
		for _, res := range results {
			outputs[res.Step] = res.Output
		}
		return results, outputs, nil
	}

	var (
		results []StepResult
		carried interface{}
	)
	for _, step := range steps {
		stepInput := input
		if carried != nil {
			stepInput = make(map[string]interface{}, len(input)+1)
			for k, v := range input {
				stepInput[k] = v
			}
			stepInput["previous"] = carried
		}
		res, err := r.runStep(ctx, correlationID, step, stepInput)
		if err != nil {
			return nil, nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		results = append(results, res)
		carried = res.Output
	}
	return results, carried, nil
}

func (r *WorkflowRegistry) runStep(ctx context.Context, correlationID string, step Step, input map[string]interface{}) (StepResult, error) {
	merged := input
	if len(step.Input) > 0 {
		merged = make(map[string]interface{}, len(input)+len(step.Input))
		for k, v := range input {
			merged[k] = v
		}
		for k, v := range step.Input {
			merged[k] = v
		}
	}

	started := time.Now()
	switch step.Kind {
	case StepTool:
		out, err := r.tools.Execute(ctx, step.Ref, correlationID, merged)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Step: step.Name, Output: out, Duration: time.Since(started)}, nil
	case StepAgent:
		agent, err := r.agents.Get(step.Ref)
		if err != nil {
			return StepResult{}, err
		}
		prompt, _ := merged["prompt"].(string)
		if prompt == "" {
			if prev, ok := merged["previous"].(string); ok {
				prompt = prev
			}
		}
		out, err := agent.Execute(ctx, correlationID, prompt)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Step: step.Name, Output: out, Duration: time.Since(started)}, nil
	case StepWorkflow:
		nested, out, err := r.runSteps(ctx, correlationID, step.Mode, step.Steps, merged)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Step: step.Name, Output: out, Duration: time.Since(started), Nested: nested}, nil
	default:
		return StepResult{}, fmt.Errorf("agents: step %q has unknown kind %q", step.Name, step.Kind)
	}
}
