// Package debug implements the interactive debugger core: breakpoints, step
// control, and the pause/resume handshake an instrumented engine drives by
// reporting execution positions. The kernel translates debug_request
// commands onto a Controller.
package debug

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// StepMode selects how execution proceeds after a pause.
type StepMode int

const (
	ModeContinue StepMode = iota
	ModeStepOver
	ModeStepIn
	ModeStepOut
)

// Breakpoint is one source position the debugger stops at. Condition, when
// set, is an engine expression; execution stops only when it evaluates
// truthy.
type Breakpoint struct {
	ID        int    `json:"id"`
	Source    string `json:"source"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	HitCount  int    `json:"hit_count"`
}

// Frame is one entry of the paused stack, innermost first.
type Frame struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// Evaluator runs an expression in the paused execution's scope. The engine
// binds it when debugging starts.
type Evaluator func(ctx context.Context, expr string, frame int) (interface{}, error)

// VariableLister returns the named variables visible in a frame.
type VariableLister func(frame int) map[string]interface{}

// ErrNotPaused is returned for inspection requests while running.
var ErrNotPaused = errors.New("debug: execution is not paused")

// Controller owns debugger state for one kernel. An instrumented engine
// calls CheckPosition at each line; the controller decides whether to block.
type Controller struct {
	mu     sync.Mutex
	nextBP int
	bps    map[int]*Breakpoint

	mode      StepMode
	stepDepth int // frame depth the active step was issued at

	paused  atomic.Bool
	stack   []Frame
	resume  chan StepMode
	eval    Evaluator
	vars    VariableLister
	onPause func(reason string, frame Frame)

	enabled atomic.Bool
}

// NewController creates an idle controller.
func NewController() *Controller {
	return &Controller{
		bps:    make(map[int]*Breakpoint),
		resume: make(chan StepMode, 1),
	}
}

// SetEnabled turns position checking on or off. Disabled is the fast path:
// CheckPosition returns after one atomic load.
func (c *Controller) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Enabled reports whether debugging is active.
func (c *Controller) Enabled() bool { return c.enabled.Load() }

// BindEngine installs the engine-side evaluator and variable lister.
func (c *Controller) BindEngine(eval Evaluator, vars VariableLister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eval = eval
	c.vars = vars
}

// OnPause registers a callback fired when execution stops; the kernel uses
// it to emit the stopped notification.
func (c *Controller) OnPause(fn func(reason string, frame Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPause = fn
}

// SetBreakpoint adds a breakpoint and returns it.
func (c *Controller) SetBreakpoint(source string, line int, condition string) Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextBP++
	bp := &Breakpoint{ID: c.nextBP, Source: source, Line: line, Condition: condition}
	c.bps[bp.ID] = bp
	return *bp
}

// ClearBreakpoint removes a breakpoint by id.
func (c *Controller) ClearBreakpoint(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bps[id]; !ok {
		return false
	}
	delete(c.bps, id)
	return true
}

// ClearSource removes every breakpoint in a source, returning how many.
func (c *Controller) ClearSource(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, bp := range c.bps {
		if bp.Source == source {
			delete(c.bps, id)
			n++
		}
	}
	return n
}

// Breakpoints lists breakpoints ordered by id.
func (c *Controller) Breakpoints() []Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Breakpoint, 0, len(c.bps))
	for _, bp := range c.bps {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestPause stops at the next reported position regardless of
// breakpoints.
func (c *Controller) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeStepIn
	c.stepDepth = 1 << 30
}

// Paused reports whether execution is currently stopped.
func (c *Controller) Paused() bool { return c.paused.Load() }

// Stack returns the paused stack, innermost first.
func (c *Controller) Stack() ([]Frame, error) {
	if !c.paused.Load() {
		return nil, ErrNotPaused
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.stack...), nil
}

// Variables returns the variables of a paused frame.
func (c *Controller) Variables(frame int) (map[string]interface{}, error) {
	if !c.paused.Load() {
		return nil, ErrNotPaused
	}
	c.mu.Lock()
	vars := c.vars
	c.mu.Unlock()
	if vars == nil {
		return map[string]interface{}{}, nil
	}
	return vars(frame), nil
}

// Evaluate runs an expression against a paused frame.
func (c *Controller) Evaluate(ctx context.Context, expr string, frame int) (interface{}, error) {
	if !c.paused.Load() {
		return nil, ErrNotPaused
	}
	c.mu.Lock()
	eval := c.eval
	c.mu.Unlock()
	if eval == nil {
		return nil, errors.New("debug: no evaluator bound")
	}
	return eval(ctx, expr, frame)
}

// Resume unblocks a paused execution with the given step mode.
func (c *Controller) Resume(mode StepMode) error {
	if !c.paused.Load() {
		return ErrNotPaused
	}
	c.resume <- mode
	return nil
}

// shouldStop decides whether the position is a stop point and names the
// reason.
func (c *Controller) shouldStop(ctx context.Context, source string, line, depth int) (bool, string) {
	c.mu.Lock()
	mode, stepDepth := c.mode, c.stepDepth
	var hit *Breakpoint
	for _, bp := range c.bps {
		if bp.Source == source && bp.Line == line {
			hit = bp
			break
		}
	}
	eval := c.eval
	c.mu.Unlock()

	if hit != nil {
		stop := true
		if hit.Condition != "" && eval != nil {
			v, err := eval(ctx, hit.Condition, 0)
			stop = err == nil && truthy(v)
		}
		if stop {
			c.mu.Lock()
			hit.HitCount++
			c.mu.Unlock()
			return true, "breakpoint"
		}
	}

	switch mode {
	case ModeStepIn:
		return true, "step"
	case ModeStepOver:
		if depth <= stepDepth {
			return true, "step"
		}
	case ModeStepOut:
		if depth < stepDepth {
			return true, "step"
		}
	}
	return false, ""
}

// CheckPosition is the engine integration point, called at each executable
// line with the current stack (innermost first). It blocks while the
// debugger holds the execution paused and returns when resumed or when ctx
// ends.
func (c *Controller) CheckPosition(ctx context.Context, stack []Frame) error {
	if !c.enabled.Load() {
		return nil
	}
	if len(stack) == 0 {
		return nil
	}
	top := stack[0]
	stop, reason := c.shouldStop(ctx, top.Source, top.Line, len(stack))
	if !stop {
		return nil
	}

	c.mu.Lock()
	c.stack = append([]Frame(nil), stack...)
	c.mode = ModeContinue
	onPause := c.onPause
	c.mu.Unlock()

	// drop any resume left over from a cancelled pause
	select {
	case <-c.resume:
	default:
	}

	c.paused.Store(true)
	defer c.paused.Store(false)
	if onPause != nil {
		onPause(reason, top)
	}

	select {
	case mode := <-c.resume:
		c.mu.Lock()
		c.mode = mode
		c.stepDepth = len(stack)
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truthy(v interface{}) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case string:
		return tv != "" && tv != "false" && tv != "nil"
	}
	return true
}

// HandleRequest services a debug_request content body and returns the reply
// content. Unknown commands yield an error status reply.
func (c *Controller) HandleRequest(ctx context.Context, content map[string]interface{}) map[string]interface{} {
	command, _ := content["command"].(string)
	args, _ := content["arguments"].(map[string]interface{})

	ok := func(body map[string]interface{}) map[string]interface{} {
		if body == nil {
			body = map[string]interface{}{}
		}
		body["status"] = "ok"
		body["command"] = command
		return body
	}
	fail := func(err error) map[string]interface{} {
		return map[string]interface{}{"status": "error", "command": command, "error": err.Error()}
	}

	switch command {
	case "setBreakpoint":
		source, _ := args["source"].(string)
		line := intArg(args["line"])
		condition, _ := args["condition"].(string)
		bp := c.SetBreakpoint(source, line, condition)
		return ok(map[string]interface{}{"breakpoint": bpToMap(bp)})
	case "clearBreakpoint":
		if !c.ClearBreakpoint(intArg(args["id"])) {
			return fail(fmt.Errorf("no breakpoint %v", args["id"]))
		}
		return ok(nil)
	case "listBreakpoints":
		bps := c.Breakpoints()
		out := make([]interface{}, len(bps))
		for i, bp := range bps {
			out[i] = bpToMap(bp)
		}
		return ok(map[string]interface{}{"breakpoints": out})
	case "pause":
		c.RequestPause()
		return ok(nil)
	case "continue":
		if err := c.Resume(ModeContinue); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "next":
		if err := c.Resume(ModeStepOver); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "stepIn":
		if err := c.Resume(ModeStepIn); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "stepOut":
		if err := c.Resume(ModeStepOut); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "stackTrace":
		stack, err := c.Stack()
		if err != nil {
			return fail(err)
		}
		frames := make([]interface{}, len(stack))
		for i, f := range stack {
			frames[i] = map[string]interface{}{"name": f.Name, "source": f.Source, "line": f.Line}
		}
		return ok(map[string]interface{}{"frames": frames})
	case "variables":
		vars, err := c.Variables(intArg(args["frame"]))
		if err != nil {
			return fail(err)
		}
		return ok(map[string]interface{}{"variables": vars})
	case "evaluate":
		expr, _ := args["expression"].(string)
		value, err := c.Evaluate(ctx, expr, intArg(args["frame"]))
		if err != nil {
			return fail(err)
		}
		return ok(map[string]interface{}{"result": value})
	case "disconnect":
		c.SetEnabled(false)
		if c.Paused() {
			// release the blocked execution before detaching
			_ = c.Resume(ModeContinue)
		}
		return ok(nil)
	default:
		return fail(fmt.Errorf("unknown debug command %q", command))
	}
}

func bpToMap(bp Breakpoint) map[string]interface{} {
	m := map[string]interface{}{
		"id":        bp.ID,
		"source":    bp.Source,
		"line":      bp.Line,
		"hit_count": bp.HitCount,
	}
	if bp.Condition != "" {
		m["condition"] = bp.Condition
	}
	return m
}

func intArg(v interface{}) int {
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
