package debug

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// runScript simulates an instrumented engine stepping through lines of a
// single source, reporting each to the controller.
func runScript(ctx context.Context, c *Controller, source string, lines []int, errCh chan<- error) {
	for _, line := range lines {
		stack := []Frame{{Name: "main", Source: source, Line: line}}
		if err := c.CheckPosition(ctx, stack); err != nil {
			errCh <- err
			return
		}
	}
	errCh <- nil
}

func waitPaused(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Paused() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("controller never paused")
}

func TestDisabledControllerNeverPauses(t *testing.T) {
	c := NewController()
	c.SetBreakpoint("main.lua", 2, "")

	errCh := make(chan error, 1)
	go runScript(context.Background(), c, "main.lua", []int{1, 2, 3}, errCh)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("script blocked with debugging disabled")
	}
}

func TestBreakpointPausesAndContinues(t *testing.T) {
	c := NewController()
	c.SetEnabled(true)
	bp := c.SetBreakpoint("main.lua", 2, "")

	var pausedAt Frame
	c.OnPause(func(_ string, frame Frame) { pausedAt = frame })

	errCh := make(chan error, 1)
	go runScript(context.Background(), c, "main.lua", []int{1, 2, 3}, errCh)
	waitPaused(t, c)

	if pausedAt.Line != 2 {
		t.Errorf("paused at line %d, want 2", pausedAt.Line)
	}
	stack, err := c.Stack()
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if len(stack) != 1 || stack[0].Line != 2 {
		t.Errorf("stack = %+v", stack)
	}

	if err := c.Resume(ModeContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	bps := c.Breakpoints()
	if len(bps) != 1 || bps[0].ID != bp.ID || bps[0].HitCount != 1 {
		t.Errorf("breakpoints = %+v", bps)
	}
}

func TestConditionalBreakpoint(t *testing.T) {
	c := NewController()
	c.SetEnabled(true)
	c.BindEngine(func(_ context.Context, expr string, _ int) (interface{}, error) {
		return expr == "x > 1", nil // truthy only for the matching condition
	}, nil)
	c.SetBreakpoint("main.lua", 1, "x > 99") // evaluates false
	c.SetBreakpoint("main.lua", 2, "x > 1")  // evaluates true

	errCh := make(chan error, 1)
	go runScript(context.Background(), c, "main.lua", []int{1, 2}, errCh)
	waitPaused(t, c)

	stack, err := c.Stack()
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if stack[0].Line != 2 {
		t.Errorf("paused at line %d, want 2 (false condition must not stop)", stack[0].Line)
	}
	if err := c.Resume(ModeContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestStepOverStopsOnNextLine(t *testing.T) {
	c := NewController()
	c.SetEnabled(true)
	c.SetBreakpoint("main.lua", 1, "")

	errCh := make(chan error, 1)
	go runScript(context.Background(), c, "main.lua", []int{1, 2, 3}, errCh)
	waitPaused(t, c)

	if err := c.Resume(ModeStepOver); err != nil {
		t.Fatalf("Resume step: %v", err)
	}
	waitPaused(t, c)
	stack, err := c.Stack()
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if stack[0].Line != 2 {
		t.Errorf("step stopped at line %d, want 2", stack[0].Line)
	}

	if err := c.Resume(ModeContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestStepOverSkipsDeeperFrames(t *testing.T) {
	c := NewController()
	c.SetEnabled(true)
	c.SetBreakpoint("main.lua", 1, "")

	// line 1 (depth 1) -> helper lines (depth 2) -> line 2 (depth 1)
	positions := [][]Frame{
		{{Name: "main", Source: "main.lua", Line: 1}},
		{{Name: "helper", Source: "main.lua", Line: 10}, {Name: "main", Source: "main.lua", Line: 1}},
		{{Name: "helper", Source: "main.lua", Line: 11}, {Name: "main", Source: "main.lua", Line: 1}},
		{{Name: "main", Source: "main.lua", Line: 2}},
	}
	errCh := make(chan error, 1)
	go func() {
		for _, stack := range positions {
			if err := c.CheckPosition(context.Background(), stack); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	waitPaused(t, c)

	if err := c.Resume(ModeStepOver); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitPaused(t, c)
	stack, err := c.Stack()
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if stack[0].Line != 2 || len(stack) != 1 {
		t.Errorf("step over landed at %+v, want main.lua:2", stack[0])
	}

	if err := c.Resume(ModeContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCancellationUnblocksPause(t *testing.T) {
	c := NewController()
	c.SetEnabled(true)
	c.SetBreakpoint("main.lua", 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go runScript(ctx, c, "main.lua", []int{1, 2}, errCh)
	waitPaused(t, c)

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("run err = %v, want context.Canceled", err)
	}
}

func TestInspectionRequiresPause(t *testing.T) {
	c := NewController()
	if _, err := c.Stack(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Stack err = %v, want ErrNotPaused", err)
	}
	if _, err := c.Variables(0); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Variables err = %v, want ErrNotPaused", err)
	}
	if err := c.Resume(ModeContinue); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume err = %v, want ErrNotPaused", err)
	}
}

func TestHandleRequestSchema(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	reply := c.HandleRequest(ctx, map[string]interface{}{
		"command":   "setBreakpoint",
		"arguments": map[string]interface{}{"source": "main.lua", "line": float64(5)},
	})
	if reply["status"] != "ok" {
		t.Fatalf("setBreakpoint reply = %v", reply)
	}
	bp := reply["breakpoint"].(map[string]interface{})
	if bp["line"] != 5 {
		t.Errorf("breakpoint = %v", bp)
	}

	reply = c.HandleRequest(ctx, map[string]interface{}{"command": "listBreakpoints"})
	if got := reply["breakpoints"].([]interface{}); len(got) != 1 {
		t.Errorf("listBreakpoints = %v", got)
	}

	reply = c.HandleRequest(ctx, map[string]interface{}{"command": "stackTrace"})
	if reply["status"] != "error" {
		t.Errorf("stackTrace while running = %v, want error status", reply)
	}

	reply = c.HandleRequest(ctx, map[string]interface{}{"command": "levitate"})
	if reply["status"] != "error" || !strings.Contains(reply["error"].(string), "unknown debug command") {
		t.Errorf("unknown command reply = %v", reply)
	}

	reply = c.HandleRequest(ctx, map[string]interface{}{
		"command":   "clearBreakpoint",
		"arguments": map[string]interface{}{"id": float64(1)},
	})
	if reply["status"] != "ok" {
		t.Errorf("clearBreakpoint reply = %v", reply)
	}
}

func TestReloaderAcceptsAndRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spell.lua")
	if err := os.WriteFile(path, []byte("print('v1')"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	validate := func(code string) error {
		if strings.Contains(code, "syntax error") {
			return errors.New("parse failed")
		}
		return nil
	}
	r, err := NewReloader(validate, 1024, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()
	if err := r.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	next := func() ReloadEvent {
		select {
		case ev := <-r.Events():
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no reload event")
			return ReloadEvent{}
		}
	}

	if err := os.WriteFile(path, []byte("print('v2')"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ev := next()
	if ev.Err != nil {
		t.Fatalf("good reload rejected: %v", ev.Err)
	}
	if !strings.Contains(ev.Code, "v2") {
		t.Errorf("reload code = %q", ev.Code)
	}

	if err := os.WriteFile(path, []byte("this is a syntax error"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ev = next()
	if ev.Err == nil {
		t.Error("bad reload accepted")
	}

	big := strings.Repeat("x", 2048)
	if err := os.WriteFile(path, []byte(big), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ev = next()
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "cap") {
		t.Errorf("oversized reload err = %v", ev.Err)
	}
}

func TestReloaderCloseEndsEvents(t *testing.T) {
	r, err := NewReloader(nil, 0, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Consumers range over Events; it must close, not block.
	select {
	case _, ok := <-r.Events():
		if ok {
			t.Error("unexpected event after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestReloaderIgnoresUnwatchedFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched.lua")
	other := filepath.Join(dir, "other.lua")
	for _, p := range []string{watched, other} {
		if err := os.WriteFile(p, []byte("print(1)"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	r, err := NewReloader(nil, 0, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()
	if err := r.Watch(watched); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(other, []byte("print(2)"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case ev := <-r.Events():
		t.Errorf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func BenchmarkCheckPositionDisabled(b *testing.B) {
	c := NewController()
	stack := []Frame{{Name: "main", Source: "main.lua", Line: 1}}
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := c.CheckPosition(ctx, stack); err != nil {
			b.Fatal(err)
		}
	}
}
