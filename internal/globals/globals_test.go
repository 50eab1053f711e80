package globals

import (
	"context"
	"errors"
	"testing"

	"llmspell/internal/engine"
	"llmspell/internal/events"
	"llmspell/internal/state"
)

type fakeGlobal struct {
	base
}

func newFake(name string, deps ...string) *fakeGlobal {
	return &fakeGlobal{base: base{name: name, version: "1.0", deps: deps}}
}

func (g *fakeGlobal) Module() engine.Module {
	return engine.Module{Name: g.name, Functions: map[string]engine.NativeFunc{}}
}

func orderOf(t *testing.T, r *Registry) []string {
	t.Helper()
	ordered, err := r.Ordered()
	if err != nil {
		t.Fatalf("Ordered: %v", err)
	}
	names := make([]string, len(ordered))
	for i, g := range ordered {
		names[i] = g.Name()
	}
	return names
}

func TestRegistryDependencyOrder(t *testing.T) {
	r := NewRegistry()
	for _, g := range []Global{
		newFake("Workflow", "Agent", "Tool"),
		newFake("Agent", "Tool"),
		newFake("Tool"),
		newFake("JSON"),
	} {
		if err := r.Register(g); err != nil {
			t.Fatalf("Register(%s): %v", g.Name(), err)
		}
	}

	names := orderOf(t, r)
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	if pos["Tool"] > pos["Agent"] || pos["Agent"] > pos["Workflow"] {
		t.Errorf("dependency order violated: %v", names)
	}
	if len(names) != 4 {
		t.Errorf("got %d globals, want 4", len(names))
	}
}

func TestRegistryRejectsCycleAndMissingDep(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newFake("A", "B")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(newFake("B", "A")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Ordered(); !errors.Is(err, ErrGlobalCycle) {
		t.Errorf("cycle err = %v, want ErrGlobalCycle", err)
	}

	r2 := NewRegistry()
	if err := r2.Register(newFake("A", "Ghost")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r2.Ordered(); !errors.Is(err, ErrGlobalMissing) {
		t.Errorf("missing err = %v, want ErrGlobalMissing", err)
	}

	r3 := NewRegistry()
	if err := r3.Register(newFake("A")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r3.Register(newFake("A")); !errors.Is(err, ErrGlobalDuplicate) {
		t.Errorf("duplicate err = %v, want ErrGlobalDuplicate", err)
	}
}

func callFn(t *testing.T, mod engine.Module, name string, args ...interface{}) interface{} {
	t.Helper()
	fn, ok := mod.Functions[name]
	if !ok {
		t.Fatalf("module %s has no function %s", mod.Name, name)
	}
	out, err := fn(context.Background(), args)
	if err != nil {
		t.Fatalf("%s.%s: %v", mod.Name, name, err)
	}
	return out
}

func TestStateGlobalRoundTrip(t *testing.T) {
	mgr := state.NewManager(state.NewMemoryBackend(), true)
	defer mgr.Close()
	mod := NewStateGlobal(mgr).Module()

	callFn(t, mod, "set", "global", "answer", float64(42))
	got := callFn(t, mod, "get", "global", "answer")
	if got != float64(42) {
		t.Errorf("get = %#v, want 42", got)
	}

	keys := callFn(t, mod, "list", "global").([]interface{})
	if len(keys) != 1 || keys[0] != "answer" {
		t.Errorf("list = %v", keys)
	}

	existed := callFn(t, mod, "delete", "global", "answer")
	if existed != true {
		t.Errorf("delete = %v, want true", existed)
	}
	if got := callFn(t, mod, "get", "global", "answer"); got != nil {
		t.Errorf("get after delete = %#v, want nil", got)
	}

	// Scope isolation via the grammar.
	callFn(t, mod, "set", "session:s1", "k", "v1")
	callFn(t, mod, "set", "session:s2", "k", "v2")
	if got := callFn(t, mod, "get", "session:s1", "k"); got != "v1" {
		t.Errorf("session:s1 k = %v", got)
	}

	// Bad scope strings are rejected.
	fn := mod.Functions["get"]
	if _, err := fn(context.Background(), []interface{}{"global:extra", "k"}); err == nil {
		t.Error("malformed scope accepted")
	}
}

func TestEventGlobalPublishReceive(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	g := NewEventGlobal(bus)
	defer g.Close()
	mod := g.Module()

	subID := callFn(t, mod, "subscribe", "custom.*").(string)
	callFn(t, mod, "publish", "custom.ping", map[string]interface{}{"n": float64(1)})

	ev := callFn(t, mod, "receive", subID, float64(500))
	if ev == nil {
		t.Fatal("receive timed out")
	}
	m := ev.(map[string]interface{})
	if m["event_type"] != "custom.ping" {
		t.Errorf("event_type = %v", m["event_type"])
	}

	// Non-matching events never arrive; poll returns nil immediately.
	callFn(t, mod, "publish", "other.kind", nil)
	if got := callFn(t, mod, "receive", subID); got != nil {
		t.Errorf("unexpected event %v", got)
	}

	callFn(t, mod, "unsubscribe", subID)
	fn := mod.Functions["receive"]
	if _, err := fn(context.Background(), []interface{}{subID}); err == nil {
		t.Error("receive on unsubscribed id succeeded")
	}
}

func TestJSONGlobal(t *testing.T) {
	mod := NewJSONGlobal().Module()

	value := callFn(t, mod, "parse", `{"a": [1, 2], "b": "x"}`)
	m := value.(map[string]interface{})
	if m["b"] != "x" {
		t.Errorf("parse = %v", m)
	}

	text := callFn(t, mod, "stringify", map[string]interface{}{"k": true}).(string)
	if text != `{"k":true}` {
		t.Errorf("stringify = %q", text)
	}

	fn := mod.Functions["parse"]
	if _, err := fn(context.Background(), []interface{}{"{not json"}); err == nil {
		t.Error("parse accepted invalid JSON")
	}
}

func TestContextGlobal(t *testing.T) {
	mod := NewContextGlobal().Module()

	ctx := WithCorrelation(context.Background(), "corr-9")
	ctx = WithSession(ctx, "sess-3")

	got, err := mod.Functions["correlation_id"](ctx, nil)
	if err != nil || got != "corr-9" {
		t.Errorf("correlation_id = %v, %v", got, err)
	}
	got, err = mod.Functions["session_id"](ctx, nil)
	if err != nil || got != "sess-3" {
		t.Errorf("session_id = %v, %v", got, err)
	}

	got, err = mod.Functions["session_id"](context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("bare session_id = %v, %v", got, err)
	}
}

func TestInjectAllIntoLua(t *testing.T) {
	mgr := state.NewManager(state.NewMemoryBackend(), true)
	defer mgr.Close()
	bus := events.NewBus()
	defer bus.Close()

	r := NewRegistry()
	for _, g := range []Global{
		NewJSONGlobal(),
		NewStateGlobal(mgr),
		NewEventGlobal(bus),
		NewContextGlobal(),
	} {
		if err := r.Register(g); err != nil {
			t.Fatalf("Register(%s): %v", g.Name(), err)
		}
	}

	e, err := engine.NewLuaEngine()
	if err != nil {
		t.Fatalf("NewLuaEngine: %v", err)
	}
	defer e.Close()

	if err := r.InjectAll(e); err != nil {
		t.Fatalf("InjectAll: %v", err)
	}

	res, err := e.Execute(context.Background(), `
State.set("global", "greeting", "hi")
return JSON.stringify({v = State.get("global", "greeting")})
`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != `{"v":"hi"}` {
		t.Errorf("script result = %v", res.Value)
	}
}
