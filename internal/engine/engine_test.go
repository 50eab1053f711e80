package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newLua(t *testing.T) Engine {
	t.Helper()
	e, err := NewLuaEngine()
	if err != nil {
		t.Fatalf("NewLuaEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestLuaExecuteReturnsValue(t *testing.T) {
	e := newLua(t)
	tests := []struct {
		name string
		code string
		want interface{}
	}{
		{"number", "return 1 + 2", float64(3)},
		{"string", `return "hello"`, "hello"},
		{"bool", "return 1 == 1", true},
		{"nothing", "local x = 5", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), tt.code)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Value != tt.want {
				t.Errorf("value = %#v, want %#v", res.Value, tt.want)
			}
		})
	}
}

func TestLuaPrintGoesToStdout(t *testing.T) {
	e := newLua(t)
	var out bytes.Buffer
	e.SetOutput(&out, &out)

	if _, err := e.Execute(context.Background(), `print("a", 1) print("b")`); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); got != "a\t1\nb\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestLuaTableConversion(t *testing.T) {
	e := newLua(t)

	res, err := e.Execute(context.Background(), `return {1, 2, 3}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	arr, ok := res.Value.([]interface{})
	if !ok {
		t.Fatalf("array table is %T, want slice", res.Value)
	}
	if len(arr) != 3 || arr[0] != float64(1) {
		t.Errorf("arr = %v", arr)
	}

	res, err = e.Execute(context.Background(), `return {name = "x", count = 2}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m, ok := res.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("record table is %T, want map", res.Value)
	}
	if m["name"] != "x" || m["count"] != float64(2) {
		t.Errorf("map = %v", m)
	}
}

func TestLuaInjectedModule(t *testing.T) {
	e := newLua(t)
	var gotArgs []interface{}
	err := e.Inject([]Module{{
		Name: "Echo",
		Functions: map[string]NativeFunc{
			"twice": func(_ context.Context, args []interface{}) (interface{}, error) {
				gotArgs = args
				s, _ := args[0].(string)
				return s + s, nil
			},
			"fail": func(context.Context, []interface{}) (interface{}, error) {
				return nil, errors.New("native boom")
			},
		},
	}})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	res, err := e.Execute(context.Background(), `return Echo.twice("ab")`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "abab" {
		t.Errorf("value = %v, want abab", res.Value)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "ab" {
		t.Errorf("native saw args %v", gotArgs)
	}

	// Native errors surface as Lua errors, catchable with pcall.
	res, err = e.Execute(context.Background(), `local ok, err = pcall(Echo.fail) return tostring(ok) .. ":" .. tostring(err)`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	repr, _ := res.Value.(string)
	if !strings.HasPrefix(repr, "false:") || !strings.Contains(repr, "native boom") {
		t.Errorf("pcall result = %q", repr)
	}

	if _, err := e.Execute(context.Background(), `return Echo.fail()`); err == nil {
		t.Error("uncaught native error did not fail the execution")
	}
}

func TestLuaCancellation(t *testing.T) {
	e := newLua(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, `while true do end`)
	if err == nil {
		t.Fatal("infinite loop completed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestLuaLoadValidatesSyntax(t *testing.T) {
	e := newLua(t)
	if err := e.Load("return 1"); err != nil {
		t.Errorf("Load valid: %v", err)
	}
	if err := e.Load("return ((("); err == nil {
		t.Error("Load accepted invalid syntax")
	}
}

func TestLuaCompletion(t *testing.T) {
	e := newLua(t)
	if err := e.Inject([]Module{{
		Name: "State",
		Functions: map[string]NativeFunc{
			"get": func(context.Context, []interface{}) (interface{}, error) { return nil, nil },
			"set": func(context.Context, []interface{}) (interface{}, error) { return nil, nil },
		},
	}}); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	code := "x = State.g"
	got := e.Complete(code, len(code))
	if len(got) != 1 || got[0] != "State.get" {
		t.Errorf("Complete = %v, want [State.get]", got)
	}

	code = "Sta"
	got = e.Complete(code, len(code))
	found := false
	for _, c := range got {
		if c == "State" {
			found = true
		}
	}
	if !found {
		t.Errorf("Complete = %v, want State included", got)
	}
}

func TestLuaSandboxHasNoOsOrIo(t *testing.T) {
	e := newLua(t)
	res, err := e.Execute(context.Background(), `return tostring(os) .. ":" .. tostring(io)`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "nil:nil" {
		t.Errorf("os/io visible: %v", res.Value)
	}
}

func TestGoEngineExecute(t *testing.T) {
	e, err := NewGoEngine()
	if err != nil {
		t.Fatalf("NewGoEngine: %v", err)
	}
	defer e.Close()

	res, err := e.Execute(context.Background(), `1 + 2`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != 3 {
		t.Errorf("value = %#v, want 3", res.Value)
	}
}

func TestGoEngineRejectsForbiddenImports(t *testing.T) {
	e, err := NewGoEngine()
	if err != nil {
		t.Fatalf("NewGoEngine: %v", err)
	}
	defer e.Close()

	tests := []string{
		`import "os"` + "\n" + `func main() { os.Exit(1) }`,
		`import "net/http"` + "\n" + `func main() {}`,
		`import "os/exec"` + "\n" + `func main() {}`,
	}
	for _, code := range tests {
		if err := e.Load(code); err == nil {
			t.Errorf("Load accepted forbidden import: %q", code)
		}
	}

	if err := e.Load(`import "strings"` + "\n" + `func main() { _ = strings.ToUpper("a") }`); err != nil {
		t.Errorf("Load rejected allowed import: %v", err)
	}
}

func TestGoEngineHostCall(t *testing.T) {
	e, err := NewGoEngine()
	if err != nil {
		t.Fatalf("NewGoEngine: %v", err)
	}
	defer e.Close()

	if err := e.Inject([]Module{{
		Name: "Math",
		Functions: map[string]NativeFunc{
			"double": func(_ context.Context, args []interface{}) (interface{}, error) {
				n, _ := args[0].(int)
				return n * 2, nil
			},
		},
	}}); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	code := `import "spell"
v, err := spell.Call("Math", "double", 21)
if err != nil { panic(err) }
v`
	res, err := e.Execute(context.Background(), code)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != 42 {
		t.Errorf("value = %#v, want 42", res.Value)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("lua", NewLuaEngine)
	r.Register("go", NewGoEngine)

	if got := r.List(); len(got) != 2 || got[0] != "go" || got[1] != "lua" {
		t.Errorf("List = %v", got)
	}

	e, err := r.New("lua")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	if e.Name() != "lua" {
		t.Errorf("Name = %q", e.Name())
	}

	if _, err := r.New("forth"); !errors.Is(err, ErrEngineUnknown) {
		t.Errorf("New unknown err = %v, want ErrEngineUnknown", err)
	}
}

func TestExecuteStream(t *testing.T) {
	e := newLua(t)

	chunks, results, errs := ExecuteStream(context.Background(), e, `
print("one")
print("two")
return 7`)

	var got []Chunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %#v, want 2", got)
	}
	for i, want := range []string{"one\n", "two\n"} {
		if got[i].Stream != "stdout" || got[i].Text != want {
			t.Errorf("chunk[%d] = %+v, want stdout %q", i, got[i], want)
		}
	}

	if err := <-errs; err != nil {
		t.Fatalf("stream err: %v", err)
	}
	res := <-results
	if res == nil || res.Repr != "7" {
		t.Errorf("result = %+v, want repr 7", res)
	}
}

func TestExecuteStreamCancellation(t *testing.T) {
	e := newLua(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	chunks, _, errs := ExecuteStream(ctx, e, "while true do end")

	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected cancellation error")
	}
}
