package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaEngine runs Lua 5.1 scripts on gopher-lua. The os and io libraries are
// not opened; scripts reach the host only through injected modules.
type LuaEngine struct {
	state   *lua.LState
	stdout  io.Writer
	stderr  io.Writer
	execCtx context.Context
	modules []string
}

// NewLuaEngine creates a sandboxed Lua engine.
func NewLuaEngine() (Engine, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	e := &LuaEngine{state: L, stdout: io.Discard, stderr: io.Discard, execCtx: context.Background()}

	// print goes to the captured stdout, not the process's.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		fmt.Fprintln(e.stdout, strings.Join(parts, "\t"))
		return 0
	}))
	return e, nil
}

func (e *LuaEngine) Name() string    { return "lua" }
func (e *LuaEngine) Version() string { return lua.LuaVersion }

func (e *LuaEngine) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Debugging: true, Completion: true}
}

func (e *LuaEngine) SetOutput(stdout, stderr io.Writer) {
	e.stdout = stdout
	e.stderr = stderr
}

// Inject exposes each module as a global table of functions.
func (e *LuaEngine) Inject(modules []Module) error {
	for _, mod := range modules {
		table := e.state.NewTable()
		for name, fn := range mod.Functions {
			fn := fn
			table.RawSetString(name, e.state.NewFunction(func(L *lua.LState) int {
				args := make([]interface{}, L.GetTop())
				for i := 1; i <= L.GetTop(); i++ {
					args[i-1] = luaToGo(L.Get(i))
				}
				result, err := fn(e.execCtx, args)
				if err != nil {
					L.RaiseError("%s", err.Error())
					return 0
				}
				L.Push(goToLua(L, result))
				return 1
			}))
		}
		e.state.SetGlobal(mod.Name, table)
		e.modules = append(e.modules, mod.Name)
	}
	return nil
}

// Load compiles code without running it.
func (e *LuaEngine) Load(code string) error {
	_, err := e.state.LoadString(code)
	if err != nil {
		return fmt.Errorf("lua: %w", err)
	}
	return nil
}

// Execute runs code and returns the first value the chunk returns, if any.
func (e *LuaEngine) Execute(ctx context.Context, code string) (*Result, error) {
	fn, err := e.state.LoadString(code)
	if err != nil {
		return nil, fmt.Errorf("lua: %w", err)
	}

	e.execCtx = ctx
	e.state.SetContext(ctx)
	defer func() {
		e.execCtx = context.Background()
		e.state.RemoveContext()
	}()

	base := e.state.GetTop()
	e.state.Push(fn)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("lua: %w", err)
	}

	nret := e.state.GetTop() - base
	if nret == 0 {
		return &Result{}, nil
	}
	value := luaToGo(e.state.Get(base + 1))
	e.state.SetTop(base)
	return &Result{Value: value, Repr: reprOf(value)}, nil
}

// Complete returns global names and module members matching the identifier
// ending at cursorPos.
func (e *LuaEngine) Complete(code string, cursorPos int) []string {
	if cursorPos > len(code) {
		cursorPos = len(code)
	}
	start := cursorPos
	for start > 0 {
		c := code[start-1]
		if c == '_' || c == '.' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			start--
			continue
		}
		break
	}
	word := code[start:cursorPos]

	var matches []string
	if mod, member, ok := strings.Cut(word, "."); ok {
		table, isTable := e.state.GetGlobal(mod).(*lua.LTable)
		if !isTable {
			return nil
		}
		table.ForEach(func(k, _ lua.LValue) {
			name := k.String()
			if strings.HasPrefix(name, member) {
				matches = append(matches, mod+"."+name)
			}
		})
	} else {
		globals := e.state.Get(lua.GlobalsIndex).(*lua.LTable)
		globals.ForEach(func(k, _ lua.LValue) {
			name := k.String()
			if strings.HasPrefix(name, word) {
				matches = append(matches, name)
			}
		})
	}
	sort.Strings(matches)
	return matches
}

func (e *LuaEngine) Close() error {
	e.state.Close()
	return nil
}

// luaToGo converts a Lua value to its JSON-shaped Go form. Tables with only
// consecutive integer keys become slices, everything else becomes a map.
func luaToGo(v lua.LValue) interface{} {
	switch lv := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(lv)
	case lua.LNumber:
		return float64(lv)
	case lua.LString:
		return string(lv)
	case *lua.LTable:
		maxN := lv.MaxN()
		if maxN > 0 && lv.Len() == maxN {
			arr := make([]interface{}, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, luaToGo(lv.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]interface{})
		lv.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val)
		})
		return m
	default:
		return v.String()
	}
}

func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch gv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(gv)
	case int:
		return lua.LNumber(gv)
	case int64:
		return lua.LNumber(gv)
	case float64:
		return lua.LNumber(gv)
	case string:
		return lua.LString(gv)
	case []interface{}:
		table := L.NewTable()
		for _, item := range gv {
			table.Append(goToLua(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for k, item := range gv {
			table.RawSetString(k, goToLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", gv))
	}
}

func reprOf(v interface{}) string {
	switch rv := v.(type) {
	case nil:
		return ""
	case string:
		return rv
	default:
		return fmt.Sprintf("%v", rv)
	}
}
