package engine

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// goAllowedImports is the stdlib surface Go scripts may import. File, network
// and process access stay behind the injected modules instead.
var goAllowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"path":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:[_.\w]+\s+)?"([^"]+)"`)

// GoEngine interprets Go scripts with yaegi. Scripts are wrapped into a main
// package when they carry no package clause; injected modules surface as the
// spell.Call host function.
type GoEngine struct {
	stdout  io.Writer
	stderr  io.Writer
	execCtx context.Context
	modules map[string]map[string]NativeFunc
}

// NewGoEngine creates a Go script engine.
func NewGoEngine() (Engine, error) {
	return &GoEngine{
		stdout:  io.Discard,
		stderr:  io.Discard,
		execCtx: context.Background(),
		modules: make(map[string]map[string]NativeFunc),
	}, nil
}

func (e *GoEngine) Name() string    { return "go" }
func (e *GoEngine) Version() string { return "yaegi" }

func (e *GoEngine) Capabilities() Capabilities {
	return Capabilities{Streaming: true}
}

func (e *GoEngine) SetOutput(stdout, stderr io.Writer) {
	e.stdout = stdout
	e.stderr = stderr
}

func (e *GoEngine) Inject(modules []Module) error {
	for _, mod := range modules {
		e.modules[mod.Name] = mod.Functions
	}
	return nil
}

// callHost is what scripts reach through spell.Call("Module", "fn", args...).
func (e *GoEngine) callHost(module, fn string, args ...interface{}) (interface{}, error) {
	funcs, ok := e.modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", module)
	}
	f, ok := funcs[fn]
	if !ok {
		return nil, fmt.Errorf("module %q has no function %q", module, fn)
	}
	return f(e.execCtx, args)
}

func (e *GoEngine) validateImports(code string) error {
	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		pkg := m[1]
		if pkg == "spell" {
			continue
		}
		if !goAllowedImports[pkg] {
			return fmt.Errorf("go: import %q not allowed", pkg)
		}
	}
	return nil
}

// wrapCode turns a bare statement list into a runnable main package. Code
// that already declares a package is left alone.
func (e *GoEngine) wrapCode(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	if strings.Contains(trimmed, "func main(") {
		return "package main\n\n" + code
	}
	return code
}

func (e *GoEngine) newInterp() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{Stdout: e.stdout, Stderr: e.stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("go: load stdlib: %w", err)
	}
	err := i.Use(interp.Exports{
		"spell/spell": {
			"Call": reflect.ValueOf(e.callHost),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("go: expose host modules: %w", err)
	}
	return i, nil
}

func (e *GoEngine) Load(code string) error {
	if err := e.validateImports(code); err != nil {
		return err
	}
	i, err := e.newInterp()
	if err != nil {
		return err
	}
	if _, err := i.Compile(e.wrapCode(code)); err != nil {
		return fmt.Errorf("go: %w", err)
	}
	return nil
}

// Execute evaluates code on a fresh interpreter. yaegi cannot pre-empt a
// running script, so cancellation abandons the evaluation goroutine; the
// interpreter is per-call and carries no shared state to corrupt.
func (e *GoEngine) Execute(ctx context.Context, code string) (*Result, error) {
	if err := e.validateImports(code); err != nil {
		return nil, err
	}
	i, err := e.newInterp()
	if err != nil {
		return nil, err
	}

	e.execCtx = ctx
	defer func() { e.execCtx = context.Background() }()

	type evalResult struct {
		value reflect.Value
		err   error
	}
	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("go: panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := i.Eval(e.wrapCode(code))
		done <- evalResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("go: %w", res.err)
		}
		if !res.value.IsValid() {
			return &Result{}, nil
		}
		value := res.value.Interface()
		return &Result{Value: value, Repr: reprOf(value)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *GoEngine) Complete(string, int) []string { return nil }

func (e *GoEngine) Close() error { return nil }
