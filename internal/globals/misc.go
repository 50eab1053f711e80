package globals

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"llmspell/internal/engine"
	"llmspell/internal/memory"
)

// JSONGlobal is the one namespace every engine must receive: parse and
// stringify between script values and JSON text.
type JSONGlobal struct {
	base
}

// NewJSONGlobal creates the JSON global.
func NewJSONGlobal() *JSONGlobal {
	return &JSONGlobal{base: base{name: "JSON", version: "1.0", required: true}}
}

func (g *JSONGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// JSON.parse(text) -> value
			"parse": func(_ context.Context, args []interface{}) (interface{}, error) {
				text, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				var value interface{}
				if err := json.Unmarshal([]byte(text), &value); err != nil {
					return nil, err
				}
				return value, nil
			},
			// JSON.stringify(value [, indent]) -> text
			"stringify": func(_ context.Context, args []interface{}) (interface{}, error) {
				value, err := argAny(args, 0)
				if err != nil {
					return nil, err
				}
				var data []byte
				if indent := optInt(args, 1); indent > 0 {
					data, err = json.MarshalIndent(value, "", strings.Repeat(" ", indent))
				} else {
					data, err = json.Marshal(value)
				}
				if err != nil {
					return nil, err
				}
				return string(data), nil
			},
		},
	}
}

// MemoryGlobal exposes the memory stores and context assembly.
type MemoryGlobal struct {
	base
	store     memory.Store
	assembler *memory.Assembler
}

// NewMemoryGlobal wraps a memory store.
func NewMemoryGlobal(store memory.Store) *MemoryGlobal {
	return &MemoryGlobal{
		base:      base{name: "Memory", version: "1.0"},
		store:     store,
		assembler: memory.NewAssembler(store),
	}
}

func (g *MemoryGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Memory.add(kind, content [, scope]) -> id
			"add": func(ctx context.Context, args []interface{}) (interface{}, error) {
				kind, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				content, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				return g.store.Add(ctx, memory.Item{
					Kind:    memory.Kind(kind),
					Content: content,
					Scope:   optString(args, 2),
				})
			},
			// Memory.query{kind=..., scope=..., text=..., limit=n} -> items
			"query": func(ctx context.Context, args []interface{}) (interface{}, error) {
				q := optMap(args, 0)
				if q == nil {
					return nil, errMissingSpec
				}
				results, err := g.store.Query(ctx, memory.Query{
					Kind:  memory.Kind(str(q["kind"])),
					Scope: str(q["scope"]),
					Text:  str(q["text"]),
					Limit: num(q["limit"]),
				})
				if err != nil {
					return nil, err
				}
				out := make([]interface{}, len(results))
				for i, r := range results {
					out[i] = map[string]interface{}{
						"id":      r.Item.ID,
						"kind":    string(r.Item.Kind),
						"content": r.Item.Content,
						"score":   r.Score,
					}
				}
				return out, nil
			},
			// Memory.forget(id)
			"forget": func(ctx context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return nil, g.store.Delete(ctx, id)
			},
			// Memory.assemble(text, budget) -> packed context text
			"assemble": func(ctx context.Context, args []interface{}) (interface{}, error) {
				text, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				budget, err := argInt(args, 1)
				if err != nil {
					return nil, err
				}
				out, err := g.assembler.Assemble(ctx, memory.Query{Text: text}, budget)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"text":      out.Text,
					"included":  out.Included,
					"truncated": out.Truncated,
				}, nil
			},
		},
	}
}

// ContextGlobal surfaces the identifiers of the execution in flight.
type ContextGlobal struct {
	base
}

// NewContextGlobal creates the Context global.
func NewContextGlobal() *ContextGlobal {
	return &ContextGlobal{base: base{name: "Context", version: "1.0"}}
}

func (g *ContextGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Context.correlation_id() -> id of the driving request
			"correlation_id": func(ctx context.Context, _ []interface{}) (interface{}, error) {
				if id := correlationFrom(ctx); id != "" {
					return id, nil
				}
				return nil, nil
			},
			// Context.session_id() -> active session or nil
			"session_id": func(ctx context.Context, _ []interface{}) (interface{}, error) {
				if id := sessionFrom(ctx); id != "" {
					return id, nil
				}
				return nil, nil
			},
		},
	}
}

// StreamingGlobal lets long scripts emit incremental output chunks. Chunks
// land on the same stdout capture as print, flushed immediately.
type StreamingGlobal struct {
	base
	emit func(text string) error
}

// NewStreamingGlobal creates the Streaming global; emit may be nil until an
// execution binds its capture with BindEmitter.
func NewStreamingGlobal() *StreamingGlobal {
	return &StreamingGlobal{base: base{name: "Streaming", version: "1.0"}}
}

// BindEmitter routes Streaming.emit output.
func (g *StreamingGlobal) BindEmitter(emit func(text string) error) {
	g.emit = emit
}

func (g *StreamingGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Streaming.emit(text)
			"emit": func(_ context.Context, args []interface{}) (interface{}, error) {
				text, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				if g.emit == nil {
					return nil, errors.New("no stream bound")
				}
				return nil, g.emit(text)
			},
		},
	}
}

// DebugGlobal gives scripts leveled diagnostics through the kernel logger.
type DebugGlobal struct {
	base
	log *zap.Logger
}

// NewDebugGlobal wraps a logger.
func NewDebugGlobal(log *zap.Logger) *DebugGlobal {
	return &DebugGlobal{
		base: base{name: "Debug", version: "1.0"},
		log:  log,
	}
}

func (g *DebugGlobal) Module() engine.Module {
	emit := func(level func(string, ...zap.Field)) engine.NativeFunc {
		return func(_ context.Context, args []interface{}) (interface{}, error) {
			msg, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			if fields := optMap(args, 1); fields != nil {
				level(msg, zap.Any("data", fields))
			} else {
				level(msg)
			}
			return nil, nil
		}
	}
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			"trace": emit(g.log.Debug),
			"debug": emit(g.log.Debug),
			"info":  emit(g.log.Info),
			"warn":  emit(g.log.Warn),
			"error": emit(g.log.Error),
		},
	}
}
