package globals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llmspell/internal/engine"
	"llmspell/internal/events"
	"llmspell/internal/hooks"
)

// EventGlobal exposes the event bus. Subscriptions buffer in the host and
// are drained from scripts with Event.receive, so a slow script never blocks
// publishers.
type EventGlobal struct {
	base
	bus *events.Bus

	mu   sync.Mutex
	subs map[string]*events.Subscription
	next int
}

// NewEventGlobal wraps the event bus.
func NewEventGlobal(bus *events.Bus) *EventGlobal {
	return &EventGlobal{
		base: base{name: "Event", version: "1.0"},
		bus:  bus,
		subs: make(map[string]*events.Subscription),
	}
}

func envelopeToScript(ev events.Envelope) map[string]interface{} {
	return map[string]interface{}{
		"event_id":       ev.EventID,
		"event_type":     ev.EventType,
		"language":       ev.Language,
		"payload":        ev.Payload,
		"correlation_id": ev.CorrelationID,
		"timestamp":      ev.Timestamp.Format(time.RFC3339Nano),
	}
}

func (g *EventGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Event.publish(type, payload)
			"publish": func(_ context.Context, args []interface{}) (interface{}, error) {
				eventType, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				g.bus.Publish(events.New(eventType, "", optString(args, 2), optMap(args, 1)))
				return nil, nil
			},
			// Event.subscribe(pattern) -> subscription id
			"subscribe": func(_ context.Context, args []interface{}) (interface{}, error) {
				pattern, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				g.mu.Lock()
				g.next++
				id := fmt.Sprintf("sub-%d", g.next)
				g.subs[id] = g.bus.Subscribe(pattern)
				g.mu.Unlock()
				return id, nil
			},
			// Event.receive(id [, timeout_ms]) -> event or nil on timeout
			"receive": func(ctx context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				g.mu.Lock()
				sub, ok := g.subs[id]
				g.mu.Unlock()
				if !ok {
					return nil, fmt.Errorf("unknown subscription %q", id)
				}
				timeout := time.Duration(optInt(args, 1)) * time.Millisecond
				if timeout <= 0 {
					select {
					case ev, open := <-sub.C:
						if !open {
							return nil, errors.New("subscription closed")
						}
						return envelopeToScript(ev), nil
					default:
						return nil, nil
					}
				}
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				select {
				case ev, open := <-sub.C:
					if !open {
						return nil, errors.New("subscription closed")
					}
					return envelopeToScript(ev), nil
				case <-timer.C:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
			// Event.unsubscribe(id)
			"unsubscribe": func(_ context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				g.mu.Lock()
				sub, ok := g.subs[id]
				delete(g.subs, id)
				g.mu.Unlock()
				if ok {
					g.bus.Unsubscribe(sub)
				}
				return nil, nil
			},
			// Event.dropped() -> count of events lost to slow subscribers
			"dropped": func(context.Context, []interface{}) (interface{}, error) {
				return int(g.bus.Dropped()), nil
			},
		},
	}
}

// Close drops all script subscriptions.
func (g *EventGlobal) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		g.bus.Unsubscribe(sub)
		delete(g.subs, id)
	}
}

// HookGlobal lets scripts register hooks. Script hooks run as native hooks
// calling back into a host-provided invoker, so one registration works from
// any engine.
type HookGlobal struct {
	base
	registry *hooks.Registry

	// invoke runs a script callback by handle and returns its result.
	invoke func(ctx context.Context, handle string, hctx *hooks.HookContext) (hooks.Result, error)
}

// NewHookGlobal wraps the hook registry. invoke may be nil until an engine
// binds its callback dispatcher with BindInvoker.
func NewHookGlobal(registry *hooks.Registry) *HookGlobal {
	return &HookGlobal{
		base:     base{name: "Hook", version: "1.0", deps: []string{"Event"}},
		registry: registry,
	}
}

// BindInvoker installs the engine-side callback dispatcher.
func (g *HookGlobal) BindInvoker(invoke func(ctx context.Context, handle string, hctx *hooks.HookContext) (hooks.Result, error)) {
	g.invoke = invoke
}

func (g *HookGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Hook.register(point, handle [, priority]) -> registration id
			"register": func(_ context.Context, args []interface{}) (interface{}, error) {
				point, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				handle, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				if g.invoke == nil {
					return nil, errors.New("no script hook invoker bound")
				}
				invoke := g.invoke
				desc := hooks.Descriptor{
					Point:    hooks.Point(point),
					Priority: optInt(args, 2),
					Language: optString(args, 3),
					Factory: func() (hooks.Hook, error) {
						return hooks.HookFunc{
							HookName: handle,
							Fn: func(ctx context.Context, hctx *hooks.HookContext) (hooks.Result, error) {
								return invoke(ctx, handle, hctx)
							},
						}, nil
					},
				}
				return g.registry.Register(desc)
			},
			// Hook.unregister(id) -> existed
			"unregister": func(_ context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return g.registry.Unregister(id), nil
			},
			// Hook.list(point) -> registrations in execution order
			"list": func(_ context.Context, args []interface{}) (interface{}, error) {
				point, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				regs := g.registry.List(hooks.Point(point))
				out := make([]interface{}, len(regs))
				for i, reg := range regs {
					out[i] = map[string]interface{}{
						"id":       reg.ID,
						"priority": reg.Priority,
						"language": reg.Language,
					}
				}
				return out, nil
			},
		},
	}
}

// ReplayGlobal exposes the durable hook timeline.
type ReplayGlobal struct {
	base
	log      *hooks.ReplayLog
	registry *hooks.Registry
}

// NewReplayGlobal wraps the replay log; log may be nil when durable hooks
// are disabled, in which case operations fail cleanly.
func NewReplayGlobal(log *hooks.ReplayLog, registry *hooks.Registry) *ReplayGlobal {
	return &ReplayGlobal{
		base:     base{name: "Replay", version: "1.0", deps: []string{"Hook"}},
		log:      log,
		registry: registry,
	}
}

func (g *ReplayGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Replay.timeline(correlation_id) -> recorded executions
			"timeline": func(_ context.Context, args []interface{}) (interface{}, error) {
				if g.log == nil {
					return nil, errors.New("hook persistence disabled")
				}
				correlationID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				records, err := g.log.Timeline(correlationID)
				if err != nil {
					return nil, err
				}
				out := make([]interface{}, len(records))
				for i, rec := range records {
					out[i] = map[string]interface{}{
						"hook_id":     rec.HookID,
						"point":       string(rec.Point),
						"result":      rec.ResultKind,
						"duration_ms": float64(rec.Duration.Milliseconds()),
						"timestamp":   rec.Timestamp.Format(time.RFC3339Nano),
					}
				}
				return out, nil
			},
			// Replay.run(correlation_id) -> dry-run outcomes per record
			"run": func(ctx context.Context, args []interface{}) (interface{}, error) {
				if g.log == nil {
					return nil, errors.New("hook persistence disabled")
				}
				correlationID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				results, err := g.log.Replay(ctx, correlationID, g.registry)
				if err != nil {
					return nil, err
				}
				out := make([]interface{}, len(results))
				for i, res := range results {
					entry := map[string]interface{}{
						"hook_id": res.Record.HookID,
						"skipped": res.Skipped,
					}
					if res.Err != nil {
						entry["error"] = res.Err.Error()
					} else if !res.Skipped {
						entry["result"] = string(res.Result.Kind)
					}
					out[i] = entry
				}
				return out, nil
			},
		},
	}
}
