package globals

import (
	"context"
	"encoding/json"
	"errors"

	"llmspell/internal/engine"
	"llmspell/internal/state"
)

// StateGlobal exposes scoped persistent state to scripts. Keys address a
// scope with the "kind:id" grammar scripts also see in events.
type StateGlobal struct {
	base
	manager *state.Manager
}

// NewStateGlobal wraps the state manager.
func NewStateGlobal(manager *state.Manager) *StateGlobal {
	return &StateGlobal{
		base:    base{name: "State", version: "1.0", required: true},
		manager: manager,
	}
}

func (g *StateGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// State.get(scope, key) -> value or nil
			"get": func(ctx context.Context, args []interface{}) (interface{}, error) {
				scope, key, err := scopeAndKey(args)
				if err != nil {
					return nil, err
				}
				var value interface{}
				if err := g.manager.GetJSON(ctx, scope, key, &value); err != nil {
					if errors.Is(err, state.ErrNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return value, nil
			},
			// State.set(scope, key, value [, class])
			"set": func(ctx context.Context, args []interface{}) (interface{}, error) {
				scope, key, err := scopeAndKey(args)
				if err != nil {
					return nil, err
				}
				value, err := argAny(args, 2)
				if err != nil {
					return nil, err
				}
				class := state.ClassHot
				if c := optString(args, 3); c != "" {
					class = state.Class(c)
					if !class.Valid() {
						return nil, errors.New("invalid state class")
					}
				}
				return nil, g.manager.SetJSON(ctx, scope, key, value, class)
			},
			// State.delete(scope, key) -> existed
			"delete": func(ctx context.Context, args []interface{}) (interface{}, error) {
				scope, key, err := scopeAndKey(args)
				if err != nil {
					return nil, err
				}
				existed, err := g.manager.Delete(ctx, scope, key)
				if err != nil {
					return nil, err
				}
				return existed, nil
			},
			// State.list(scope) -> sorted keys
			"list": func(ctx context.Context, args []interface{}) (interface{}, error) {
				scopeStr, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				scope, err := state.ParseScope(scopeStr)
				if err != nil {
					return nil, err
				}
				keys, err := g.manager.ListKeys(ctx, scope)
				if err != nil {
					return nil, err
				}
				out := make([]interface{}, len(keys))
				for i, k := range keys {
					out[i] = k
				}
				return out, nil
			},
			// State.get_shared(grantee, owner, key) -> value; fails without
			// a sharing grant from the owner scope.
			"get_shared": func(ctx context.Context, args []interface{}) (interface{}, error) {
				granteeStr, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				ownerStr, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				key, err := argString(args, 2)
				if err != nil {
					return nil, err
				}
				grantee, err := state.ParseScope(granteeStr)
				if err != nil {
					return nil, err
				}
				owner, err := state.ParseScope(ownerStr)
				if err != nil {
					return nil, err
				}
				entry, err := g.manager.GetShared(ctx, grantee, owner, key)
				if err != nil {
					return nil, err
				}
				var value interface{}
				if err := decodeEntry(entry, &value); err != nil {
					return nil, err
				}
				return value, nil
			},
		},
	}
}

func decodeEntry(entry *state.Entry, v interface{}) error {
	return json.Unmarshal(entry.Value, v)
}

func scopeAndKey(args []interface{}) (state.Scope, string, error) {
	scopeStr, err := argString(args, 0)
	if err != nil {
		return state.Scope{}, "", err
	}
	key, err := argString(args, 1)
	if err != nil {
		return state.Scope{}, "", err
	}
	scope, err := state.ParseScope(scopeStr)
	if err != nil {
		return state.Scope{}, "", err
	}
	return scope, key, nil
}
