package globals

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"llmspell/internal/engine"
	"llmspell/internal/sessions"
)

// SessionGlobal exposes session lifecycle to scripts.
type SessionGlobal struct {
	base
	manager *sessions.Manager
}

// NewSessionGlobal wraps the session manager.
func NewSessionGlobal(manager *sessions.Manager) *SessionGlobal {
	return &SessionGlobal{
		base:    base{name: "Session", version: "1.0", deps: []string{"State", "Event"}},
		manager: manager,
	}
}

func sessionToScript(s *sessions.Session) map[string]interface{} {
	out := map[string]interface{}{
		"id":             s.ID,
		"name":           s.Name,
		"status":         string(s.Status),
		"correlation_id": s.CorrelationID,
		"created_at":     s.CreatedAt.Format(time.RFC3339Nano),
	}
	if s.Error != "" {
		out["error"] = s.Error
	}
	return out
}

func (g *SessionGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Session.create(name [, metadata]) -> session
			"create": func(ctx context.Context, args []interface{}) (interface{}, error) {
				name, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				s, err := g.manager.Create(ctx, name, optMap(args, 1))
				if err != nil {
					return nil, err
				}
				return sessionToScript(s), nil
			},
			// Session.get(id) -> session
			"get": func(_ context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				s, err := g.manager.Get(id)
				if err != nil {
					return nil, err
				}
				return sessionToScript(s), nil
			},
			// Session.list() -> sessions, newest first
			"list": func(context.Context, []interface{}) (interface{}, error) {
				all := g.manager.List()
				out := make([]interface{}, len(all))
				for i := range all {
					out[i] = sessionToScript(&all[i])
				}
				return out, nil
			},
			// Session.current() -> id of the session driving this execution
			"current": func(ctx context.Context, _ []interface{}) (interface{}, error) {
				if id := sessionFrom(ctx); id != "" {
					return id, nil
				}
				return nil, nil
			},
			"suspend": g.lifecycle(g.manager.Suspend),
			"resume":  g.lifecycle(g.manager.Resume),
			"save":    g.lifecycle(g.manager.Save),
			"complete": g.lifecycle(func(ctx context.Context, id string) error {
				return g.manager.Complete(ctx, id)
			}),
			// Session.restore(id) -> session, suspended
			"restore": func(ctx context.Context, args []interface{}) (interface{}, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				s, err := g.manager.Restore(ctx, id)
				if err != nil {
					return nil, err
				}
				return sessionToScript(s), nil
			},
		},
	}
}

func (g *SessionGlobal) lifecycle(op func(ctx context.Context, id string) error) engine.NativeFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		id, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, op(ctx, id)
	}
}

// ArtifactGlobal exposes session artifacts. Binary content crosses the
// bridge base64-encoded; text goes through untouched.
type ArtifactGlobal struct {
	base
	manager *sessions.Manager
}

// NewArtifactGlobal wraps the artifact side of the session manager.
func NewArtifactGlobal(manager *sessions.Manager) *ArtifactGlobal {
	return &ArtifactGlobal{
		base:    base{name: "Artifact", version: "1.0", deps: []string{"Session"}},
		manager: manager,
	}
}

func metaToScript(meta *sessions.ArtifactMeta) map[string]interface{} {
	return map[string]interface{}{
		"id":           meta.ID,
		"name":         meta.Name,
		"version":      meta.Version,
		"media_type":   meta.MediaType,
		"size":         float64(meta.Size),
		"content_hash": meta.ContentHash,
		"stored":       meta.Stored,
	}
}

func (g *ArtifactGlobal) Module() engine.Module {
	return engine.Module{
		Name: g.name,
		Functions: map[string]engine.NativeFunc{
			// Artifact.store(session_id, name, media_type, content [, base64]) -> meta
			"store": func(ctx context.Context, args []interface{}) (interface{}, error) {
				sessionID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				name, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				mediaType := optString(args, 2)
				body, err := argString(args, 3)
				if err != nil {
					return nil, err
				}
				content := []byte(body)
				if encoded, _ := argAt(args, 4).(bool); encoded {
					content, err = base64.StdEncoding.DecodeString(body)
					if err != nil {
						return nil, errors.New("content is not valid base64")
					}
				}
				meta, err := g.manager.StoreArtifact(ctx, sessionID, name, mediaType, content, nil)
				if err != nil {
					return nil, err
				}
				return metaToScript(meta), nil
			},
			// Artifact.get(session_id, name [, version]) -> {meta=..., content=...}
			"get": func(_ context.Context, args []interface{}) (interface{}, error) {
				sessionID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				name, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				meta, content, err := g.manager.Artifacts().Get(sessionID, name, optInt(args, 2))
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"meta":    metaToScript(meta),
					"content": string(content),
				}, nil
			},
			// Artifact.list(session_id) -> metas
			"list": func(_ context.Context, args []interface{}) (interface{}, error) {
				sessionID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				metas := g.manager.Artifacts().List(sessionID)
				out := make([]interface{}, len(metas))
				for i := range metas {
					out[i] = metaToScript(&metas[i])
				}
				return out, nil
			},
			// Artifact.search(session_id, query) -> metas
			"search": func(_ context.Context, args []interface{}) (interface{}, error) {
				sessionID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				metas := g.manager.Artifacts().Search(sessionID, optString(args, 1), nil)
				out := make([]interface{}, len(metas))
				for i := range metas {
					out[i] = metaToScript(&metas[i])
				}
				return out, nil
			},
			// Artifact.delete(session_id, name [, version])
			"delete": func(_ context.Context, args []interface{}) (interface{}, error) {
				sessionID, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				name, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				return nil, g.manager.Artifacts().Delete(sessionID, name, optInt(args, 2))
			},
		},
	}
}

func argAt(args []interface{}, i int) interface{} {
	if i >= len(args) {
		return nil
	}
	return args[i]
}
