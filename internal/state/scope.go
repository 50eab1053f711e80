// Package state implements scoped key-value persistence: pluggable backends,
// an in-memory fast path for hot entries, JSON snapshot backup/restore,
// retention policies, and a backend-to-backend migration pipeline.
package state

import (
	"errors"
	"fmt"
	"strings"
)

// ScopeKind enumerates the isolation domains.
type ScopeKind string

const (
	KindGlobal   ScopeKind = "global"
	KindSession  ScopeKind = "session"
	KindAgent    ScopeKind = "agent"
	KindWorkflow ScopeKind = "workflow"
	KindTool     ScopeKind = "tool"
	KindCustom   ScopeKind = "custom"
)

// Scope is the primary isolation primitive for state entries. Global has no
// ID; every other kind requires one.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// GlobalScope is the shared top-level scope.
var GlobalScope = Scope{Kind: KindGlobal}

// SessionScope returns the scope owned by a session.
func SessionScope(id string) Scope { return Scope{Kind: KindSession, ID: id} }

// AgentScope returns the scope owned by an agent.
func AgentScope(id string) Scope { return Scope{Kind: KindAgent, ID: id} }

// WorkflowScope returns the scope owned by a workflow.
func WorkflowScope(id string) Scope { return Scope{Kind: KindWorkflow, ID: id} }

// ToolScope returns the scope owned by a tool.
func ToolScope(id string) Scope { return Scope{Kind: KindTool, ID: id} }

// CustomScope returns a caller-defined scope.
func CustomScope(tag string) Scope { return Scope{Kind: KindCustom, ID: tag} }

// ParseScope parses the "kind" or "kind:id" grammar used by script globals:
// global, session:ID, agent:ID, workflow:ID, tool:ID, custom:TAG.
func ParseScope(s string) (Scope, error) {
	kind, id, found := strings.Cut(s, ":")
	switch ScopeKind(kind) {
	case KindGlobal:
		if found && id != "" {
			return Scope{}, fmt.Errorf("global scope takes no id: %q", s)
		}
		return GlobalScope, nil
	case KindSession, KindAgent, KindWorkflow, KindTool, KindCustom:
		if !found || id == "" {
			return Scope{}, fmt.Errorf("scope %q requires an id", kind)
		}
		if strings.Contains(id, ":") {
			return Scope{}, fmt.Errorf("scope id may not contain ':': %q", s)
		}
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	}
	return Scope{}, fmt.Errorf("unknown scope kind in %q", s)
}

// String renders the parseable form.
func (s Scope) String() string {
	if s.Kind == KindGlobal {
		return string(KindGlobal)
	}
	return string(s.Kind) + ":" + s.ID
}

// Valid reports whether the scope is well-formed.
func (s Scope) Valid() bool {
	switch s.Kind {
	case KindGlobal:
		return s.ID == ""
	case KindSession, KindAgent, KindWorkflow, KindTool, KindCustom:
		return s.ID != "" && !strings.Contains(s.ID, ":")
	}
	return false
}

// Class tags an entry with its performance tier. Hot entries ride the
// in-memory fast path with write-through; ephemeral entries never touch the
// durable backend; cold entries skip the fast path entirely.
type Class string

const (
	ClassEphemeral Class = "ephemeral"
	ClassHot       Class = "hot"
	ClassCold      Class = "cold"
)

// Valid reports whether the class is known.
func (c Class) Valid() bool {
	switch c {
	case ClassEphemeral, ClassHot, ClassCold:
		return true
	}
	return false
}

// Errors shared across the package.
var (
	ErrNotFound       = errors.New("state: key not found")
	ErrInvalidKey     = errors.New("state: invalid key")
	ErrScopeViolation = errors.New("state: scope violation")
)

// ValidateKey rejects empty keys and keys that could escape a storage
// namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.Contains(key, "..") || strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
