// Package hooks implements the cross-cutting interception points of the
// kernel: a closed set of hook points, a priority-ordered registry with lazy
// instantiation and atomically gated features, a chain executor with tagged
// results, and a durable execution log that supports replaying a session's
// hook timeline.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Point is a named interception site. The enumeration is closed: kernel code
// only fires points listed here.
type Point string

const (
	KernelStartup  Point = "kernel_startup"
	KernelShutdown Point = "kernel_shutdown"

	BeforeAgentInit      Point = "before_agent_init"
	BeforeAgentExecution Point = "before_agent_execution"
	AfterAgentExecution  Point = "after_agent_execution"

	BeforeToolExecution Point = "before_tool_execution"
	AfterToolExecution  Point = "after_tool_execution"

	BeforeWorkflowStart   Point = "before_workflow_start"
	AfterWorkflowComplete Point = "after_workflow_complete"

	SessionStart      Point = "session_start"
	SessionCheckpoint Point = "session_checkpoint"
	SessionSave       Point = "session_save"
	SessionRestore    Point = "session_restore"
	SessionEnd        Point = "session_end"

	BeforeScriptExecution Point = "before_script_execution"
	AfterScriptExecution  Point = "after_script_execution"
)

// knownPoints validates registrations against the closed enumeration.
var knownPoints = map[Point]bool{
	KernelStartup: true, KernelShutdown: true,
	BeforeAgentInit: true, BeforeAgentExecution: true, AfterAgentExecution: true,
	BeforeToolExecution: true, AfterToolExecution: true,
	BeforeWorkflowStart: true, AfterWorkflowComplete: true,
	SessionStart: true, SessionCheckpoint: true, SessionSave: true,
	SessionRestore: true, SessionEnd: true,
	BeforeScriptExecution: true, AfterScriptExecution: true,
}

// Valid reports whether the point is part of the enumeration.
func (p Point) Valid() bool { return knownPoints[p] }

// ResultKind tags what a hook decided.
type ResultKind string

const (
	KindContinue ResultKind = "continue"
	KindStop     ResultKind = "stop"
	KindReplace  ResultKind = "replace"
	KindRetry    ResultKind = "retry"
	KindCancel   ResultKind = "cancel_request"
)

// Result is the tagged variant carried through a hook chain.
type Result struct {
	Kind    ResultKind
	Value   interface{}   // Replace: the substituted value
	Backoff time.Duration // Retry: wait before re-invoking
	Reason  string        // Cancel: why the operation must abort
}

// Continue lets the chain proceed unchanged.
func Continue() Result { return Result{Kind: KindContinue} }

// Stop halts the chain; hooks later in priority order do not run.
func Stop() Result { return Result{Kind: KindStop} }

// Replace substitutes the carried value and continues the chain.
func Replace(v interface{}) Result { return Result{Kind: KindReplace, Value: v} }

// Retry re-invokes the same hook after backoff.
func Retry(backoff time.Duration) Result { return Result{Kind: KindRetry, Backoff: backoff} }

// Cancel aborts the enclosing operation.
func Cancel(reason string) Result { return Result{Kind: KindCancel, Reason: reason} }

// HookContext is the data a hook observes and may modify. Value is the
// carried value Replace substitutes; Data is point-specific context.
type HookContext struct {
	Point         Point
	CorrelationID string
	Language      string
	Data          map[string]interface{}
	Value         interface{}
}

// Hook is one interception callback.
type Hook interface {
	Name() string
	Execute(ctx context.Context, hctx *HookContext) (Result, error)
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, hctx *HookContext) (Result, error)
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) Execute(ctx context.Context, hctx *HookContext) (Result, error) {
	return h.Fn(ctx, hctx)
}

// CancelledError aborts the enclosing operation when a hook returns Cancel.
type CancelledError struct {
	Point  Point
	Hook   string
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("operation cancelled by hook %s at %s: %s", e.Hook, e.Point, e.Reason)
}

// ErrUnknownPoint rejects registrations outside the closed enumeration.
var ErrUnknownPoint = errors.New("hooks: unknown hook point")
