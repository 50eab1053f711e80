// Package events carries the universal cross-language event envelope over a
// bounded fan-out bus. Publishing never blocks: a subscriber whose buffer is
// full misses the event and the bus drop counter is incremented.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the kernel.
const (
	SessionStart      = "session.start"
	SessionCheckpoint = "session.checkpoint"
	SessionSave       = "session.save"
	SessionRestore    = "session.restore"
	SessionEnd        = "session.end"
	ArtifactCreated   = "artifact.created"
	ToolInvoked       = "tool.invoked"
	AgentCompleted    = "agent.completed"
	WorkflowCompleted = "workflow.completed"
	ExecutionStart    = "execution.start"
	ExecutionEnd      = "execution.end"
	HookExecuted      = "hook.executed"
)

// Envelope is the language-neutral wire form of an event. Payload is
// self-describing JSON-compatible data; Language tags the engine that
// produced it so adapters can round-trip values faithfully.
type Envelope struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Language      string                 `json:"language_tag"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     time.Time              `json:"timestamp"`
}

// New builds an envelope with a fresh id and timestamp.
func New(eventType, language, correlationID string, payload map[string]interface{}) Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Language:      language,
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// subscriberBuffer is the per-subscriber queue depth.
const subscriberBuffer = 64

// Subscription is a live event feed. Close it via Bus.Unsubscribe.
type Subscription struct {
	C       <-chan Envelope
	ch      chan Envelope
	pattern string
}

// Bus is a fan-out publish/subscribe event bus. Patterns are exact event
// types or a "prefix.*" wildcard; empty pattern receives everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a feed for events matching pattern.
func (b *Bus) Subscribe(pattern string) *Subscription {
	ch := make(chan Envelope, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, pattern: pattern}
	b.mu.Lock()
	if !b.closed {
		b.subs[sub] = struct{}{}
	} else {
		close(ch)
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the feed and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the envelope to every matching subscriber without
// blocking. Full buffers drop the event for that subscriber.
func (b *Bus) Publish(e Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !matches(sub.pattern, e.EventType) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus and every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// matches implements exact and "prefix.*" pattern matching.
func matches(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
