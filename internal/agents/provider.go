// Package agents implements the agent, tool and workflow registries the
// script globals expose, plus the provider trait the kernel consumes. No
// concrete LLM provider ships with the kernel; hosts register their own.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ChatMessage is one turn of a completion conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral inference request.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// CompletionResponse is the provider-neutral result.
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Provider is the LLM trait surface. Stream returns a lazy, finite sequence
// of chunks; the channel closes when the completion ends or ctx is cancelled.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan string, error)
}

// ErrProviderUnknown is returned for lookups of unregistered providers.
var ErrProviderUnknown = errors.New("agents: unknown provider")

// ProviderRegistry holds named providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider; the first registration becomes the default.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defName = p.Name()
	}
	r.providers[p.Name()] = p
}

// Get returns the named provider, or the default when name is empty.
func (r *ProviderRegistry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnknown, name)
	}
	return p, nil
}

// List returns registered provider names, sorted.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
