// Package memory provides the kernel's agent memory stores. Three kinds are
// distinguished: episodic (what happened), semantic (facts), and procedural
// (how to do things). The default store keeps everything in process with
// keyword-ranked retrieval; hosts can substitute a vector-backed Store.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a memory item.
type Kind string

const (
	Episodic   Kind = "episodic"
	Semantic   Kind = "semantic"
	Procedural Kind = "procedural"
)

// Valid reports whether k is a known memory kind.
func (k Kind) Valid() bool {
	switch k {
	case Episodic, Semantic, Procedural:
		return true
	}
	return false
}

// Item is one stored memory.
type Item struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	Scope     string                 `json:"scope,omitempty"` // usually a session or agent scope string
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Query selects and ranks items. Text terms are matched case-insensitively
// against content; an empty Text returns items ranked by recency.
type Query struct {
	Kind  Kind
	Scope string
	Text  string
	Limit int
}

// Scored pairs an item with its retrieval score.
type Scored struct {
	Item  Item
	Score float64
}

// Errors reported by memory stores.
var (
	ErrInvalidKind = errors.New("memory: invalid kind")
	ErrNotFound    = errors.New("memory: item not found")
)

// Store is the memory trait. Query returns results in descending score order.
type Store interface {
	Add(ctx context.Context, item Item) (string, error)
	Get(ctx context.Context, id string) (*Item, error)
	Query(ctx context.Context, q Query) ([]Scored, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, kind Kind) (int, error)
}

// InMemoryStore is the default Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
	order []string // insertion order, for recency ranking
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Item)}
}

// Add stores an item and returns its ID.
func (s *InMemoryStore) Add(_ context.Context, item Item) (string, error) {
	if !item.Kind.Valid() {
		return "", ErrInvalidKind
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; !exists {
		s.order = append(s.order, item.ID)
	}
	s.items[item.ID] = item
	return item.ID, nil
}

// Get returns an item by ID.
func (s *InMemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &item, nil
}

// Delete removes an item.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns the number of items of a kind; Kind("") counts everything.
func (s *InMemoryStore) Count(_ context.Context, kind Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == "" {
		return len(s.items), nil
	}
	n := 0
	for _, item := range s.items {
		if item.Kind == kind {
			n++
		}
	}
	return n, nil
}

// Query ranks matching items. Term overlap dominates the score; a small
// recency bonus breaks ties so newer memories surface first.
func (s *InMemoryStore) Query(_ context.Context, q Query) ([]Scored, error) {
	terms := tokenize(q.Text)

	s.mu.RLock()
	scored := make([]Scored, 0, len(s.order))
	for i, id := range s.order {
		item := s.items[id]
		if q.Kind != "" && item.Kind != q.Kind {
			continue
		}
		if q.Scope != "" && item.Scope != q.Scope {
			continue
		}
		score := overlap(terms, item.Content)
		if len(terms) > 0 && score == 0 {
			continue
		}
		recency := float64(i+1) / float64(len(s.order)+1)
		scored = append(scored, Scored{Item: item, Score: score + recency*0.01})
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if q.Limit > 0 && len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored, nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// overlap counts how many query terms appear in content, normalized by the
// number of terms.
func overlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
