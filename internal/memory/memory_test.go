package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func addItem(t *testing.T, s Store, kind Kind, scope, content string) string {
	t.Helper()
	id, err := s.Add(context.Background(), Item{Kind: kind, Scope: scope, Content: content})
	if err != nil {
		t.Fatalf("Add(%q): %v", content, err)
	}
	return id
}

func TestStoreAddGetDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	id := addItem(t, s, Semantic, "", "the capital of France is Paris")

	item, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Kind != Semantic {
		t.Errorf("kind = %q, want semantic", item.Kind)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Delete err = %v, want ErrNotFound", err)
	}
}

func TestStoreRejectsInvalidKind(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Add(context.Background(), Item{Kind: "prophetic", Content: "x"}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Add err = %v, want ErrInvalidKind", err)
	}
}

func TestQueryRanksByTermOverlap(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	addItem(t, s, Semantic, "", "go routines communicate over channels")
	addItem(t, s, Semantic, "", "channels are typed conduits in go")
	addItem(t, s, Semantic, "", "the weather is sunny today")

	results, err := s.Query(ctx, Query{Kind: Semantic, Text: "go channels"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (non-matching item excluded)", len(results))
	}
	for _, r := range results {
		if !strings.Contains(r.Item.Content, "channels") {
			t.Errorf("unexpected result %q", r.Item.Content)
		}
		if r.Score <= 0 {
			t.Errorf("score = %v, want > 0", r.Score)
		}
	}
}

func TestQueryFiltersKindAndScope(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	addItem(t, s, Episodic, "session:a", "ran the report workflow")
	addItem(t, s, Episodic, "session:b", "ran the cleanup workflow")
	addItem(t, s, Procedural, "session:a", "to run a workflow, call Workflow.execute")

	results, err := s.Query(ctx, Query{Kind: Episodic, Scope: "session:a"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Item.Scope != "session:a" {
		t.Errorf("scope = %q", results[0].Item.Scope)
	}
}

func TestQueryEmptyTextRanksByRecency(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	addItem(t, s, Episodic, "", "oldest")
	addItem(t, s, Episodic, "", "middle")
	addItem(t, s, Episodic, "", "newest")

	results, err := s.Query(ctx, Query{Kind: Episodic, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Item.Content != "newest" {
		t.Errorf("first = %q, want newest", results[0].Item.Content)
	}
}

func TestAssembleRespectsBudget(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	addItem(t, s, Semantic, "", "fact one about channels")
	addItem(t, s, Semantic, "", "fact two about channels and this one is considerably longer than the budget allows")
	addItem(t, s, Semantic, "", "fact three channels")

	asm := NewAssembler(s)
	out, err := asm.Assemble(ctx, Query{Text: "channels"}, 50)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(out.Text) > 50 {
		t.Errorf("assembled %d bytes, budget 50", len(out.Text))
	}
	if !out.Truncated {
		t.Error("Truncated = false, want true")
	}
	if out.Included == 0 {
		t.Error("no items included")
	}
}

func TestAssembleMergesStoresByPriority(t *testing.T) {
	facts := NewInMemoryStore()
	episodes := NewInMemoryStore()
	ctx := context.Background()

	addItem(t, facts, Semantic, "", "sqlite stores state")
	addItem(t, episodes, Episodic, "", "yesterday the sqlite backend was migrated")

	asm := NewAssembler(facts, episodes)
	out, err := asm.Assemble(ctx, Query{Text: "sqlite"}, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out.Included != 2 {
		t.Errorf("included %d, want 2", out.Included)
	}
	if !strings.Contains(out.Text, "\n\n") {
		t.Error("items not separated by blank line")
	}
}
