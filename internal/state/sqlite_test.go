package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteBackendCRUD(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer b.Close()

	m := NewManager(b, false)
	if err := m.SetJSON(ctx, SessionScope("s1"), "k", map[string]int{"n": 1}, ClassCold); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got map[string]int
	if err := m.GetJSON(ctx, SessionScope("s1"), "k", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["n"] != 1 {
		t.Errorf("got %v", got)
	}

	keys, err := b.ListKeys(ctx, SessionScope("s1"))
	if err != nil || len(keys) != 1 || keys[0] != "k" {
		t.Errorf("ListKeys = %v, %v", keys, err)
	}

	all, err := b.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAll = %v, %v", all, err)
	}
	if all[0].Scope != SessionScope("s1") || all[0].Version != 1 {
		t.Errorf("entry = %+v", all[0])
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, SessionScope("s1"), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(b, false)
	if err := m.SetJSON(ctx, GlobalScope, "persisted", "yes", ClassCold); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	e, err := b2.Get(ctx, GlobalScope, "persisted")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(e.Value) != `"yes"` {
		t.Errorf("value = %s", e.Value)
	}
}
