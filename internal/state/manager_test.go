package state

import (
	"context"
	"errors"
	"testing"
)

func newTestManager(t *testing.T, fastPath bool) *Manager {
	t.Helper()
	m := NewManager(NewMemoryBackend(), fastPath)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, true)

	if err := m.SetJSON(ctx, GlobalScope, "greeting", "hello", ClassCold); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got string
	if err := m.GetJSON(ctx, GlobalScope, "greeting", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q", got)
	}

	existed, err := m.Delete(ctx, GlobalScope, "greeting")
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v", existed, err)
	}
	if _, err := m.Get(ctx, GlobalScope, "greeting"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if existed, _ := m.Delete(ctx, GlobalScope, "greeting"); existed {
		t.Error("second delete should report not existed")
	}
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, true)

	scopes := []Scope{GlobalScope, AgentScope("a1"), AgentScope("a2"), SessionScope("s1")}
	for _, s := range scopes {
		if err := m.SetJSON(ctx, s, "key", s.String(), ClassHot); err != nil {
			t.Fatalf("Set %s failed: %v", s, err)
		}
	}
	for _, s := range scopes {
		var got string
		if err := m.GetJSON(ctx, s, "key", &got); err != nil {
			t.Fatalf("Get %s failed: %v", s, err)
		}
		if got != s.String() {
			t.Errorf("scope %s read %q", s, got)
		}
	}
}

func TestVersionIncrements(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, false)

	for i := 0; i < 3; i++ {
		if err := m.SetJSON(ctx, GlobalScope, "counter", i, ClassCold); err != nil {
			t.Fatal(err)
		}
	}
	e, err := m.Get(ctx, GlobalScope, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 3 {
		t.Errorf("version = %d, want 3", e.Version)
	}
}

func TestEphemeralSkipsBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewManager(backend, true)
	defer m.Close()

	if err := m.SetJSON(ctx, GlobalScope, "temp", 1, ClassEphemeral); err != nil {
		t.Fatal(err)
	}
	// Visible through the manager.
	var v int
	if err := m.GetJSON(ctx, GlobalScope, "temp", &v); err != nil || v != 1 {
		t.Fatalf("ephemeral read failed: %v %d", err, v)
	}
	// Absent from the durable backend.
	if _, err := backend.Get(ctx, GlobalScope, "temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ephemeral entry leaked to backend: %v", err)
	}
}

func TestColdOverwriteEvictsHotEntry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewManager(backend, true)
	defer m.Close()

	if err := m.SetJSON(ctx, GlobalScope, "k", "v1", ClassHot); err != nil {
		t.Fatal(err)
	}
	if err := m.SetJSON(ctx, GlobalScope, "k", "v2", ClassCold); err != nil {
		t.Fatal(err)
	}
	var got string
	if err := m.GetJSON(ctx, GlobalScope, "k", &got); err != nil {
		t.Fatal(err)
	}
	if got != "v2" {
		t.Errorf("Get after cold overwrite = %q, want %q", got, "v2")
	}
	// The durable copy must agree.
	e, err := backend.Get(ctx, GlobalScope, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Value) != `"v2"` {
		t.Errorf("backend value = %s", e.Value)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
}

func TestEphemeralReadableWithoutFastPath(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, false)

	if err := m.SetJSON(ctx, GlobalScope, "temp", 1, ClassEphemeral); err != nil {
		t.Fatal(err)
	}
	var v int
	if err := m.GetJSON(ctx, GlobalScope, "temp", &v); err != nil {
		t.Fatalf("ephemeral read failed: %v", err)
	}
	if v != 1 {
		t.Errorf("value = %d, want 1", v)
	}
}

func TestSharingRequiresGrant(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, true)

	owner := AgentScope("owner")
	grantee := AgentScope("grantee")
	if err := m.SetJSON(ctx, owner, "secret", 7, ClassCold); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetShared(ctx, grantee, owner, "secret"); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("expected scope violation, got %v", err)
	}

	m.Grant(owner, grantee)
	e, err := m.GetShared(ctx, grantee, owner, "secret")
	if err != nil {
		t.Fatalf("granted read failed: %v", err)
	}
	if string(e.Value) != "7" {
		t.Errorf("value = %s", e.Value)
	}

	m.Revoke(owner, grantee)
	if _, err := m.GetShared(ctx, grantee, owner, "secret"); !errors.Is(err, ErrScopeViolation) {
		t.Errorf("expected violation after revoke, got %v", err)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, false)

	for _, key := range []string{"", "../etc/passwd", "a/b", "nul\x00byte"} {
		if err := m.SetJSON(ctx, GlobalScope, key, 1, ClassCold); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestListKeysMergesTiers(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, true)

	if err := m.SetJSON(ctx, GlobalScope, "cold", 1, ClassCold); err != nil {
		t.Fatal(err)
	}
	if err := m.SetJSON(ctx, GlobalScope, "eph", 2, ClassEphemeral); err != nil {
		t.Fatal(err)
	}
	keys, err := m.ListKeys(ctx, GlobalScope)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["cold"] || !seen["eph"] {
		t.Errorf("keys = %v", keys)
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"global", GlobalScope, false},
		{"session:s1", SessionScope("s1"), false},
		{"agent:a9", AgentScope("a9"), false},
		{"workflow:w1", WorkflowScope("w1"), false},
		{"tool:calc", ToolScope("calc"), false},
		{"custom:team-x", CustomScope("team-x"), false},
		{"session:", Scope{}, true},
		{"agent", Scope{}, true},
		{"global:oops", Scope{}, true},
		{"planet:earth", Scope{}, true},
		{"session:a:b", Scope{}, true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseScope(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScope(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScope(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if rt, err := ParseScope(got.String()); err != nil || rt != got {
			t.Errorf("round trip %q failed: %v %v", tt.in, rt, err)
		}
	}
}
