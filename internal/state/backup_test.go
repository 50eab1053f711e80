package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func seedManager(t *testing.T, m *Manager) map[string]string {
	t.Helper()
	ctx := context.Background()
	seed := map[string]string{
		"global|a":     "one",
		"session:s1|b": "two",
		"agent:a1|c":   "three",
	}
	for sk, v := range seed {
		var scope Scope
		var key string
		for i := range sk {
			if sk[i] == '|' {
				var err error
				scope, err = ParseScope(sk[:i])
				if err != nil {
					t.Fatal(err)
				}
				key = sk[i+1:]
				break
			}
		}
		if err := m.SetJSON(ctx, scope, key, v, ClassCold); err != nil {
			t.Fatal(err)
		}
	}
	return seed
}

func dumpManager(t *testing.T, m *Manager) map[string][]byte {
	t.Helper()
	all, err := m.Backend().ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := map[string][]byte{}
	for _, e := range all {
		out[e.Scope.String()+"|"+e.Key] = e.Value
	}
	return out
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, true)
	seedManager(t, m)
	before := dumpManager(t, m)

	snap, err := TakeSnapshot(ctx, m)
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if snap.FormatVersion != SnapshotFormatVersion || snap.SchemaTag != SnapshotSchemaTag {
		t.Errorf("snapshot header = %+v", snap)
	}

	// Wipe, then restore.
	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := RestoreSnapshot(ctx, m, snap); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	after := dumpManager(t, m)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("restore not byte-identical (-before +after):\n%s", diff)
	}
}

func TestRestoreRejectsUnknownFormatVersion(t *testing.T) {
	m := newTestManager(t, false)
	snap := &Snapshot{FormatVersion: 99, SchemaTag: SnapshotSchemaTag}
	if err := RestoreSnapshot(context.Background(), m, snap); err == nil {
		t.Fatal("expected rejection of unknown format_version")
	}
}

func TestBackupManagerCreateRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, false)
	seedManager(t, m)
	before := dumpManager(t, m)

	bm := NewBackupManager(dir, RetentionPolicy{})
	path, err := bm.Create(ctx, m)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("backup written outside dir: %s", path)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bm.Restore(ctx, m, path); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if diff := cmp.Diff(before, dumpManager(t, m)); diff != "" {
		t.Errorf("backup round trip mismatch:\n%s", diff)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("stray temp file %s", e.Name())
		}
	}
}

func TestBackupPruneAppliesRetention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, false)
	seedManager(t, m)

	bm := NewBackupManager(dir, RetentionPolicy{MaxCount: 2})
	for i := 0; i < 4; i++ {
		if _, err := bm.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct timestamps in file names
	}
	backups, err := bm.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("retained %d backups, want 2", len(backups))
	}
}
