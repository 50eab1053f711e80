package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotFormatVersion is the only version this build reads and writes.
// Importers must reject anything else.
const SnapshotFormatVersion = 1

// SnapshotSchemaTag names the entry layout inside the snapshot.
const SnapshotSchemaTag = "llmspell-state-v1"

// Snapshot is the versioned JSON backup document.
type Snapshot struct {
	FormatVersion int             `json:"format_version"`
	CreatedAt     time.Time       `json:"created_at"`
	SourceBackend string          `json:"source_backend"`
	SchemaTag     string          `json:"schema_tag"`
	Entries       []SnapshotEntry `json:"entries"`
}

// SnapshotEntry is the wire form of one state entry.
type SnapshotEntry struct {
	Scope       string    `json:"scope"`
	Key         string    `json:"key"`
	ValueBase64 string    `json:"value_base64"`
	Schema      string    `json:"schema,omitempty"`
	Class       string    `json:"class"`
	Version     uint64    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TakeSnapshot captures every durable entry of the manager's backend.
func TakeSnapshot(ctx context.Context, m *Manager) (*Snapshot, error) {
	entries, err := m.Backend().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot scan: %w", err)
	}
	snap := &Snapshot{
		FormatVersion: SnapshotFormatVersion,
		CreatedAt:     time.Now().UTC(),
		SourceBackend: m.Backend().Name(),
		SchemaTag:     SnapshotSchemaTag,
		Entries:       make([]SnapshotEntry, 0, len(entries)),
	}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Scope:       e.Scope.String(),
			Key:         e.Key,
			ValueBase64: base64.StdEncoding.EncodeToString(e.Value),
			Schema:      e.Schema,
			Class:       string(e.Class),
			Version:     e.Version,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	return snap, nil
}

// RestoreSnapshot wipes the manager and loads the snapshot's entries,
// preserving versions and timestamps byte-for-byte.
func RestoreSnapshot(ctx context.Context, m *Manager, snap *Snapshot) error {
	if snap.FormatVersion != SnapshotFormatVersion {
		return fmt.Errorf("unsupported snapshot format_version %d", snap.FormatVersion)
	}
	if err := m.Clear(ctx); err != nil {
		return fmt.Errorf("restore clear: %w", err)
	}
	for _, se := range snap.Entries {
		scope, err := ParseScope(se.Scope)
		if err != nil {
			return fmt.Errorf("restore entry scope: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(se.ValueBase64)
		if err != nil {
			return fmt.Errorf("restore entry %s/%s value: %w", se.Scope, se.Key, err)
		}
		entry := &Entry{
			Scope:     scope,
			Key:       se.Key,
			Value:     value,
			Schema:    se.Schema,
			Class:     Class(se.Class),
			Version:   se.Version,
			CreatedAt: se.CreatedAt,
			UpdatedAt: se.UpdatedAt,
		}
		if entry.Class != ClassEphemeral {
			if err := m.Backend().Put(ctx, entry); err != nil {
				return fmt.Errorf("restore entry %s/%s: %w", se.Scope, se.Key, err)
			}
		}
		if m.fastEnabled && entry.Class != ClassCold {
			m.fastMu.Lock()
			m.fast[fastKey(scope, se.Key)] = entry.clone()
			m.fastMu.Unlock()
		}
	}
	return nil
}

// BackupManager writes snapshots to timestamped files and applies retention
// after every write.
type BackupManager struct {
	dir       string
	retention RetentionPolicy
}

// NewBackupManager creates a manager writing under dir.
func NewBackupManager(dir string, retention RetentionPolicy) *BackupManager {
	return &BackupManager{dir: dir, retention: retention}
}

// Create snapshots m to a new backup file and prunes old backups. The file
// write is atomic: temp file then rename.
func (b *BackupManager) Create(ctx context.Context, m *Manager) (string, error) {
	snap, err := TakeSnapshot(ctx, m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("state-%s.json", snap.CreatedAt.Format("20060102T150405.000000000Z0700"))
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(b.dir, ".backup-*")
	if err != nil {
		return "", fmt.Errorf("create temp backup: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish backup: %w", err)
	}

	// Retention failures log-and-continue at the caller; they never fail the
	// backup that just succeeded.
	_ = b.Prune(time.Now().UTC())
	return path, nil
}

// Restore loads the snapshot at path into m.
func (b *BackupManager) Restore(ctx context.Context, m *Manager, path string) error {
	snap, err := LoadSnapshotFile(path)
	if err != nil {
		return err
	}
	return RestoreSnapshot(ctx, m, snap)
}

// LoadSnapshotFile reads and validates a snapshot document.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format_version %d", snap.FormatVersion)
	}
	return &snap, nil
}

// List returns backup metadata sorted oldest first.
func (b *BackupManager) List() ([]BackupMeta, error) {
	return listBackups(b.dir)
}

// Prune deletes backups the retention policy no longer retains.
func (b *BackupManager) Prune(now time.Time) error {
	backups, err := listBackups(b.dir)
	if err != nil {
		return err
	}
	for _, meta := range backups {
		if decision := b.retention.Evaluate(meta, backups, now); !decision.Retain {
			if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("prune %s: %w", meta.Path, err)
			}
		}
	}
	return nil
}
