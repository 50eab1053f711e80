package sessions

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBlobThreshold is the size at which artifact content moves out of
// the index database onto the blob directory.
const DefaultBlobThreshold = 1 << 20 // 1 MiB

// ArtifactMeta describes a stored artifact. ContentHash is the hex SHA-256
// of the content; artifacts with identical content share one blob.
type ArtifactMeta struct {
	ID          string            `json:"id"` // "<name>@<version>" within a session
	SessionID   string            `json:"session_id"`
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	MediaType   string            `json:"media_type,omitempty"`
	Size        int64             `json:"size"`
	ContentHash string            `json:"content_hash"`
	Stored      string            `json:"stored"` // "inline" or "blob"
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Errors reported by the artifact store.
var (
	ErrArtifactNotFound = errors.New("sessions: artifact not found")
	ErrArtifactTooEmpty = errors.New("sessions: artifact content empty")
)

// ArtifactStore keeps session artifacts content-addressed. The metadata,
// version chains, and blob refcounts live in a SQLite index under the blob
// directory, so they survive restarts alongside the blobs themselves.
// Content below the threshold stays inline in the index; larger content
// lands in one file per hash. Identical content stored by different
// sessions shares a single blob via refcounting.
type ArtifactStore struct {
	dir       string
	threshold int64

	mu sync.Mutex // serializes read-modify-write over the index
	db *sql.DB
}

// NewArtifactStore opens a store writing blobs under dir. The index database
// is dir/artifacts.db. threshold <= 0 selects DefaultBlobThreshold.
func NewArtifactStore(dir string, threshold int64) (*ArtifactStore, error) {
	if threshold <= 0 {
		threshold = DefaultBlobThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create blob dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "artifacts.db"))
	if err != nil {
		return nil, fmt.Errorf("sessions: open artifact index: %w", err)
	}
	db.SetMaxOpenConns(1)
	schema := `
	CREATE TABLE IF NOT EXISTS artifact_blobs (
		hash   TEXT PRIMARY KEY,
		size   INTEGER NOT NULL,
		refs   INTEGER NOT NULL,
		inline BLOB
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		session_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		version    INTEGER NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		size       INTEGER NOT NULL,
		hash       TEXT NOT NULL,
		stored     TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, name, version)
	);
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: initialize artifact index: %w", err)
	}
	return &ArtifactStore{dir: dir, threshold: threshold, db: db}, nil
}

func (s *ArtifactStore) blobPath(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Put stores content as the next version of (sessionID, name). Versions are
// monotone per name starting at 1.
func (s *ArtifactStore) Put(sessionID, name, mediaType string, content []byte, tags map[string]string) (*ArtifactMeta, error) {
	if len(content) == 0 {
		return nil, ErrArtifactTooEmpty
	}
	if name == "" {
		return nil, errors.New("sessions: artifact name required")
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	size := int64(len(content))

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sessions: put artifact: %w", err)
	}
	defer tx.Rollback()

	var refs int
	var haveInline bool
	err = tx.QueryRow(`SELECT refs, inline IS NOT NULL FROM artifact_blobs WHERE hash = ?`, hash).
		Scan(&refs, &haveInline)
	switch {
	case err == sql.ErrNoRows:
		haveInline = size < s.threshold
		var inline []byte
		if haveInline {
			inline = content
		} else if err := s.writeBlobFile(hash, content); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`INSERT INTO artifact_blobs (hash, size, refs, inline) VALUES (?, ?, 1, ?)`,
			hash, size, inline); err != nil {
			return nil, fmt.Errorf("sessions: put artifact: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("sessions: put artifact: %w", err)
	default:
		if _, err := tx.Exec(`UPDATE artifact_blobs SET refs = refs + 1 WHERE hash = ?`, hash); err != nil {
			return nil, fmt.Errorf("sessions: put artifact: %w", err)
		}
	}

	var version int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE session_id = ? AND name = ?`,
		sessionID, name).Scan(&version); err != nil {
		return nil, fmt.Errorf("sessions: put artifact: %w", err)
	}

	stored := "inline"
	if !haveInline {
		stored = "blob"
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		tagsJSON = []byte("{}")
	}
	now := time.Now()
	if _, err := tx.Exec(`INSERT INTO artifacts (session_id, name, version, media_type, size, hash, stored, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, name, version, mediaType, size, hash, stored, string(tagsJSON), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("sessions: put artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sessions: put artifact: %w", err)
	}

	return &ArtifactMeta{
		ID:          fmt.Sprintf("%s@%d", name, version),
		SessionID:   sessionID,
		Name:        name,
		Version:     version,
		MediaType:   mediaType,
		Size:        size,
		ContentHash: hash,
		Stored:      stored,
		Tags:        tags,
		CreatedAt:   now,
	}, nil
}

// writeBlobFile lands content under the hash it claims to be, via
// temp+rename so a crash never leaves a half-written blob behind.
func (s *ArtifactStore) writeBlobFile(hash string, content []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("sessions: write blob: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sessions: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sessions: write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.blobPath(hash)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sessions: write blob: %w", err)
	}
	return nil
}

func scanMeta(row interface{ Scan(...interface{}) error }) (*ArtifactMeta, error) {
	var meta ArtifactMeta
	var tagsJSON string
	var createdAt int64
	if err := row.Scan(&meta.SessionID, &meta.Name, &meta.Version, &meta.MediaType,
		&meta.Size, &meta.ContentHash, &meta.Stored, &tagsJSON, &createdAt); err != nil {
		return nil, err
	}
	meta.ID = fmt.Sprintf("%s@%d", meta.Name, meta.Version)
	meta.CreatedAt = time.Unix(0, createdAt)
	if tagsJSON != "" && tagsJSON != "{}" {
		if err := json.Unmarshal([]byte(tagsJSON), &meta.Tags); err != nil {
			return nil, fmt.Errorf("sessions: decode artifact tags: %w", err)
		}
	}
	return &meta, nil
}

const metaColumns = `session_id, name, version, media_type, size, hash, stored, tags, created_at`

// Get returns the metadata and content of an artifact. Version 0 selects the
// latest version of name.
func (s *ArtifactStore) Get(sessionID, name string, version int) (*ArtifactMeta, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRow(`SELECT `+metaColumns+` FROM artifacts
			WHERE session_id = ? AND name = ? ORDER BY version DESC LIMIT 1`, sessionID, name)
	} else {
		row = s.db.QueryRow(`SELECT `+metaColumns+` FROM artifacts
			WHERE session_id = ? AND name = ? AND version = ?`, sessionID, name, version)
	}
	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("%w: %s@%d in session %s", ErrArtifactNotFound, name, version, sessionID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sessions: get artifact: %w", err)
	}

	if meta.Stored == "inline" {
		var inline []byte
		if err := s.db.QueryRow(`SELECT inline FROM artifact_blobs WHERE hash = ?`, meta.ContentHash).
			Scan(&inline); err != nil {
			return nil, nil, fmt.Errorf("sessions: get artifact: %w", err)
		}
		return meta, inline, nil
	}
	content, err := os.ReadFile(s.blobPath(meta.ContentHash))
	if err != nil {
		return nil, nil, fmt.Errorf("sessions: read blob: %w", err)
	}
	return meta, content, nil
}

// List returns a session's artifacts ordered by name then version.
func (s *ArtifactStore) List(sessionID string) []ArtifactMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+metaColumns+` FROM artifacts
		WHERE session_id = ? ORDER BY name, version`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []ArtifactMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return out
		}
		out = append(out, *meta)
	}
	return out
}

// Search returns a session's artifacts whose name contains the query or
// whose tags match every entry of tags. Empty query and tags match all.
func (s *ArtifactStore) Search(sessionID, query string, tags map[string]string) []ArtifactMeta {
	all := s.List(sessionID)
	out := all[:0]
	for _, meta := range all {
		if query != "" && !strings.Contains(meta.Name, query) {
			continue
		}
		matched := true
		for k, v := range tags {
			if meta.Tags[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, meta)
		}
	}
	return out
}

// Delete removes one artifact version and drops a blob reference. The blob
// itself is removed only when no artifact references it anymore.
func (s *ArtifactStore) Delete(sessionID, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sessions: delete artifact: %w", err)
	}
	defer tx.Rollback()

	var hash, stored string
	var row *sql.Row
	if version == 0 {
		row = tx.QueryRow(`SELECT version, hash, stored FROM artifacts
			WHERE session_id = ? AND name = ? ORDER BY version DESC LIMIT 1`, sessionID, name)
	} else {
		row = tx.QueryRow(`SELECT version, hash, stored FROM artifacts
			WHERE session_id = ? AND name = ? AND version = ?`, sessionID, name, version)
	}
	if err := row.Scan(&version, &hash, &stored); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s@%d in session %s", ErrArtifactNotFound, name, version, sessionID)
		}
		return fmt.Errorf("sessions: delete artifact: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM artifacts WHERE session_id = ? AND name = ? AND version = ?`,
		sessionID, name, version); err != nil {
		return fmt.Errorf("sessions: delete artifact: %w", err)
	}
	orphaned, err := releaseBlob(tx, hash)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sessions: delete artifact: %w", err)
	}
	if orphaned && stored == "blob" {
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sessions: remove blob: %w", err)
		}
	}
	return nil
}

// DeleteSession removes every artifact of a session and garbage-collects
// blobs that lost their last reference.
func (s *ArtifactStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sessions: delete session artifacts: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT hash, stored FROM artifacts WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: delete session artifacts: %w", err)
	}
	type ref struct {
		hash   string
		stored string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.hash, &r.stored); err != nil {
			rows.Close()
			return fmt.Errorf("sessions: delete session artifacts: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM artifacts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sessions: delete session artifacts: %w", err)
	}
	var orphanFiles []string
	for _, r := range refs {
		orphaned, err := releaseBlob(tx, r.hash)
		if err != nil {
			return err
		}
		if orphaned && r.stored == "blob" {
			orphanFiles = append(orphanFiles, s.blobPath(r.hash))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sessions: delete session artifacts: %w", err)
	}
	var firstErr error
	for _, p := range orphanFiles {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("sessions: remove blob: %w", err)
		}
	}
	return firstErr
}

// releaseBlob decrements a blob's refcount within tx, dropping the row when
// the count reaches zero. It reports whether the blob became orphaned.
func releaseBlob(tx *sql.Tx, hash string) (bool, error) {
	if _, err := tx.Exec(`UPDATE artifact_blobs SET refs = refs - 1 WHERE hash = ?`, hash); err != nil {
		return false, fmt.Errorf("sessions: release blob: %w", err)
	}
	var refs int
	if err := tx.QueryRow(`SELECT refs FROM artifact_blobs WHERE hash = ?`, hash).Scan(&refs); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("sessions: release blob: %w", err)
	}
	if refs > 0 {
		return false, nil
	}
	if _, err := tx.Exec(`DELETE FROM artifact_blobs WHERE hash = ?`, hash); err != nil {
		return false, fmt.Errorf("sessions: release blob: %w", err)
	}
	return true, nil
}

// Close releases the index database.
func (s *ArtifactStore) Close() error {
	return s.db.Close()
}
