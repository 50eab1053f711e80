package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists entries in a single SQLite database. Writes are
// serialized by sqlite itself; the busy timeout keeps concurrent readers from
// surfacing SQLITE_BUSY during snapshot scans.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (creating if necessary) the database at path.
// ":memory:" is accepted for tests.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// modernc sqlite allows one writer; a single conn avoids table locks
	// between the manager and snapshot scans.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, path: path}
	if err := b.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state_entries (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		schema_tag TEXT NOT NULL DEFAULT 'json',
		class      TEXT NOT NULL DEFAULT 'cold',
		version    INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	CREATE INDEX IF NOT EXISTS idx_state_scope ON state_entries(scope);
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize state schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Get(ctx context.Context, scope Scope, key string) (*Entry, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT value, schema_tag, class, version, created_at, updated_at
		 FROM state_entries WHERE scope = ? AND key = ?`, scope.String(), key)
	e := &Entry{Scope: scope, Key: key}
	var created, updated int64
	err := row.Scan(&e.Value, &e.Schema, (*string)(&e.Class), &e.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", scope, key, err)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, e *Entry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO state_entries (scope, key, value, schema_tag, class, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			schema_tag = excluded.schema_tag,
			class = excluded.class,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		e.Scope.String(), e.Key, e.Value, e.Schema, string(e.Class), e.Version,
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Scope, e.Key, err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, scope Scope, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM state_entries WHERE scope = ? AND key = ?`, scope.String(), key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", scope, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLiteBackend) ListKeys(ctx context.Context, scope Scope) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM state_entries WHERE scope = ? ORDER BY key`, scope.String())
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", scope, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) ListAll(ctx context.Context) ([]*Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT scope, key, value, schema_tag, class, version, created_at, updated_at
		 FROM state_entries ORDER BY scope, key`)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var scopeStr string
		var created, updated int64
		if err := rows.Scan(&scopeStr, &e.Key, &e.Value, &e.Schema, (*string)(&e.Class), &e.Version, &created, &updated); err != nil {
			return nil, err
		}
		scope, err := ParseScope(scopeStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt scope %q: %w", scopeStr, err)
		}
		e.Scope = scope
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM state_entries`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
