package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ExecutionRecord is one persisted hook invocation. Records are append-only
// and keyed by correlation id so a session's full hook timeline can be
// reconstructed and replayed.
type ExecutionRecord struct {
	ExecutionID   string
	HookID        string
	HookName      string
	Point         Point
	CorrelationID string
	Context       json.RawMessage
	ResultKind    ResultKind
	ResultValue   json.RawMessage
	Error         string
	Timestamp     time.Time
	Duration      time.Duration
	Metadata      map[string]string
}

// ReplayLog stores execution records in SQLite.
type ReplayLog struct {
	db *sql.DB
}

// NewReplayLog opens the log database at path (":memory:" for tests).
func NewReplayLog(path string) (*ReplayLog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create replay dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open replay db: %w", err)
	}
	db.SetMaxOpenConns(1)
	schema := `
	CREATE TABLE IF NOT EXISTS hook_executions (
		execution_id   TEXT PRIMARY KEY,
		hook_id        TEXT NOT NULL,
		hook_name      TEXT NOT NULL,
		point          TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		context        TEXT NOT NULL DEFAULT '{}',
		result_kind    TEXT NOT NULL,
		result_value   TEXT,
		error          TEXT,
		ts             INTEGER NOT NULL,
		duration_us    INTEGER NOT NULL,
		metadata       TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_hook_exec_corr ON hook_executions(correlation_id, ts);
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize replay schema: %w", err)
	}
	return &ReplayLog{db: db}, nil
}

// Record appends one execution record.
func (l *ReplayLog) Record(rec ExecutionRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	ctxSnapshot := rec.Context
	if ctxSnapshot == nil {
		ctxSnapshot = json.RawMessage("{}")
	}
	var resultValue interface{}
	if rec.ResultValue != nil {
		resultValue = string(rec.ResultValue)
	}
	_, err = l.db.Exec(
		`INSERT INTO hook_executions
		 (execution_id, hook_id, hook_name, point, correlation_id, context, result_kind, result_value, error, ts, duration_us, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.HookID, rec.HookName, string(rec.Point), rec.CorrelationID,
		string(ctxSnapshot), string(rec.ResultKind), resultValue, rec.Error,
		rec.Timestamp.UnixMicro(), rec.Duration.Microseconds(), string(meta))
	if err != nil {
		return fmt.Errorf("record hook execution: %w", err)
	}
	return nil
}

// Timeline returns every record for a correlation id in execution order.
func (l *ReplayLog) Timeline(correlationID string) ([]ExecutionRecord, error) {
	rows, err := l.db.Query(
		`SELECT execution_id, hook_id, hook_name, point, correlation_id, context, result_kind, result_value, error, ts, duration_us, metadata
		 FROM hook_executions WHERE correlation_id = ? ORDER BY ts, rowid`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query hook timeline: %w", err)
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var point, kind, ctxSnapshot, meta string
		var resultValue, execErr sql.NullString
		var ts, durUS int64
		if err := rows.Scan(&rec.ExecutionID, &rec.HookID, &rec.HookName, &point, &rec.CorrelationID,
			&ctxSnapshot, &kind, &resultValue, &execErr, &ts, &durUS, &meta); err != nil {
			return nil, err
		}
		rec.Point = Point(point)
		rec.ResultKind = ResultKind(kind)
		rec.Context = json.RawMessage(ctxSnapshot)
		if resultValue.Valid {
			rec.ResultValue = json.RawMessage(resultValue.String)
		}
		if execErr.Valid {
			rec.Error = execErr.String
		}
		rec.Timestamp = time.UnixMicro(ts).UTC()
		rec.Duration = time.Duration(durUS) * time.Microsecond
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplayResult pairs a recorded execution with the result of re-running it.
type ReplayResult struct {
	Record   ExecutionRecord
	Result   Result
	Err      error
	Skipped  bool // hook no longer registered
}

// Replay re-executes a correlation id's timeline against the current
// registry in dry-run mode: contexts come from the recorded snapshots and
// nothing is persisted. Hooks that have since been unregistered are reported
// as skipped rather than failing the replay.
func (l *ReplayLog) Replay(ctx context.Context, correlationID string, registry *Registry) ([]ReplayResult, error) {
	timeline, err := l.Timeline(correlationID)
	if err != nil {
		return nil, err
	}
	results := make([]ReplayResult, 0, len(timeline))
	for _, rec := range timeline {
		rr := ReplayResult{Record: rec}
		reg := registry.find(rec.HookID)
		if reg == nil {
			rr.Skipped = true
			results = append(results, rr)
			continue
		}
		hook, err := reg.hook()
		if err != nil {
			rr.Err = err
			results = append(results, rr)
			continue
		}
		var data map[string]interface{}
		_ = json.Unmarshal(rec.Context, &data)
		hctx := &HookContext{
			Point:         rec.Point,
			CorrelationID: rec.CorrelationID,
			Language:      rec.Metadata["language"],
			Data:          data,
		}
		rr.Result, rr.Err = hook.Execute(ctx, hctx)
		results = append(results, rr)
	}
	return results, nil
}

// Close releases the database.
func (l *ReplayLog) Close() error { return l.db.Close() }

// find looks up a live registration by id.
func (r *Registry) find(id string) *registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}
