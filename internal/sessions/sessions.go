// Package sessions tracks execution sessions: their lifecycle, their state
// checkpoints, and the artifacts they produce. Every transition is mirrored
// onto the event bus and, when configured, through the durable session hooks.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmspell/internal/events"
	"llmspell/internal/hooks"
	"llmspell/internal/state"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is one tracked session. CorrelationID ties all its hook records
// and events together.
type Session struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Status        Status                 `json:"status"`
	CorrelationID string                 `json:"correlation_id"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Error         string                 `json:"error,omitempty"` // set on StatusFailed
}

// Errors reported by the session manager.
var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrSessionState    = errors.New("sessions: invalid lifecycle transition")
)

const sessionRecordKey = "session"

// Manager owns session lifecycle. Saved sessions persist under their own
// state scope so a restarted kernel can restore them.
type Manager struct {
	state     *state.Manager
	hooks     *hooks.Executor
	bus       *events.Bus
	artifacts *ArtifactStore

	mu       sync.RWMutex
	sessions map[string]*Session

	checkpointEvery time.Duration
	stopCheckpoints chan struct{}
	checkpointsDone sync.WaitGroup
	startOnce       sync.Once
	closeOnce       sync.Once
}

// NewManager wires a session manager. hooksExec and bus may be nil;
// checkpointEvery <= 0 disables periodic checkpoints.
func NewManager(st *state.Manager, artifacts *ArtifactStore, hooksExec *hooks.Executor, bus *events.Bus, checkpointEvery time.Duration) *Manager {
	return &Manager{
		state:           st,
		hooks:           hooksExec,
		bus:             bus,
		artifacts:       artifacts,
		sessions:        make(map[string]*Session),
		checkpointEvery: checkpointEvery,
		stopCheckpoints: make(chan struct{}),
	}
}

// Artifacts exposes the artifact store for the session globals.
func (m *Manager) Artifacts() *ArtifactStore { return m.artifacts }

func (m *Manager) publish(eventType string, s *Session, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"session_id": s.ID,
		"name":       s.Name,
		"status":     string(s.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.bus.Publish(events.New(eventType, "", s.CorrelationID, payload))
}

func (m *Manager) runHook(ctx context.Context, point hooks.Point, s *Session) error {
	if m.hooks == nil {
		return nil
	}
	_, err := m.hooks.Execute(ctx, &hooks.HookContext{
		Point:         point,
		CorrelationID: s.CorrelationID,
		Data: map[string]interface{}{
			"session_id": s.ID,
			"name":       s.Name,
			"status":     string(s.Status),
		},
	})
	return err
}

// Create starts a new active session. A SessionStart hook returning Cancel
// aborts the creation.
func (m *Manager) Create(ctx context.Context, name string, metadata map[string]interface{}) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        StatusActive,
		CorrelationID: uuid.NewString(),
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.runHook(ctx, hooks.SessionStart, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.startOnce.Do(m.startCheckpoints)
	m.publish(events.SessionStart, s, nil)
	return s, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	copied := *s
	return &copied, nil
}

// List returns all tracked sessions, newest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) transition(id string, from []Status, to Status) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	allowed := false
	for _, f := range from {
		if s.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSessionState, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	copied := *s
	return &copied, nil
}

// Suspend pauses an active session.
func (m *Manager) Suspend(ctx context.Context, id string) error {
	s, err := m.transition(id, []Status{StatusActive}, StatusSuspended)
	if err != nil {
		return err
	}
	if err := m.runHook(ctx, hooks.SessionCheckpoint, s); err != nil {
		return err
	}
	m.publish(events.SessionCheckpoint, s, map[string]interface{}{"reason": "suspend"})
	return nil
}

// Resume reactivates a suspended session.
func (m *Manager) Resume(ctx context.Context, id string) error {
	s, err := m.transition(id, []Status{StatusSuspended}, StatusActive)
	if err != nil {
		return err
	}
	m.publish(events.SessionRestore, s, map[string]interface{}{"reason": "resume"})
	return nil
}

// Save persists the session record under its state scope.
func (m *Manager) Save(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.runHook(ctx, hooks.SessionSave, s); err != nil {
		return err
	}
	if err := m.state.SetJSON(ctx, state.SessionScope(s.ID), sessionRecordKey, s, state.ClassCold); err != nil {
		return err
	}
	m.publish(events.SessionSave, s, nil)
	return nil
}

// Restore loads a previously saved session back into the manager. The
// restored session comes back suspended; Resume reactivates it.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := m.state.GetJSON(ctx, state.SessionScope(id), sessionRecordKey, &s); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}
	s.Status = StatusSuspended
	s.UpdatedAt = time.Now()

	if err := m.runHook(ctx, hooks.SessionRestore, &s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = &s
	m.mu.Unlock()

	m.publish(events.SessionRestore, &s, nil)
	copied := s
	return &copied, nil
}

// Complete ends a session successfully, saving it first.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.end(ctx, id, StatusCompleted, nil)
}

// Fail ends a session with an error.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	return m.end(ctx, id, StatusFailed, cause)
}

func (m *Manager) end(ctx context.Context, id string, to Status, cause error) error {
	s, err := m.transition(id, []Status{StatusActive, StatusSuspended}, to)
	if err != nil {
		return err
	}
	if cause != nil {
		m.mu.Lock()
		m.sessions[id].Error = cause.Error()
		m.mu.Unlock()
		s.Error = cause.Error()
	}
	if err := m.runHook(ctx, hooks.SessionEnd, s); err != nil {
		return err
	}
	if err := m.state.SetJSON(ctx, state.SessionScope(s.ID), sessionRecordKey, s, state.ClassCold); err != nil {
		return err
	}
	extra := map[string]interface{}{}
	if cause != nil {
		extra["error"] = cause.Error()
	}
	m.publish(events.SessionEnd, s, extra)
	return nil
}

// StoreArtifact stores content as a session artifact and announces it.
func (m *Manager) StoreArtifact(ctx context.Context, sessionID, name, mediaType string, content []byte, tags map[string]string) (*ArtifactMeta, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: artifacts require an active session, got %s", ErrSessionState, s.Status)
	}
	meta, err := m.artifacts.Put(sessionID, name, mediaType, content, tags)
	if err != nil {
		return nil, err
	}
	m.publish(events.ArtifactCreated, s, map[string]interface{}{
		"artifact": meta.ID,
		"size":     meta.Size,
		"stored":   meta.Stored,
	})
	return meta, nil
}

func (m *Manager) startCheckpoints() {
	if m.checkpointEvery <= 0 {
		return
	}
	m.checkpointsDone.Add(1)
	go func() {
		defer m.checkpointsDone.Done()
		ticker := time.NewTicker(m.checkpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkpointActive()
			case <-m.stopCheckpoints:
				return
			}
		}
	}()
}

// checkpointActive saves every active session. Failures are surfaced as
// session.checkpoint events rather than aborting the sweep.
func (m *Manager) checkpointActive() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range m.List() {
		if s.Status != StatusActive {
			continue
		}
		sess := s
		err := m.state.SetJSON(ctx, state.SessionScope(sess.ID), sessionRecordKey, &sess, state.ClassCold)
		extra := map[string]interface{}{"reason": "periodic"}
		if err != nil {
			extra["error"] = err.Error()
		}
		m.publish(events.SessionCheckpoint, &sess, extra)
	}
}

// Close stops the checkpoint loop and saves all live sessions.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	m.closeOnce.Do(func() {
		close(m.stopCheckpoints)
		m.checkpointsDone.Wait()
		for _, s := range m.List() {
			if s.Status != StatusActive && s.Status != StatusSuspended {
				continue
			}
			sess := s
			if err := m.state.SetJSON(ctx, state.SessionScope(sess.ID), sessionRecordKey, &sess, state.ClassCold); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if m.artifacts != nil {
			if err := m.artifacts.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
