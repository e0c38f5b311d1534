// Package session owns the lifecycle of monitoring sessions, the dense
// per-session call order, and the branch relationships between sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/platform/id"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

var (
	// ErrEmptySessionID indicates a missing session id.
	ErrEmptySessionID = apperrors.WithMetadata(apperrors.CodeInvalidArgument, "session id is required", map[string]string{"Field": "session_id"})
	// ErrInvalidBranchPoint indicates a branch was requested from no call.
	ErrInvalidBranchPoint = apperrors.WithMetadata(apperrors.CodeInvalidArgument, "branch point call id is required", map[string]string{"Field": "call_id"})
)

// Store is the persistence the tracker needs.
type Store interface {
	storage.SessionStore
	storage.CallStore
}

// Tracker assigns call order and records session lifecycle.
//
// Each session has its own mutex, held across order allocation and the
// append, so one session's calls are written strictly in order while
// different sessions proceed independently.
type Tracker struct {
	store Store
	now   func() time.Time
	newID func() (string, error)

	mu     sync.Mutex
	states map[string]*sessionState
}

type sessionState struct {
	mu         sync.Mutex
	next       int
	branchFrom int64
	closed     bool
}

// NewTracker builds a tracker over store.
func NewTracker(store Store) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	return &Tracker{
		store:  store,
		now:    time.Now,
		newID:  id.NewID,
		states: make(map[string]*sessionState),
	}, nil
}

// StartSession opens a new, empty, writable session.
func (t *Tracker) StartSession(ctx context.Context, name string) (storage.Session, error) {
	return t.create(ctx, name, 0)
}

// StartBranch opens a session whose first call continues from the
// historical call fromCallID.
func (t *Tracker) StartBranch(ctx context.Context, name string, fromCallID int64) (storage.Session, error) {
	if fromCallID <= 0 {
		return storage.Session{}, ErrInvalidBranchPoint
	}
	if _, err := t.store.GetCall(ctx, fromCallID); err != nil {
		return storage.Session{}, fmt.Errorf("branch point %d: %w", fromCallID, err)
	}
	return t.create(ctx, name, fromCallID)
}

func (t *Tracker) create(ctx context.Context, name string, fromCallID int64) (storage.Session, error) {
	sessionID, err := t.newID()
	if err != nil {
		return storage.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	session := storage.Session{
		ID:               sessionID,
		Name:             strings.TrimSpace(name),
		Status:           storage.SessionActive,
		BranchFromCallID: fromCallID,
		CreatedAt:        t.now().UTC(),
	}
	if err := t.store.CreateSession(ctx, session); err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}

	t.mu.Lock()
	t.states[session.ID] = &sessionState{branchFrom: fromCallID}
	t.mu.Unlock()
	return session, nil
}

// EndSession closes a session. No call can be opened in it afterwards.
func (t *Tracker) EndSession(ctx context.Context, sessionID string, incomplete bool) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrEmptySessionID
	}
	state, err := t.state(ctx, sessionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrSessionClosed)
	}
	if err := t.store.EndSession(ctx, sessionID, t.now().UTC(), incomplete); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	state.closed = true

	t.mu.Lock()
	delete(t.states, sessionID)
	t.mu.Unlock()
	return nil
}

// Open appends entry as the session's next call and returns the stored
// call. The entry's Order is ignored and replaced by the allocated one.
// The first call of a branch session with no caller is linked to the
// branch point.
func (t *Tracker) Open(ctx context.Context, entry storage.CallEntry) (storage.FunctionCall, error) {
	sessionID := strings.TrimSpace(entry.SessionID)
	if sessionID == "" {
		return storage.FunctionCall{}, ErrEmptySessionID
	}
	state, err := t.state(ctx, sessionID)
	if err != nil {
		return storage.FunctionCall{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return storage.FunctionCall{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrSessionClosed)
	}
	entry.SessionID = sessionID
	entry.Order = state.next
	if entry.Order == 0 && entry.ParentCallID == 0 {
		entry.ParentCallID = state.branchFrom
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = t.now().UTC()
	}
	callID, err := t.store.AppendCall(ctx, entry)
	if err != nil {
		if errors.Is(err, storage.ErrSessionClosed) {
			state.closed = true
		}
		return storage.FunctionCall{}, fmt.Errorf("append call: %w", err)
	}
	state.next++

	return storage.FunctionCall{
		ID:               callID,
		SessionID:        entry.SessionID,
		FunctionName:     entry.FunctionName,
		File:             entry.File,
		Line:             entry.Line,
		CodeDefinitionID: entry.CodeDefinitionID,
		Order:            entry.Order,
		ParentCallID:     entry.ParentCallID,
		Locals:           entry.Locals,
		Globals:          entry.Globals,
		Status:           storage.CallOpen,
		StartedAt:        entry.StartedAt,
	}, nil
}

// Complete records the outcome of a call opened through Open.
func (t *Tracker) Complete(ctx context.Context, result storage.CallResult) error {
	if result.EndedAt.IsZero() {
		result.EndedAt = t.now().UTC()
	}
	if err := t.store.CompleteCall(ctx, result); err != nil {
		return fmt.Errorf("complete call %d: %w", result.CallID, err)
	}
	return nil
}

// state returns the in-memory state of an active session. Sessions opened
// by another process resume their counter from storage.
func (t *Tracker) state(ctx context.Context, sessionID string) (*sessionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[sessionID]; ok {
		return state, nil
	}

	session, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if session.Status != storage.SessionActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrSessionClosed)
	}
	next, err := t.store.NextCallOrder(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := &sessionState{next: next, branchFrom: session.BranchFromCallID}
	t.states[sessionID] = state
	return state, nil
}
