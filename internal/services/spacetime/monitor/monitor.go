// Package monitor is the process-scoped monitoring context: it owns the
// storage handle, the serializer registry, the recorder, the replay
// engine, and the active session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore/boltblob"
	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
	"github.com/louisbranch/spacetime/internal/services/spacetime/replay"
	"github.com/louisbranch/spacetime/internal/services/spacetime/session"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage/sqlite"
)

var (
	// ErrNoActiveSession indicates EndSession was called with no session open.
	ErrNoActiveSession = apperrors.New(apperrors.CodeNoActiveSession, "no active session")
	// ErrSessionActive indicates StartSession was called while one is open.
	ErrSessionActive = apperrors.New(apperrors.CodeAlreadyExists, "a session is already active")
)

// Config configures Init.
type Config struct {
	// StoragePath is the SQLite file holding sessions and calls.
	StoragePath string
	// BlobPath optionally moves object snapshots into a bbolt file.
	BlobPath string
	// Serializers are registered ahead of the built-ins.
	Serializers []objectstore.Serializer
	// Existing requires StoragePath to exist, reporting storage.ErrNoData
	// otherwise. Readers set it; recorders leave it unset.
	Existing       bool
	TracerProvider trace.TracerProvider
}

// Monitor is created once per process by Init.
type Monitor struct {
	store    *sqlite.Store
	blobs    *boltblob.Store
	objects  *objectstore.Store
	tracker  *session.Tracker
	recorder *recorder.Recorder
	engine   *replay.Engine
	query    *query.Service

	mu     sync.RWMutex
	active string
	closed bool
}

// Init opens storage and builds the monitoring stack.
func Init(ctx context.Context, cfg Config) (*Monitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "storage path is required", map[string]string{"Field": "storage_path"})
	}

	registry := objectstore.NewRegistry()
	for _, s := range cfg.Serializers {
		if err := registry.Register(s); err != nil {
			return nil, fmt.Errorf("register serializer: %w", err)
		}
	}

	open := sqlite.Open
	if cfg.Existing {
		open = sqlite.OpenExisting
	}
	store, err := open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	m := &Monitor{store: store}

	var backend objectstore.Backend = store
	if path := strings.TrimSpace(cfg.BlobPath); path != "" {
		blobs, err := boltblob.Open(path)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		m.blobs = blobs
		backend = blobs
	}

	if m.objects, err = objectstore.New(backend, registry); err != nil {
		_ = m.Close()
		return nil, err
	}
	if m.tracker, err = session.NewTracker(store); err != nil {
		_ = m.Close()
		return nil, err
	}
	m.recorder, err = recorder.New(recorder.Options{
		Tracker:        m.tracker,
		Objects:        m.objects,
		Code:           store,
		ActiveSession:  m.ActiveSession,
		TracerProvider: cfg.TracerProvider,
	})
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	if m.engine, err = replay.New(store, m.tracker, m.recorder, cfg.TracerProvider); err != nil {
		_ = m.Close()
		return nil, err
	}
	if m.query, err = query.New(store, m.objects, m.tracker, m); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Recorder returns the recorder used to instrument functions.
func (m *Monitor) Recorder() *recorder.Recorder { return m.recorder }

// Store returns the persistence layer.
func (m *Monitor) Store() storage.Store { return m.store }

// Objects returns the object store.
func (m *Monitor) Objects() *objectstore.Store { return m.objects }

// Tracker returns the session tracker.
func (m *Monitor) Tracker() *session.Tracker { return m.tracker }

// Engine returns the replay engine.
func (m *Monitor) Engine() *replay.Engine { return m.engine }

// Query returns the read surface over recorded data.
func (m *Monitor) Query() *query.Service { return m.query }

// ActiveSession returns the id of the open recording session, if any.
func (m *Monitor) ActiveSession() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// StartSession opens a session and makes it the recording target. The
// returned context also carries it, for work that outlives the window.
func (m *Monitor) StartSession(ctx context.Context, name string) (context.Context, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ctx, "", fmt.Errorf("monitor is closed")
	}
	if m.active != "" {
		return ctx, "", fmt.Errorf("session %s: %w", m.active, ErrSessionActive)
	}
	s, err := m.tracker.StartSession(ctx, name)
	if err != nil {
		return ctx, "", err
	}
	m.active = s.ID
	log.Printf("session started id=%s name=%q", s.ID, s.Name)
	return recorder.WithSession(ctx, s.ID), s.ID, nil
}

// EndSession closes the active session.
func (m *Monitor) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return ErrNoActiveSession
	}
	if err := m.tracker.EndSession(ctx, m.active, false); err != nil {
		return err
	}
	log.Printf("session ended id=%s", m.active)
	m.active = ""
	return nil
}

// ReplaySequence replays from startCallID into a new branch session.
func (m *Monitor) ReplaySequence(ctx context.Context, startCallID int64, mocks ...string) (string, error) {
	return m.engine.Sequence(ctx, startCallID, mocks...)
}

// ReplaySubsequence replays from startCallID through endCallID.
func (m *Monitor) ReplaySubsequence(ctx context.Context, startCallID, endCallID int64, mocks ...string) (string, error) {
	return m.engine.Subsequence(ctx, startCallID, endCallID, mocks...)
}

// Replay runs a replay with full options.
func (m *Monitor) Replay(ctx context.Context, startCallID int64, opts replay.Options) (replay.Result, error) {
	return m.engine.Run(ctx, startCallID, opts)
}

// Close ends the active session, if any, and releases storage.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.active != "" && m.tracker != nil {
		if err := m.tracker.EndSession(context.Background(), m.active, false); err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", m.active, err))
		}
		m.active = ""
	}
	if m.blobs != nil {
		if err := m.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close blob store: %w", err))
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
