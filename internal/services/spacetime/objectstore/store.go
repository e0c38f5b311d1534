package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
)

var (
	// ErrMissingSnapshot reports a ref with no stored snapshot.
	ErrMissingSnapshot = apperrors.New(apperrors.CodeMissingSnapshot, "object snapshot missing")
	// ErrUnknownTypeTag reports a snapshot whose tag has no serializer.
	ErrUnknownTypeTag = apperrors.New(apperrors.CodeUnknownTypeTag, "unknown type tag")
)

func missing(ref Ref) error {
	return apperrors.WithMetadata(
		apperrors.CodeMissingSnapshot,
		fmt.Sprintf("object snapshot %s missing", ref),
		map[string]string{"Ref": string(ref)},
	)
}

// Backend persists snapshots. PutSnapshot must be idempotent for an
// existing ref; GetSnapshot returns ErrMissingSnapshot when ref is absent.
type Backend interface {
	PutSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, ref Ref) (Snapshot, error)
}

// StatsBackend is implemented by backends that can summarize their contents.
type StatsBackend interface {
	SnapshotStats(ctx context.Context) (Stats, error)
}

// Store captures values into a Backend through a Registry.
type Store struct {
	backend  Backend
	registry *Registry
	now      func() time.Time

	mu    sync.RWMutex
	known map[Ref]struct{}
}

// New creates a store over backend. A nil registry uses the built-ins.
func New(backend Backend, registry *Registry) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("object backend is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{
		backend:  backend,
		registry: registry,
		now:      time.Now,
		known:    make(map[Ref]struct{}),
	}, nil
}

// Registry returns the serializer registry used by the store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Capture stores value and returns its ref. It never fails: a value with no
// serializer, a serializer error, or a backend failure yields SentinelRef.
func (s *Store) Capture(ctx context.Context, value any) Ref {
	ref, err := s.capture(ctx, value)
	if err != nil {
		log.Printf("capture %T: %v", value, err)
		return SentinelRef
	}
	return ref
}

func (s *Store) capture(ctx context.Context, value any) (Ref, error) {
	if _, ok := value.(Unavailable); ok {
		return SentinelRef, nil
	}
	tag, data, err := s.safeEncode(value)
	if err != nil {
		return "", err
	}
	ref := RefFor(tag, data)

	s.mu.RLock()
	_, seen := s.known[ref]
	s.mu.RUnlock()
	if seen {
		return ref, nil
	}
	snap := Snapshot{Ref: ref, TypeTag: tag, Data: data, CreatedAt: s.now().UTC()}
	if err := s.backend.PutSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	s.mu.Lock()
	s.known[ref] = struct{}{}
	s.mu.Unlock()
	return ref, nil
}

// safeEncode shields capture from serializers that panic.
func (s *Store) safeEncode(value any) (tag string, data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer panic: %v", r)
		}
	}()
	return s.registry.encode(value)
}

// Rehydrate reconstructs the value stored under ref. SentinelRef yields
// Unavailable and no error.
func (s *Store) Rehydrate(ctx context.Context, ref Ref) (any, error) {
	if ref.IsSentinel() {
		return Unavailable{}, nil
	}
	if ref.IsZero() {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "ref is required", map[string]string{"Field": "ref"})
	}
	snap, err := s.backend.GetSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	value, err := s.registry.decode(snap.TypeTag, snap.Data)
	if err != nil {
		if errors.Is(err, ErrUnknownTypeTag) {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeUnknownTypeTag,
				fmt.Sprintf("rehydrate %s", ref), map[string]string{"TypeTag": snap.TypeTag}, err)
		}
		return nil, fmt.Errorf("rehydrate %s: %w", ref, err)
	}
	return value, nil
}

// Snapshot returns the raw snapshot stored under ref.
func (s *Store) Snapshot(ctx context.Context, ref Ref) (Snapshot, error) {
	if ref.IsSentinel() || ref.IsZero() {
		return Snapshot{}, missing(ref)
	}
	return s.backend.GetSnapshot(ctx, ref)
}

// Stats summarizes the backend when it supports it.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	sb, ok := s.backend.(StatsBackend)
	if !ok {
		return Stats{}, fmt.Errorf("object backend does not report stats")
	}
	return sb.SnapshotStats(ctx)
}

// Rehydrate reconstructs ref and asserts its type.
func Rehydrate[T any](ctx context.Context, s *Store, ref Ref) (T, error) {
	var zero T
	value, err := s.Rehydrate(ctx, ref)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("rehydrate %s: got %T, want %T", ref, value, zero)
	}
	return typed, nil
}
