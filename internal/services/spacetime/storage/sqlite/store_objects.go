package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// PutSnapshot stores snap; an existing ref is left untouched.
func (s *Store) PutSnapshot(ctx context.Context, snap objectstore.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if snap.Ref.IsZero() || snap.Ref.IsSentinel() {
		return fmt.Errorf("snapshot ref is required")
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO object_snapshots (ref, type_tag, data, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(snap.Ref), snap.TypeTag, snap.Data, len(snap.Data), toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the snapshot stored under ref.
func (s *Store) GetSnapshot(ctx context.Context, ref objectstore.Ref) (objectstore.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return objectstore.Snapshot{}, err
	}
	snap := objectstore.Snapshot{Ref: ref}
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT type_tag, data, created_at FROM object_snapshots WHERE ref = ?`, string(ref),
	).Scan(&snap.TypeTag, &snap.Data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return objectstore.Snapshot{}, fmt.Errorf("get snapshot %s: %w", ref, objectstore.ErrMissingSnapshot)
		}
		return objectstore.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}

// SnapshotStats counts stored snapshots and their payload bytes.
func (s *Store) SnapshotStats(ctx context.Context) (objectstore.Stats, error) {
	if err := s.ready(ctx); err != nil {
		return objectstore.Stats{}, err
	}
	var stats objectstore.Stats
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM object_snapshots`,
	).Scan(&stats.Objects, &stats.Bytes); err != nil {
		return objectstore.Stats{}, fmt.Errorf("snapshot stats: %w", err)
	}
	return stats, nil
}

// PutCodeDefinition stores def; an existing id is left untouched.
func (s *Store) PutCodeDefinition(ctx context.Context, def storage.CodeDefinition) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if def.ID == "" {
		return fmt.Errorf("code definition id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO code_definitions (id, function_name, module_path, first_line, code) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.FunctionName, def.ModulePath, def.FirstLine, def.Code,
	); err != nil {
		return fmt.Errorf("put code definition: %w", err)
	}
	return nil
}

// GetCodeDefinition returns one code definition by id.
func (s *Store) GetCodeDefinition(ctx context.Context, id string) (storage.CodeDefinition, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CodeDefinition{}, err
	}
	def := storage.CodeDefinition{ID: id}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT function_name, module_path, first_line, code FROM code_definitions WHERE id = ?`, id,
	).Scan(&def.FunctionName, &def.ModulePath, &def.FirstLine, &def.Code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CodeDefinition{}, storage.ErrNotFound
		}
		return storage.CodeDefinition{}, fmt.Errorf("get code definition: %w", err)
	}
	return def, nil
}
