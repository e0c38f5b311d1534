// Package boltblob stores object snapshots in a BoltDB file, for hosts that
// keep large captured values out of the call database.
package boltblob

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"go.etcd.io/bbolt"
)

const snapshotBucket = "snapshot"

type record struct {
	TypeTag   string `json:"type_tag"`
	Data      []byte `json:"data"`
	CreatedAt int64  `json:"created_at"`
}

// Store is a BoltDB-backed objectstore.Backend.
type Store struct {
	db *bbolt.DB
}

var (
	_ objectstore.Backend      = (*Store)(nil)
	_ objectstore.StatsBackend = (*Store)(nil)
)

// Open opens or creates the snapshot file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutSnapshot writes snap unless its ref is already present.
func (s *Store) PutSnapshot(ctx context.Context, snap objectstore.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if snap.Ref.IsZero() || snap.Ref.IsSentinel() {
		return fmt.Errorf("snapshot ref is required")
	}
	payload, err := json.Marshal(record{
		TypeTag:   snap.TypeTag,
		Data:      snap.Data,
		CreatedAt: snap.CreatedAt.UTC().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		key := []byte(snap.Ref)
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, payload)
	})
}

// GetSnapshot reads the snapshot stored under ref.
func (s *Store) GetSnapshot(ctx context.Context, ref objectstore.Ref) (objectstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.Snapshot{}, err
	}
	if s == nil || s.db == nil {
		return objectstore.Snapshot{}, fmt.Errorf("storage is not configured")
	}

	var rec record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		payload := bucket.Get([]byte(ref))
		if payload == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return objectstore.Snapshot{}, err
	}
	if !found {
		return objectstore.Snapshot{}, fmt.Errorf("get snapshot %s: %w", ref, objectstore.ErrMissingSnapshot)
	}
	return objectstore.Snapshot{
		Ref:       ref,
		TypeTag:   rec.TypeTag,
		Data:      rec.Data,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
	}, nil
}

// SnapshotStats counts snapshots and their payload bytes.
func (s *Store) SnapshotStats(ctx context.Context) (objectstore.Stats, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.Stats{}, err
	}
	if s == nil || s.db == nil {
		return objectstore.Stats{}, fmt.Errorf("storage is not configured")
	}
	var stats objectstore.Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal snapshot: %w", err)
			}
			stats.Objects++
			stats.Bytes += int64(len(rec.Data))
			return nil
		})
	})
	return stats, err
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket)); err != nil {
			return fmt.Errorf("create snapshot bucket: %w", err)
		}
		return nil
	})
}
