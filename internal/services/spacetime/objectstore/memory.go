package objectstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps snapshots in process memory.
type MemoryBackend struct {
	mu        sync.RWMutex
	snapshots map[Ref]Snapshot
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: make(map[Ref]Snapshot)}
}

// PutSnapshot stores snap unless its ref already exists.
func (m *MemoryBackend) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snap.Ref]; ok {
		return nil
	}
	snap.Data = append([]byte(nil), snap.Data...)
	m.snapshots[snap.Ref] = snap
	return nil
}

// GetSnapshot returns the snapshot stored under ref.
func (m *MemoryBackend) GetSnapshot(ctx context.Context, ref Ref) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[ref]
	if !ok {
		return Snapshot{}, missing(ref)
	}
	return snap, nil
}

// SnapshotStats reports how many snapshots are held.
func (m *MemoryBackend) SnapshotStats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Objects: int64(len(m.snapshots))}
	for _, snap := range m.snapshots {
		stats.Bytes += int64(len(snap.Data))
	}
	return stats, nil
}

// Delete removes ref; tests use it to simulate a lost snapshot.
func (m *MemoryBackend) Delete(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, ref)
}
