package store

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/locator/internal/topology"
)

// MemoryTopologyStore keeps snapshots in memory. Publish pushes to watchers.
type MemoryTopologyStore struct {
	mu        sync.RWMutex
	snapshots map[string]*topology.ConfigSnapshot
	watchers  *watchers
}

// NewMemoryTopologyStore creates a store seeded with snaps
func NewMemoryTopologyStore(snaps ...*topology.ConfigSnapshot) *MemoryTopologyStore {
	s := &MemoryTopologyStore{
		snapshots: make(map[string]*topology.ConfigSnapshot),
		watchers:  newWatchers(),
	}
	for _, snap := range snaps {
		s.snapshots[snap.Bucket()] = snap
	}
	return s
}

// Load returns the stored snapshot
func (s *MemoryTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Watch subscribes to Publish calls for bucket
func (s *MemoryTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	return s.watchers.add(ctx, bucket), nil
}

// Publish stores snap and pushes it to watchers
func (s *MemoryTopologyStore) Publish(snap *topology.ConfigSnapshot) {
	s.mu.Lock()
	s.snapshots[snap.Bucket()] = snap
	s.mu.Unlock()
	s.watchers.publish(snap)
}

// Set stores snap without notifying watchers, leaving it to be picked up by
// the next Load.
func (s *MemoryTopologyStore) Set(snap *topology.ConfigSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Bucket()] = snap
}

// Ping always succeeds
func (s *MemoryTopologyStore) Ping(ctx context.Context) error {
	return nil
}

// Close closes all watch channels
func (s *MemoryTopologyStore) Close() error {
	s.watchers.closeAll()
	return nil
}
