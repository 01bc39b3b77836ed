package service

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/store"
)

func TestTopologyService_UpdateKeepsNewest(t *testing.T) {
	topo, _ := startTopology(t, roundRobinSnapshot(t, 5, 2, 1))

	assert.False(t, topo.Update(roundRobinSnapshot(t, 4, 3, 1)))
	assert.False(t, topo.Update(roundRobinSnapshot(t, 5, 3, 1)))

	current, err := topo.Current("default")
	require.NoError(t, err)
	assert.Equal(t, int64(5), current.Rev())
	assert.Equal(t, 2, current.NodeCount())

	assert.True(t, topo.Update(roundRobinSnapshot(t, 6, 3, 1)))
	current, err = topo.Current("default")
	require.NoError(t, err)
	assert.Equal(t, int64(6), current.Rev())
}

func TestTopologyService_WatchAppliesPushedSnapshots(t *testing.T) {
	topo, mem := startTopology(t, roundRobinSnapshot(t, 1, 1, 0))
	assert.True(t, topo.Ready())

	mem.Publish(roundRobinSnapshot(t, 2, 2, 1))

	assert.Eventually(t, func() bool {
		snap, err := topo.Current("default")
		return err == nil && snap.Rev() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTopologyService_NotReadyWithoutSnapshot(t *testing.T) {
	topo, mem := startTopology(t)
	assert.False(t, topo.Ready())

	_, err := topo.Current("default")
	assert.True(t, stderrors.Is(err, errors.ErrBucketNotFound))

	_, err = topo.Refresh(context.Background(), "default")
	assert.True(t, stderrors.Is(err, errors.ErrBucketNotFound))

	mem.Set(roundRobinSnapshot(t, 1, 1, 0))
	snap, err := topo.Refresh(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Rev())
	assert.True(t, topo.Ready())
}

func TestTopologyService_RefreshThrottled(t *testing.T) {
	mem := store.NewMemoryTopologyStore(roundRobinSnapshot(t, 1, 1, 0))
	topo := NewTopologyService(mem, nil, TopologyConfig{
		Buckets:      []string{"default"},
		RefreshRate:  0.001,
		RefreshBurst: 1,
	}, newTestMetrics(), zap.NewNop())
	require.NoError(t, topo.Start(context.Background()))
	defer topo.Stop()

	mem.Set(roundRobinSnapshot(t, 2, 1, 0))
	snap, err := topo.Refresh(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Rev())

	mem.Set(roundRobinSnapshot(t, 3, 1, 0))
	snap, err = topo.Refresh(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Rev(), "second refresh should be throttled")
}

func TestTopologyService_PeriodicReload(t *testing.T) {
	mem := store.NewMemoryTopologyStore(roundRobinSnapshot(t, 1, 1, 0))
	topo := NewTopologyService(mem, nil, TopologyConfig{
		Buckets:         []string{"default"},
		RefreshInterval: 10 * time.Millisecond,
	}, newTestMetrics(), zap.NewNop())
	require.NoError(t, topo.Start(context.Background()))
	defer topo.Stop()

	mem.Set(roundRobinSnapshot(t, 2, 1, 0))
	assert.Eventually(t, func() bool {
		snap, err := topo.Current("default")
		return err == nil && snap.Rev() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTopologyService_WarmStartFromCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	cache, err := store.OpenBoltSnapshotCache(path)
	require.NoError(t, err)
	defer cache.Close()

	first := NewTopologyService(store.NewMemoryTopologyStore(roundRobinSnapshot(t, 7, 2, 1)), cache,
		TopologyConfig{Buckets: []string{"default"}}, newTestMetrics(), zap.NewNop())
	require.NoError(t, first.Start(context.Background()))
	first.Stop()

	// The store no longer knows the bucket; the cache fills in.
	second := NewTopologyService(store.NewMemoryTopologyStore(), cache,
		TopologyConfig{Buckets: []string{"default"}}, newTestMetrics(), zap.NewNop())
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	require.True(t, second.Ready())
	snap, err := second.Current("default")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Rev())
	assert.Equal(t, 1, snap.NumReplicas())
}
