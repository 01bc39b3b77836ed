package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/topology"
)

func newLocator(source SnapshotSource, maxRetries int) *LocatorService {
	return NewLocatorService(source,
		algorithm.NewRetryScheduler(time.Millisecond, 2*time.Millisecond, 2),
		maxRetries, newTestMetrics(), zap.NewNop())
}

func TestRouteKey_Partitioned(t *testing.T) {
	topo, _ := startTopology(t, roundRobinSnapshot(t, 1, 3, 2))
	locator := newLocator(topo, 0)

	key := []byte("user::1234")
	route, err := locator.RouteKey(context.Background(), "default", key)
	require.NoError(t, err)

	partition := algorithm.PartitionFor(key, 4)
	assert.True(t, route.HasPartition)
	assert.Equal(t, partition, route.Partition)
	assert.Equal(t, model.TopologyPartitioned, route.Kind)

	nodes := testNodes(3)
	assert.True(t, route.Active.Equal(nodes[int(partition)%3]))
	require.Len(t, route.Replicas, 2)
	assert.Equal(t, 1, route.Replicas[0].Number)
	assert.True(t, route.Replicas[0].Node.Equal(nodes[(int(partition)+1)%3]))
	assert.Zero(t, route.MissingReplicas)
}

func TestRouteKey_HashRing(t *testing.T) {
	ring, err := topology.NewHashRingSnapshot(topology.HashRingConfig{Bucket: "default", Rev: 1, Nodes: testNodes(3)})
	require.NoError(t, err)
	topo, _ := startTopology(t, ring)
	locator := newLocator(topo, 0)

	route, err := locator.RouteKey(context.Background(), "default", []byte("foo"))
	require.NoError(t, err)
	assert.False(t, route.HasPartition)
	assert.Equal(t, model.TopologyHashRing, route.Kind)

	again, err := locator.RouteKey(context.Background(), "default", []byte("foo"))
	require.NoError(t, err)
	assert.True(t, route.Active.Equal(again.Active))
}

func TestRouteKey_NoActiveOwnerRetriesAfterRefresh(t *testing.T) {
	unowned := make([]model.PartitionOwners, 4)
	for i := range unowned {
		unowned[i] = model.PartitionOwners{Active: model.NoOwner}
	}
	topo, mem := startTopology(t, snapshotWithRows(t, 1, 2, 0, unowned))

	t.Run("no retries", func(t *testing.T) {
		_, err := newLocator(topo, 0).RouteKey(context.Background(), "default", []byte("k"))
		assert.True(t, stderrors.Is(err, errors.ErrNoActiveOwner))
	})

	t.Run("refresh finds owner", func(t *testing.T) {
		mem.Set(ownedBySnapshot(t, 2, 2, 1))
		route, err := newLocator(topo, 3).RouteKey(context.Background(), "default", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2", route.Active.Hostname)
	})
}

func TestRouteKey_UnknownBucket(t *testing.T) {
	topo, _ := startTopology(t, roundRobinSnapshot(t, 1, 1, 0))
	_, err := newLocator(topo, 0).RouteKey(context.Background(), "missing", []byte("k"))
	assert.True(t, stderrors.Is(err, errors.ErrBucketNotFound))
}

func TestLocator_ReplicaLookups(t *testing.T) {
	topo, _ := startTopology(t, roundRobinSnapshot(t, 1, 4, 3))
	locator := newLocator(topo, 0)
	key := []byte("airline_10")

	replicas, err := locator.ReplicaNodes("default", key)
	require.NoError(t, err)
	require.Len(t, replicas, 3)

	second, err := locator.ReplicaNode("default", key, 2)
	require.NoError(t, err)
	assert.True(t, second.Equal(replicas[1]))

	_, err = locator.ReplicaNode("default", key, 4)
	assert.True(t, stderrors.Is(err, errors.ErrReplicaNotConfigured))

	nodes, err := locator.Nodes("default")
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
}
