package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/memberlist"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/topology"
)

func fixtureSnapshot(t *testing.T, bucket string, rev int64) *topology.ConfigSnapshot {
	t.Helper()
	snap, err := topology.Fixture{
		Bucket:         bucket,
		Rev:            rev,
		Kind:           model.TopologyPartitioned,
		NumReplicas:    1,
		PartitionCount: 16,
		Nodes: []model.NodeInfo{
			{Hostname: "10.0.0.1", Ports: map[string]int{model.ServiceKV: 11210}},
			{Hostname: "10.0.0.2", Ports: map[string]int{model.ServiceKV: 11210}},
		},
	}.Snapshot()
	require.NoError(t, err)
	return snap
}

func receive(t *testing.T, ch <-chan *topology.ConfigSnapshot) *topology.ConfigSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestMemoryTopologyStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryTopologyStore(fixtureSnapshot(t, "default", 1))

	snap, err := s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Rev())

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ch, err := s.Watch(ctx, "default")
	require.NoError(t, err)

	// an unread channel keeps only the newest snapshot
	s.Publish(fixtureSnapshot(t, "default", 2))
	s.Publish(fixtureSnapshot(t, "default", 3))
	assert.Equal(t, int64(3), receive(t, ch).Rev())

	// other buckets are not delivered
	s.Publish(fixtureSnapshot(t, "other", 9))
	select {
	case got := <-ch:
		t.Fatalf("unexpected snapshot %v", got.Bucket())
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryTopologyStore_CloseClosesWatchers(t *testing.T) {
	s := NewMemoryTopologyStore()
	ch, err := s.Watch(context.Background(), "default")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, ok := <-ch
	assert.False(t, ok)
}

const fileFixture = `
bucket: travel
rev: %d
kind: partitioned
num_replicas: 1
partition_count: 16
nodes:
  - hostname: 10.0.0.1
    ports: {kv: 11210}
  - hostname: 10.0.0.2
    ports: {kv: 11210}
`

func writeFixture(t *testing.T, dir string, rev int) {
	t.Helper()
	data := []byte(fmt.Sprintf(fileFixture, rev))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "travel.yaml"), data, 0o644))
}

func TestFileTopologyStore(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, 1)

	s, err := NewFileTopologyStore(dir, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, err := s.Load(ctx, "travel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Rev())
	assert.Equal(t, 16, snap.PartitionCount())

	_, err = s.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	ch, err := s.Watch(ctx, "travel")
	require.NoError(t, err)

	// make sure the modification time moves even on coarse filesystems
	path := filepath.Join(dir, "travel.yaml")
	writeFixture(t, dir, 22)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Equal(t, int64(22), receive(t, ch).Rev())
	assert.NoError(t, s.Ping(ctx))
}

func TestFileTopologyStore_BucketMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, 1)
	require.NoError(t, os.Rename(filepath.Join(dir, "travel.yaml"), filepath.Join(dir, "other.yaml")))

	s, err := NewFileTopologyStore(dir, time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "other")
	assert.Error(t, err)

	_, err = NewFileTopologyStore(filepath.Join(dir, "missing"), time.Second, zap.NewNop())
	assert.Error(t, err)
}

func newMiniRedisStore(t *testing.T) (*RedisTopologyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisTopologyStoreWithClient(client, zap.NewNop()), mr
}

func TestRedisTopologyStore_LoadAndPublish(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Load(ctx, "default")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Publish(ctx, fixtureSnapshot(t, "default", 4)))
	assert.True(t, mr.Exists("locator:bucket:default"))

	snap, err := s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Rev())
	assert.Equal(t, 16, snap.PartitionCount())
	assert.NoError(t, s.Ping(ctx))
}

func TestRedisTopologyStore_Watch(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, fixtureSnapshot(t, "default", 5)))
	assert.Equal(t, int64(5), receive(t, ch).Rev())

	// an empty message means "re-read the key"
	data, err := topology.EncodeBucketConfig(fixtureSnapshot(t, "default", 6))
	require.NoError(t, err)
	require.NoError(t, mr.Set("locator:bucket:default", string(data)))
	mr.Publish("locator:bucket-updates:default", "")
	assert.Equal(t, int64(6), receive(t, ch).Rev())

	// garbage is skipped
	mr.Publish("locator:bucket-updates:default", "{not json")
	require.NoError(t, s.Publish(ctx, fixtureSnapshot(t, "default", 7)))
	assert.Equal(t, int64(7), receive(t, ch).Rev())
}

func gossipNode(name, ip string, meta GossipMeta) *memberlist.Node {
	data, _ := json.Marshal(meta)
	return &memberlist.Node{Name: name, Addr: net.ParseIP(ip), Meta: data}
}

func TestGossipTopologyStore_Membership(t *testing.T) {
	s := newGossipTopologyStore(GossipMeta{Role: RoleLocator}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Error(t, s.Ping(ctx))
	_, err := s.Load(ctx, "cache")
	assert.ErrorIs(t, err, ErrNotFound)

	ch, err := s.Watch(ctx, "cache")
	require.NoError(t, err)

	kv := GossipMeta{Role: RoleKV, Buckets: []string{"cache"}, KVPort: 11210, MgmtPort: 8091}
	s.NotifyJoin(gossipNode("node-b", "10.0.0.2", kv))
	s.NotifyJoin(gossipNode("node-a", "10.0.0.1", kv))
	s.NotifyJoin(gossipNode("node-c", "10.0.0.3", kv))
	s.NotifyJoin(gossipNode("locator-1", "10.0.1.1", GossipMeta{Role: RoleLocator}))

	snap := receive(t, ch)
	assert.Equal(t, model.TopologyHashRing, snap.Kind())
	require.Equal(t, 3, snap.NodeCount())

	// nodes are ordered by member name
	first, _ := snap.Node(0)
	assert.Equal(t, "10.0.0.1", first.Hostname)
	assert.Equal(t, 8091, first.Port(model.ServiceMgmt))

	// same addresses as the ketama vectors: foo lands on 10.0.0.3
	node, err := snap.RingNodeFor([]byte("foo"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", node.Hostname)

	s.NotifyLeave(&memberlist.Node{Name: "node-c"})
	snap = receive(t, ch)
	assert.Equal(t, 2, snap.NodeCount())
	assert.Greater(t, snap.Rev(), int64(3))

	loaded, err := s.Load(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, snap.Rev(), loaded.Rev())
	assert.NoError(t, s.Ping(ctx))
}

func TestGossipTopologyStore_BadMeta(t *testing.T) {
	s := newGossipTopologyStore(GossipMeta{Role: RoleLocator}, zap.NewNop())
	s.NotifyJoin(&memberlist.Node{Name: "x", Addr: net.ParseIP("10.0.0.9"), Meta: []byte("{")})
	_, err := s.Load(context.Background(), "cache")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltSnapshotCache(t *testing.T) {
	c, err := OpenBoltSnapshotCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Load("default")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Save("default", fixtureSnapshot(t, "default", 12)))
	snap, err := c.Load("default")
	require.NoError(t, err)
	assert.Equal(t, int64(12), snap.Rev())
	assert.Equal(t, 16, snap.PartitionCount())
	assert.Equal(t, 1, snap.NumReplicas())
}
