package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/store"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// MockTransport is a mock implementation of client.Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, node model.NodeInfo, req *model.MutationRequest) (*model.MutationResponse, error) {
	args := m.Called(ctx, node, req)
	resp, _ := args.Get(0).(*model.MutationResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) Observe(ctx context.Context, target model.ObserveTarget) (*model.ObserveResult, error) {
	args := m.Called(ctx, target)
	res, _ := args.Get(0).(*model.ObserveResult)
	return res, args.Error(1)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func testNodes(n int) []model.NodeInfo {
	nodes := make([]model.NodeInfo, n)
	for i := range nodes {
		nodes[i] = model.NodeInfo{
			Hostname: fmt.Sprintf("10.0.0.%d", i+1),
			Ports:    map[string]int{model.ServiceKV: 11210},
		}
	}
	return nodes
}

func roundRobinSnapshot(t *testing.T, rev int64, nodes, replicas int) *topology.ConfigSnapshot {
	t.Helper()
	return snapshotWithRows(t, rev, nodes, replicas, topology.RoundRobin(4, nodes, replicas))
}

// ownedBySnapshot assigns every partition's active copy to node owner
func ownedBySnapshot(t *testing.T, rev int64, nodes, owner int) *topology.ConfigSnapshot {
	t.Helper()
	rows := make([]model.PartitionOwners, 4)
	for i := range rows {
		rows[i] = model.PartitionOwners{Active: owner}
	}
	return snapshotWithRows(t, rev, nodes, 0, rows)
}

func snapshotWithRows(t *testing.T, rev int64, nodes, replicas int, rows []model.PartitionOwners) *topology.ConfigSnapshot {
	t.Helper()
	snap, err := topology.NewPartitionedSnapshot(topology.PartitionedConfig{
		Bucket:      "default",
		Rev:         rev,
		Nodes:       testNodes(nodes),
		NumReplicas: replicas,
		Partitions:  rows,
	})
	require.NoError(t, err)
	return snap
}

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func startTopology(t *testing.T, snaps ...*topology.ConfigSnapshot) (*TopologyService, *store.MemoryTopologyStore) {
	t.Helper()
	mem := store.NewMemoryTopologyStore(snaps...)
	svc := NewTopologyService(mem, nil, TopologyConfig{
		Buckets:      []string{"default"},
		RefreshRate:  1000,
		RefreshBurst: 100,
	}, newTestMetrics(), zap.NewNop())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc, mem
}

func newDurability(t *testing.T, source SnapshotSource, transport *MockTransport, maxReresolutions int) *DurabilityService {
	t.Helper()
	svc := NewDurabilityService(source, transport, DurabilityConfig{
		DefaultTimeout:   time.Second,
		Backoff:          algorithm.NewRetryScheduler(time.Millisecond, 5*time.Millisecond, 2),
		MaxReresolutions: maxReresolutions,
		AsyncWorkers:     2,
		AsyncQueueSize:   4,
	}, newTestMetrics(), zap.NewNop())
	t.Cleanup(func() { svc.Stop(time.Second) })
	return svc
}

func onNode(host string) interface{} {
	return mock.MatchedBy(func(target model.ObserveTarget) bool {
		return target.Node.Hostname == host
	})
}

func onReplica(n int) interface{} {
	return mock.MatchedBy(func(target model.ObserveTarget) bool {
		return target.Replica == n
	})
}
