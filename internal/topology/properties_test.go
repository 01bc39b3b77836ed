package topology

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/model"
)

func propertyNodes(n int) []model.NodeInfo {
	nodes := make([]model.NodeInfo, n)
	for i := range nodes {
		nodes[i] = model.NodeInfo{
			Hostname: fmt.Sprintf("10.0.1.%d", i+1),
			Ports:    map[string]int{model.ServiceKV: 11210},
		}
	}
	return nodes
}

func TestRouteProperties(t *testing.T) {
	parameters := gopter.DefaultTestParametersWithSeed(4321)
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("route follows the partition table", prop.ForAll(
		func(shift uint, nodeCount, replicas int, key string) bool {
			partitions := 1 << shift
			snap, err := NewPartitionedSnapshot(PartitionedConfig{
				Bucket:      "default",
				Rev:         1,
				Nodes:       propertyNodes(nodeCount),
				NumReplicas: replicas,
				Partitions:  RoundRobin(partitions, nodeCount, replicas),
			})
			if err != nil {
				return false
			}

			route, err := snap.Route([]byte(key))
			if err != nil {
				return false
			}
			p := algorithm.PartitionFor([]byte(key), partitions)
			if route.Partition != p || !route.Active.Equal(snap.Nodes()[int(p)%nodeCount]) {
				return false
			}

			for _, r := range route.Replicas {
				if !r.Assigned || r.Node.Equal(route.Active) {
					return false
				}
			}
			return len(route.Replicas)+route.MissingReplicas == replicas
		},
		gen.UIntRange(0, 10),
		gen.IntRange(1, 6),
		gen.IntRange(0, 3),
		gen.AnyString(),
	))

	properties.Property("bucket config encoding round-trips ownership", prop.ForAll(
		func(shift uint, nodeCount, replicas int) bool {
			partitions := 1 << shift
			snap, err := NewPartitionedSnapshot(PartitionedConfig{
				Bucket:      "default",
				Rev:         9,
				Nodes:       propertyNodes(nodeCount),
				NumReplicas: replicas,
				Partitions:  RoundRobin(partitions, nodeCount, replicas),
			})
			if err != nil {
				return false
			}
			data, err := EncodeBucketConfig(snap)
			if err != nil {
				return false
			}
			decoded, err := DecodeBucketConfig(data)
			if err != nil {
				return false
			}
			for p := 0; p < partitions; p++ {
				a, _ := snap.ActiveNodeFor(uint16(p))
				b, _ := decoded.ActiveNodeFor(uint16(p))
				if !a.Equal(b) {
					return false
				}
			}
			return decoded.Rev() == snap.Rev() && decoded.NumReplicas() == replicas
		},
		gen.UIntRange(0, 8),
		gen.IntRange(1, 5),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
