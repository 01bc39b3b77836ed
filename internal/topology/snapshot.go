package topology

import (
	"fmt"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
)

// MaxReplicas is the largest replica count a partitioned bucket may configure
const MaxReplicas = 3

// PartitionedConfig is the input for a partitioned (vBucket) snapshot
type PartitionedConfig struct {
	Bucket      string
	Rev         int64
	Nodes       []model.NodeInfo
	NumReplicas int
	Partitions  []model.PartitionOwners
}

// HashRingConfig is the input for a hash-ring snapshot. RingPoints may be
// left empty, in which case the ketama ring is derived from the nodes' KV
// addresses.
type HashRingConfig struct {
	Bucket     string
	Rev        int64
	Nodes      []model.NodeInfo
	RingPoints map[uint32]int
}

// keyMapper is the per-kind key mapping, fixed when the snapshot is built
type keyMapper interface {
	kind() model.TopologyKind
}

type partitionMapper struct {
	count int
}

func (partitionMapper) kind() model.TopologyKind { return model.TopologyPartitioned }

type ringMapper struct {
	ring *algorithm.Ring
}

func (ringMapper) kind() model.TopologyKind { return model.TopologyHashRing }

// ConfigSnapshot is an immutable view of one bucket's topology. It is never
// modified after construction; topology changes produce a new snapshot.
type ConfigSnapshot struct {
	bucket      string
	rev         int64
	nodes       []model.NodeInfo
	partitions  []model.PartitionOwners
	numReplicas int
	mapper      keyMapper
}

// NewPartitionedSnapshot validates cfg and builds a partitioned snapshot.
// Replica rows shorter than NumReplicas are padded with NoOwner.
func NewPartitionedSnapshot(cfg PartitionedConfig) (*ConfigSnapshot, error) {
	if cfg.Bucket == "" {
		return nil, errors.InvalidTopology("bucket name is required")
	}
	if cfg.NumReplicas < 0 || cfg.NumReplicas > MaxReplicas {
		return nil, errors.InvalidTopology(fmt.Sprintf("num_replicas %d must be between 0 and %d", cfg.NumReplicas, MaxReplicas))
	}
	if len(cfg.Nodes) > 0 && !algorithm.IsPowerOfTwo(len(cfg.Partitions)) {
		return nil, errors.InvalidTopology(fmt.Sprintf("partition count %d is not a power of two", len(cfg.Partitions)))
	}
	if len(cfg.Partitions) > 1<<16 {
		return nil, errors.InvalidTopology(fmt.Sprintf("partition count %d exceeds %d", len(cfg.Partitions), 1<<16))
	}

	nodes := copyNodes(cfg.Nodes)
	partitions := make([]model.PartitionOwners, len(cfg.Partitions))
	for p, owners := range cfg.Partitions {
		if err := checkIndex(owners.Active, len(nodes)); err != nil {
			return nil, errors.InvalidTopology(fmt.Sprintf("partition %d active: %v", p, err))
		}
		if len(owners.Replicas) > cfg.NumReplicas {
			return nil, errors.InvalidTopology(fmt.Sprintf("partition %d lists %d replicas, bucket has %d", p, len(owners.Replicas), cfg.NumReplicas))
		}
		replicas := make([]int, cfg.NumReplicas)
		for r := range replicas {
			replicas[r] = model.NoOwner
			if r < len(owners.Replicas) {
				if err := checkIndex(owners.Replicas[r], len(nodes)); err != nil {
					return nil, errors.InvalidTopology(fmt.Sprintf("partition %d replica %d: %v", p, r+1, err))
				}
				replicas[r] = owners.Replicas[r]
			}
		}
		partitions[p] = model.PartitionOwners{Active: owners.Active, Replicas: replicas}
	}

	return &ConfigSnapshot{
		bucket:      cfg.Bucket,
		rev:         cfg.Rev,
		nodes:       nodes,
		partitions:  partitions,
		numReplicas: cfg.NumReplicas,
		mapper:      partitionMapper{count: len(partitions)},
	}, nil
}

// NewHashRingSnapshot builds a hash-ring snapshot
func NewHashRingSnapshot(cfg HashRingConfig) (*ConfigSnapshot, error) {
	if cfg.Bucket == "" {
		return nil, errors.InvalidTopology("bucket name is required")
	}
	nodes := copyNodes(cfg.Nodes)

	var ring *algorithm.Ring
	if len(cfg.RingPoints) > 0 {
		ring = algorithm.NewRing(cfg.RingPoints)
		if max := ring.MaxNodeIndex(); max >= len(nodes) {
			return nil, errors.InvalidTopology(fmt.Sprintf("ring references node %d of %d", max, len(nodes)))
		}
	} else {
		addrs := make([]string, len(nodes))
		for i, n := range nodes {
			addrs[i] = n.KVAddress()
		}
		ring = algorithm.NewKetamaRing(addrs)
	}

	return &ConfigSnapshot{
		bucket: cfg.Bucket,
		rev:    cfg.Rev,
		nodes:  nodes,
		mapper: ringMapper{ring: ring},
	}, nil
}

func checkIndex(idx, count int) error {
	if idx == model.NoOwner {
		return nil
	}
	if idx < 0 || idx >= count {
		return fmt.Errorf("node index %d out of range [0,%d)", idx, count)
	}
	return nil
}

func copyNodes(in []model.NodeInfo) []model.NodeInfo {
	out := make([]model.NodeInfo, len(in))
	for i, n := range in {
		ports := make(map[string]int, len(n.Ports))
		for svc, port := range n.Ports {
			ports[svc] = port
		}
		out[i] = model.NodeInfo{Hostname: n.Hostname, Ports: ports}
	}
	return out
}

func (s *ConfigSnapshot) Bucket() string { return s.bucket }
func (s *ConfigSnapshot) Rev() int64 { return s.rev }
func (s *ConfigSnapshot) Kind() model.TopologyKind { return s.mapper.kind() }
func (s *ConfigSnapshot) NumReplicas() int { return s.numReplicas }
func (s *ConfigSnapshot) PartitionCount() int { return len(s.partitions) }
func (s *ConfigSnapshot) NodeCount() int { return len(s.nodes) }

// Nodes returns a copy of the node list in snapshot order
func (s *ConfigSnapshot) Nodes() []model.NodeInfo {
	return copyNodes(s.nodes)
}

// Node returns the node at idx
func (s *ConfigSnapshot) Node(idx int) (model.NodeInfo, bool) {
	if idx < 0 || idx >= len(s.nodes) {
		return model.NodeInfo{}, false
	}
	return s.nodes[idx], true
}

// PartitionOwners returns a copy of the table row for partition p
func (s *ConfigSnapshot) PartitionOwners(p uint16) (model.PartitionOwners, bool) {
	if int(p) >= len(s.partitions) {
		return model.PartitionOwners{}, false
	}
	row := s.partitions[p]
	replicas := make([]int, len(row.Replicas))
	copy(replicas, row.Replicas)
	return model.PartitionOwners{Active: row.Active, Replicas: replicas}, true
}

// ring returns the ketama ring of a hash-ring snapshot
func (s *ConfigSnapshot) ring() (*algorithm.Ring, bool) {
	m, ok := s.mapper.(ringMapper)
	if !ok {
		return nil, false
	}
	return m.ring, true
}
