package topology

import (
	"fmt"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
)

// Replica is one replica slot of a partition. Number is 1-indexed.
type Replica struct {
	Number   int
	Node     model.NodeInfo
	Assigned bool
}

// Route is the resolved placement of one key
type Route struct {
	Bucket          string
	Rev             int64
	Kind            model.TopologyKind
	Partition       uint16
	HasPartition    bool
	Active          model.NodeInfo
	Replicas        []Replica
	MissingReplicas int
}

// PartitionFor maps key to its partition
func (s *ConfigSnapshot) PartitionFor(key []byte) (uint16, error) {
	m, ok := s.mapper.(partitionMapper)
	if !ok {
		return 0, errors.UnsupportedTopology(string(s.Kind()), "partition lookup")
	}
	if len(s.nodes) == 0 || m.count == 0 {
		return 0, errors.EmptyTopology(s.bucket)
	}
	return algorithm.PartitionFor(key, m.count), nil
}

// RingNodeFor maps key to its node on a hash-ring bucket
func (s *ConfigSnapshot) RingNodeFor(key []byte) (model.NodeInfo, error) {
	ring, ok := s.ring()
	if !ok {
		return model.NodeInfo{}, errors.UnsupportedTopology(string(s.Kind()), "ring lookup")
	}
	idx, ok := ring.LookupKey(key)
	if !ok || len(s.nodes) == 0 {
		return model.NodeInfo{}, errors.EmptyTopology(s.bucket)
	}
	return s.nodes[idx], nil
}

func (s *ConfigSnapshot) row(partition uint16, operation string) (model.PartitionOwners, error) {
	if s.Kind() != model.TopologyPartitioned {
		return model.PartitionOwners{}, errors.UnsupportedTopology(string(s.Kind()), operation)
	}
	if len(s.nodes) == 0 {
		return model.PartitionOwners{}, errors.EmptyTopology(s.bucket)
	}
	if int(partition) >= len(s.partitions) {
		return model.PartitionOwners{}, errors.InvalidArgument(
			fmt.Sprintf("partition %d out of range for bucket %q with %d partitions", partition, s.bucket, len(s.partitions)), nil)
	}
	return s.partitions[partition], nil
}

// ActiveNodeFor returns the node owning the active copy of partition
func (s *ConfigSnapshot) ActiveNodeFor(partition uint16) (model.NodeInfo, error) {
	row, err := s.row(partition, "active lookup")
	if err != nil {
		return model.NodeInfo{}, err
	}
	if row.Active == model.NoOwner {
		return model.NodeInfo{}, errors.NoActiveOwner(s.bucket, partition)
	}
	return s.nodes[row.Active], nil
}

// ReplicaNodeFor returns the node holding replica number (1..3) of partition
func (s *ConfigSnapshot) ReplicaNodeFor(partition uint16, replica int) (model.NodeInfo, error) {
	row, err := s.row(partition, "replica lookup")
	if err != nil {
		return model.NodeInfo{}, err
	}
	if replica < 1 {
		return model.NodeInfo{}, errors.InvalidArgument(fmt.Sprintf("replica number %d must be at least 1", replica), nil)
	}
	if replica > s.numReplicas {
		return model.NodeInfo{}, errors.ReplicaNotConfigured(s.bucket, replica, s.numReplicas)
	}
	idx := row.Replicas[replica-1]
	if idx == model.NoOwner {
		return model.NodeInfo{}, errors.NoReplicaOwner(s.bucket, partition, replica)
	}
	return s.nodes[idx], nil
}

// Replicas returns every configured replica slot of partition, assigned or not
func (s *ConfigSnapshot) Replicas(partition uint16) ([]Replica, error) {
	row, err := s.row(partition, "replica lookup")
	if err != nil {
		return nil, err
	}
	out := make([]Replica, len(row.Replicas))
	for i, idx := range row.Replicas {
		out[i] = Replica{Number: i + 1}
		if idx != model.NoOwner {
			out[i].Node = s.nodes[idx]
			out[i].Assigned = true
		}
	}
	return out, nil
}

// AllReplicas returns the replica nodes of partition in replica order. It
// fails when any configured slot is unassigned.
func (s *ConfigSnapshot) AllReplicas(partition uint16) ([]model.NodeInfo, error) {
	slots, err := s.Replicas(partition)
	if err != nil {
		return nil, err
	}
	nodes := make([]model.NodeInfo, 0, len(slots))
	for _, slot := range slots {
		if !slot.Assigned {
			return nil, errors.NoReplicaOwner(s.bucket, partition, slot.Number)
		}
		nodes = append(nodes, slot.Node)
	}
	return nodes, nil
}

// Route resolves the active node and the assigned replicas for key.
// Unassigned replica slots are counted in MissingReplicas.
func (s *ConfigSnapshot) Route(key []byte) (Route, error) {
	route := Route{Bucket: s.bucket, Rev: s.rev, Kind: s.Kind()}

	if s.Kind() == model.TopologyHashRing {
		node, err := s.RingNodeFor(key)
		if err != nil {
			return Route{}, err
		}
		route.Active = node
		return route, nil
	}

	partition, err := s.PartitionFor(key)
	if err != nil {
		return Route{}, err
	}
	route.Partition = partition
	route.HasPartition = true

	if route.Active, err = s.ActiveNodeFor(partition); err != nil {
		return Route{}, err
	}

	slots, err := s.Replicas(partition)
	if err != nil {
		return Route{}, err
	}
	for _, slot := range slots {
		if !slot.Assigned {
			route.MissingReplicas++
			continue
		}
		route.Replicas = append(route.Replicas, slot)
	}
	return route, nil
}
