package model

import (
	"net"
	"strconv"
)

// Service names used as keys in NodeInfo.Ports
const (
	ServiceKV   = "kv"
	ServiceMgmt = "mgmt"
)

// NoOwner marks an unassigned slot in a partition table
const NoOwner = -1

// NodeInfo describes one cluster node. It is immutable once embedded in a snapshot.
type NodeInfo struct {
	Hostname string         `json:"hostname" yaml:"hostname"`
	Ports    map[string]int `json:"ports" yaml:"ports"`
}

// Port returns the port for a service, or 0 when the node does not expose it
func (n NodeInfo) Port(service string) int {
	return n.Ports[service]
}

// Address returns host:port for the given service
func (n NodeInfo) Address(service string) string {
	return net.JoinHostPort(n.Hostname, strconv.Itoa(n.Port(service)))
}

// KVAddress returns the address of the data service
func (n NodeInfo) KVAddress() string {
	return n.Address(ServiceKV)
}

// Equal compares hostname and ports
func (n NodeInfo) Equal(other NodeInfo) bool {
	if n.Hostname != other.Hostname || len(n.Ports) != len(other.Ports) {
		return false
	}
	for svc, port := range n.Ports {
		if other.Ports[svc] != port {
			return false
		}
	}
	return true
}

// TopologyKind selects the key mapping scheme of a bucket
type TopologyKind string

const (
	// TopologyPartitioned maps keys to a fixed set of partitions (vBuckets)
	TopologyPartitioned TopologyKind = "partitioned"
	// TopologyHashRing maps keys directly to nodes on a ketama ring
	TopologyHashRing TopologyKind = "hash_ring"
)

// Valid reports whether k is a known kind
func (k TopologyKind) Valid() bool {
	return k == TopologyPartitioned || k == TopologyHashRing
}

// PartitionOwners is one row of the partition table: node indexes into the
// snapshot's node list, NoOwner for unassigned slots.
type PartitionOwners struct {
	Active   int   `json:"active" yaml:"active"`
	Replicas []int `json:"replicas,omitempty" yaml:"replicas,omitempty"`
}
