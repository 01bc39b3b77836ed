package topology

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
)

const (
	locatorVBucket = "vbucket"
	locatorKetama  = "ketama"
)

// bucketConfigJSON is the terse bucket configuration published by the cluster
type bucketConfigJSON struct {
	Rev              int64                 `json:"rev"`
	Name             string                `json:"name"`
	NodeLocator      string                `json:"nodeLocator"`
	Nodes            []legacyNodeJSON      `json:"nodes,omitempty"`
	NodesExt         []nodeExtJSON         `json:"nodesExt,omitempty"`
	VBucketServerMap *vbucketServerMapJSON `json:"vBucketServerMap,omitempty"`
}

type legacyNodeJSON struct {
	Hostname string         `json:"hostname"`
	Ports    map[string]int `json:"ports"`
}

type nodeExtJSON struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
}

type vbucketServerMapJSON struct {
	HashAlgorithm string   `json:"hashAlgorithm,omitempty"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// Decode accepts either a terse bucket config (JSON carrying nodeLocator)
// or a YAML/JSON fixture.
func Decode(data []byte) (*ConfigSnapshot, error) {
	var probe struct {
		NodeLocator string `json:"nodeLocator"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.NodeLocator != "" {
		return DecodeBucketConfig(data)
	}
	return DecodeFixture(data)
}

// DecodeBucketConfig parses a terse bucket config
func DecodeBucketConfig(data []byte) (*ConfigSnapshot, error) {
	var cfg bucketConfigJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewLocatorError(errors.ErrCodeInvalidTopology, "failed to decode bucket config", err)
	}

	switch cfg.NodeLocator {
	case locatorVBucket:
		return decodeVBucketConfig(cfg)
	case locatorKetama:
		nodes, err := ketamaNodes(cfg)
		if err != nil {
			return nil, err
		}
		return NewHashRingSnapshot(HashRingConfig{Bucket: cfg.Name, Rev: cfg.Rev, Nodes: nodes})
	default:
		return nil, errors.InvalidTopology(fmt.Sprintf("unknown node locator %q", cfg.NodeLocator))
	}
}

func decodeVBucketConfig(cfg bucketConfigJSON) (*ConfigSnapshot, error) {
	sm := cfg.VBucketServerMap
	if sm == nil {
		return nil, errors.InvalidTopology("vbucket config without vBucketServerMap")
	}
	if sm.HashAlgorithm != "" && !strings.EqualFold(sm.HashAlgorithm, "CRC") {
		return nil, errors.InvalidTopology(fmt.Sprintf("unsupported hash algorithm %q", sm.HashAlgorithm))
	}

	nodes := make([]model.NodeInfo, len(sm.ServerList))
	for i, server := range sm.ServerList {
		host, port, err := splitHostPort(server)
		if err != nil {
			return nil, errors.InvalidTopology(fmt.Sprintf("server %q: %v", server, err))
		}
		nodes[i] = model.NodeInfo{Hostname: host, Ports: map[string]int{model.ServiceKV: port}}
		for _, ext := range cfg.NodesExt {
			if ext.Hostname == host && ext.Services[model.ServiceKV] == port {
				for svc, p := range ext.Services {
					nodes[i].Ports[svc] = p
				}
			}
		}
	}

	partitions := make([]model.PartitionOwners, len(sm.VBucketMap))
	for p, row := range sm.VBucketMap {
		if len(row) == 0 {
			return nil, errors.InvalidTopology(fmt.Sprintf("partition %d has an empty row", p))
		}
		owners := model.PartitionOwners{Active: normalizeOwner(row[0])}
		for _, idx := range row[1:] {
			owners.Replicas = append(owners.Replicas, normalizeOwner(idx))
		}
		if len(owners.Replicas) > sm.NumReplicas {
			owners.Replicas = owners.Replicas[:sm.NumReplicas]
		}
		partitions[p] = owners
	}

	return NewPartitionedSnapshot(PartitionedConfig{
		Bucket:      cfg.Name,
		Rev:         cfg.Rev,
		Nodes:       nodes,
		NumReplicas: sm.NumReplicas,
		Partitions:  partitions,
	})
}

func ketamaNodes(cfg bucketConfigJSON) ([]model.NodeInfo, error) {
	var nodes []model.NodeInfo
	if len(cfg.NodesExt) > 0 {
		for _, ext := range cfg.NodesExt {
			if ext.Services[model.ServiceKV] == 0 {
				continue
			}
			ports := make(map[string]int, len(ext.Services))
			for svc, p := range ext.Services {
				ports[svc] = p
			}
			nodes = append(nodes, model.NodeInfo{Hostname: ext.Hostname, Ports: ports})
		}
		return nodes, nil
	}

	// Legacy list: hostname carries the management port, ports.direct the data port
	for _, n := range cfg.Nodes {
		host, mgmt, err := splitHostPort(n.Hostname)
		if err != nil {
			return nil, errors.InvalidTopology(fmt.Sprintf("node %q: %v", n.Hostname, err))
		}
		direct := n.Ports["direct"]
		if direct == 0 {
			continue
		}
		nodes = append(nodes, model.NodeInfo{
			Hostname: host,
			Ports:    map[string]int{model.ServiceKV: direct, model.ServiceMgmt: mgmt},
		})
	}
	return nodes, nil
}

func normalizeOwner(idx int) int {
	if idx < 0 {
		return model.NoOwner
	}
	return idx
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// EncodeBucketConfig renders a snapshot in the terse format. Hash-ring
// snapshots are written as their node list; explicit ring points are not
// preserved.
func EncodeBucketConfig(s *ConfigSnapshot) ([]byte, error) {
	cfg := bucketConfigJSON{Rev: s.rev, Name: s.bucket}
	for _, n := range s.nodes {
		cfg.NodesExt = append(cfg.NodesExt, nodeExtJSON{Hostname: n.Hostname, Services: n.Ports})
	}

	if s.Kind() == model.TopologyHashRing {
		cfg.NodeLocator = locatorKetama
		return json.Marshal(cfg)
	}

	cfg.NodeLocator = locatorVBucket
	sm := &vbucketServerMapJSON{
		HashAlgorithm: "CRC",
		NumReplicas:   s.numReplicas,
		ServerList:    make([]string, len(s.nodes)),
		VBucketMap:    make([][]int, len(s.partitions)),
	}
	for i, n := range s.nodes {
		sm.ServerList[i] = n.KVAddress()
	}
	for p, row := range s.partitions {
		sm.VBucketMap[p] = append([]int{row.Active}, row.Replicas...)
	}
	cfg.VBucketServerMap = sm
	return json.Marshal(cfg)
}

// Fixture is the hand-written topology format used by file stores and tests.
// When Partitions is empty and PartitionCount is set, ownership is assigned
// round-robin across the nodes.
type Fixture struct {
	Bucket         string                  `yaml:"bucket" json:"bucket"`
	Rev            int64                   `yaml:"rev" json:"rev"`
	Kind           model.TopologyKind      `yaml:"kind" json:"kind"`
	NumReplicas    int                     `yaml:"num_replicas" json:"num_replicas"`
	PartitionCount int                     `yaml:"partition_count" json:"partition_count"`
	Nodes          []model.NodeInfo        `yaml:"nodes" json:"nodes"`
	Partitions     []model.PartitionOwners `yaml:"partitions,omitempty" json:"partitions,omitempty"`
}

// DecodeFixture parses a YAML (or JSON) fixture
func DecodeFixture(data []byte) (*ConfigSnapshot, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewLocatorError(errors.ErrCodeInvalidTopology, "failed to decode topology fixture", err)
	}
	return f.Snapshot()
}

// Snapshot builds the snapshot described by the fixture
func (f Fixture) Snapshot() (*ConfigSnapshot, error) {
	switch f.Kind {
	case model.TopologyHashRing:
		return NewHashRingSnapshot(HashRingConfig{Bucket: f.Bucket, Rev: f.Rev, Nodes: f.Nodes})
	case model.TopologyPartitioned, "":
		partitions := f.Partitions
		if len(partitions) == 0 && f.PartitionCount > 0 {
			partitions = RoundRobin(f.PartitionCount, len(f.Nodes), f.NumReplicas)
		}
		return NewPartitionedSnapshot(PartitionedConfig{
			Bucket:      f.Bucket,
			Rev:         f.Rev,
			Nodes:       f.Nodes,
			NumReplicas: f.NumReplicas,
			Partitions:  partitions,
		})
	default:
		return nil, errors.InvalidTopology(fmt.Sprintf("unknown topology kind %q", f.Kind))
	}
}

// RoundRobin assigns partition p to node p%nodes and replica r to node
// (p+r)%nodes. Replicas that would land back on the active node stay
// unassigned.
func RoundRobin(partitionCount, nodeCount, numReplicas int) []model.PartitionOwners {
	out := make([]model.PartitionOwners, partitionCount)
	for p := range out {
		if nodeCount == 0 {
			out[p] = model.PartitionOwners{Active: model.NoOwner}
			continue
		}
		owners := model.PartitionOwners{Active: p % nodeCount, Replicas: make([]int, numReplicas)}
		for r := 1; r <= numReplicas; r++ {
			if r < nodeCount {
				owners.Replicas[r-1] = (p + r) % nodeCount
			} else {
				owners.Replicas[r-1] = model.NoOwner
			}
		}
		out[p] = owners
	}
	return out
}
