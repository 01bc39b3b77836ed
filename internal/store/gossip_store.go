package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// Gossip roles advertised in node metadata
const (
	RoleKV      = "kv"
	RoleLocator = "locator"
)

// GossipMeta is the JSON node metadata exchanged over memberlist
type GossipMeta struct {
	Role     string   `json:"role"`
	Buckets  []string `json:"buckets,omitempty"`
	KVPort   int      `json:"kv_port,omitempty"`
	MgmtPort int      `json:"mgmt_port,omitempty"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

type gossipMember struct {
	host string
	meta GossipMeta
}

// GossipTopologyStore derives hash-ring snapshots from cluster membership.
// Every kv member advertising a bucket becomes a ring node for it; each
// membership change bumps the revision.
type GossipTopologyStore struct {
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
	localMeta  []byte

	mu       sync.Mutex
	members  *treemap.Map // name -> gossipMember
	rev      int64
	watchers *watchers
}

func newGossipTopologyStore(localMeta GossipMeta, logger *zap.Logger) *GossipTopologyStore {
	data, _ := json.Marshal(localMeta)
	return &GossipTopologyStore{
		logger:    logger,
		localMeta: data,
		members:   treemap.NewWithStringComparator(),
		watchers:  newWatchers(),
	}
}

// NewGossipTopologyStore joins the gossip cluster as a locator member
func NewGossipTopologyStore(cfg GossipConfig, logger *zap.Logger) (*GossipTopologyStore, error) {
	s := newGossipTopologyStore(GossipMeta{Role: RoleLocator}, logger)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = &gossipMetaDelegate{meta: s.localMeta}
	mlConfig.Events = s

	// Create memberlist
	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return s, nil
}

// NotifyJoin implements memberlist.EventDelegate
func (s *GossipTopologyStore) NotifyJoin(node *memberlist.Node) {
	s.logger.Info("Node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Addr.String()))
	s.upsertMember(node)
}

// NotifyLeave implements memberlist.EventDelegate
func (s *GossipTopologyStore) NotifyLeave(node *memberlist.Node) {
	s.logger.Info("Node left", zap.String("node", node.Name))

	s.mu.Lock()
	prev, found := s.members.Get(node.Name)
	s.members.Remove(node.Name)
	s.rev++
	s.mu.Unlock()

	if found {
		s.publishBuckets(prev.(gossipMember).meta.Buckets)
	}
}

// NotifyUpdate implements memberlist.EventDelegate
func (s *GossipTopologyStore) NotifyUpdate(node *memberlist.Node) {
	s.logger.Debug("Node updated", zap.String("node", node.Name))
	s.upsertMember(node)
}

func (s *GossipTopologyStore) upsertMember(node *memberlist.Node) {
	var meta GossipMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			s.logger.Warn("Ignoring node with unreadable metadata",
				zap.String("node", node.Name),
				zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	affected := append([]string(nil), meta.Buckets...)
	if prev, found := s.members.Get(node.Name); found {
		affected = append(affected, prev.(gossipMember).meta.Buckets...)
	}
	if meta.Role == RoleKV {
		s.members.Put(node.Name, gossipMember{host: node.Addr.String(), meta: meta})
	} else {
		s.members.Remove(node.Name)
	}
	s.rev++
	s.mu.Unlock()

	s.publishBuckets(affected)
}

func (s *GossipTopologyStore) publishBuckets(buckets []string) {
	seen := make(map[string]bool, len(buckets))
	for _, bucket := range buckets {
		if seen[bucket] {
			continue
		}
		seen[bucket] = true
		s.watchers.publish(s.snapshot(bucket))
	}
}

// snapshot builds the bucket's ring from members in name order
func (s *GossipTopologyStore) snapshot(bucket string) *topology.ConfigSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nodes []model.NodeInfo
	it := s.members.Iterator()
	for it.Next() {
		m := it.Value().(gossipMember)
		if !containsString(m.meta.Buckets, bucket) {
			continue
		}
		ports := map[string]int{model.ServiceKV: m.meta.KVPort}
		if m.meta.MgmtPort > 0 {
			ports[model.ServiceMgmt] = m.meta.MgmtPort
		}
		nodes = append(nodes, model.NodeInfo{Hostname: m.host, Ports: ports})
	}

	// bucket names are never empty here, so construction cannot fail
	snap, _ := topology.NewHashRingSnapshot(topology.HashRingConfig{Bucket: bucket, Rev: s.rev, Nodes: nodes})
	return snap
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Load returns the ring for bucket, or ErrNotFound when no member serves it
func (s *GossipTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	if bucket == "" {
		return nil, ErrNotFound
	}
	snap := s.snapshot(bucket)
	if snap.NodeCount() == 0 {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Watch pushes a new ring whenever membership for bucket changes
func (s *GossipTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	return s.watchers.add(ctx, bucket), nil
}

// Ping reports whether any kv member is known
func (s *GossipTopologyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members.Empty() {
		return fmt.Errorf("no kv members discovered")
	}
	return nil
}

// Close leaves the cluster
func (s *GossipTopologyStore) Close() error {
	s.watchers.closeAll()
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipMetaDelegate advertises the locator's metadata and ignores user messages
type gossipMetaDelegate struct {
	meta []byte
}

// NodeMeta implements memberlist.Delegate
func (d *gossipMetaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

// NotifyMsg implements memberlist.Delegate
func (d *gossipMetaDelegate) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (d *gossipMetaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (d *gossipMetaDelegate) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (d *gossipMetaDelegate) MergeRemoteState(buf []byte, join bool) {}
