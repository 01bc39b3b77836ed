package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/config"
	"github.com/devrev/pairdb/locator/internal/store"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// openStore connects the topology store selected by cfg.Topology.Source
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TopologyStore, error) {
	switch cfg.Topology.Source {
	case config.SourceFile:
		return store.NewFileTopologyStore(cfg.Topology.Dir, cfg.Topology.PollInterval, logger)

	case config.SourceRedis:
		return store.NewRedisTopologyStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			logger,
		)

	case config.SourcePostgres:
		pg, err := store.NewPostgresTopologyStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil

	case config.SourceGossip:
		return store.NewGossipTopologyStore(store.GossipConfig{
			NodeName:       cfg.Gossip.NodeName,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, logger)

	case config.SourceNATS:
		return store.NewNATSTopologyStore(ctx, cfg.NATS.URL, cfg.NATS.KVBucket, logger)

	default:
		return nil, fmt.Errorf("unknown topology source %q", cfg.Topology.Source)
	}
}

// publishSnapshot writes snap to a store that accepts pushes. File and
// gossip sources are owned by something else.
func publishSnapshot(ctx context.Context, s store.TopologyStore, snap *topology.ConfigSnapshot) error {
	switch st := s.(type) {
	case *store.RedisTopologyStore:
		return st.Publish(ctx, snap)
	case *store.NATSTopologyStore:
		return st.Publish(ctx, snap)
	case *store.PostgresTopologyStore:
		return st.Save(ctx, snap)
	case *store.MemoryTopologyStore:
		st.Publish(snap)
		return nil
	default:
		return fmt.Errorf("topology source %T does not accept published configs", s)
	}
}

// openCache opens the warm-start cache, or returns nil when disabled
func openCache(cfg *config.Config) (store.SnapshotCache, error) {
	if cfg.Topology.CachePath == "" {
		return nil, nil
	}
	return store.OpenBoltSnapshotCache(cfg.Topology.CachePath)
}
