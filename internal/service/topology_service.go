package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/store"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// SnapshotSource hands out the latest snapshot of a bucket
type SnapshotSource interface {
	Current(bucket string) (*topology.ConfigSnapshot, error)
	Refresh(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error)
}

// TopologyConfig configures a TopologyService
type TopologyConfig struct {
	Buckets []string
	// RefreshInterval reloads every bucket from the store even without a push
	RefreshInterval time.Duration
	// RefreshRate and RefreshBurst throttle on-demand refreshes per second
	RefreshRate  float64
	RefreshBurst int
}

// TopologyService keeps the latest snapshot of every bucket behind an atomic
// pointer. Readers never block on updates.
type TopologyService struct {
	store   store.TopologyStore
	cache   store.SnapshotCache
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     TopologyConfig

	mu      sync.RWMutex
	current map[string]*atomic.Pointer[topology.ConfigSnapshot]

	limiter *rate.Limiter
	group   singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTopologyService creates a topology service. cache may be nil.
func NewTopologyService(
	topologyStore store.TopologyStore,
	cache store.SnapshotCache,
	cfg TopologyConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TopologyService {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 10
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 1
	}

	s := &TopologyService{
		store:   topologyStore,
		cache:   cache,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		current: make(map[string]*atomic.Pointer[topology.ConfigSnapshot]),
		limiter: rate.NewLimiter(rate.Limit(cfg.RefreshRate), cfg.RefreshBurst),
	}
	for _, bucket := range cfg.Buckets {
		s.current[bucket] = new(atomic.Pointer[topology.ConfigSnapshot])
	}
	return s
}

// Start loads every configured bucket and starts the watch and poll loops.
// A bucket the store cannot serve is warm-started from the snapshot cache.
func (s *TopologyService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, bucket := range s.cfg.Buckets {
		if err := s.initialLoad(ctx, bucket); err != nil {
			s.logger.Warn("No initial snapshot for bucket",
				zap.String("bucket", bucket),
				zap.Error(err))
		}

		ch, err := s.store.Watch(ctx, bucket)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to watch bucket %s: %w", bucket, err)
		}
		s.wg.Add(1)
		go s.watchLoop(bucket, ch)
	}

	if s.cfg.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop(ctx)
	}

	s.logger.Info("Topology service started",
		zap.Strings("buckets", s.cfg.Buckets),
		zap.Duration("refresh_interval", s.cfg.RefreshInterval))
	return nil
}

func (s *TopologyService) initialLoad(ctx context.Context, bucket string) error {
	snap, err := s.store.Load(ctx, bucket)
	if err == nil {
		s.Update(snap)
		return nil
	}
	if s.cache == nil {
		return err
	}

	cached, cacheErr := s.cache.Load(bucket)
	if cacheErr != nil {
		return err
	}
	s.logger.Info("Warm start from snapshot cache",
		zap.String("bucket", bucket),
		zap.Int64("rev", cached.Rev()),
		zap.NamedError("store_error", err))
	s.Update(cached)
	return nil
}

func (s *TopologyService) watchLoop(bucket string, ch <-chan *topology.ConfigSnapshot) {
	defer s.wg.Done()
	for snap := range ch {
		if snap.Bucket() != bucket {
			s.logger.Warn("Ignoring snapshot for another bucket",
				zap.String("bucket", bucket),
				zap.String("got", snap.Bucket()))
			continue
		}
		s.Update(snap)
	}
}

func (s *TopologyService) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, bucket := range s.cfg.Buckets {
				if _, err := s.reload(ctx, bucket); err != nil {
					s.logger.Warn("Periodic topology reload failed",
						zap.String("bucket", bucket),
						zap.Error(err))
				}
			}
		}
	}
}

func (s *TopologyService) holder(bucket string, create bool) *atomic.Pointer[topology.ConfigSnapshot] {
	s.mu.RLock()
	h, ok := s.current[bucket]
	s.mu.RUnlock()
	if ok || !create {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.current[bucket]; ok {
		return h
	}
	h = new(atomic.Pointer[topology.ConfigSnapshot])
	s.current[bucket] = h
	return h
}

// Current returns the latest snapshot of bucket
func (s *TopologyService) Current(bucket string) (*topology.ConfigSnapshot, error) {
	h := s.holder(bucket, false)
	if h == nil {
		return nil, errors.BucketNotFound(bucket)
	}
	snap := h.Load()
	if snap == nil {
		return nil, errors.BucketNotFound(bucket)
	}
	return snap, nil
}

// Update installs snap if it is newer than the current snapshot of its
// bucket and reports whether it did.
func (s *TopologyService) Update(snap *topology.ConfigSnapshot) bool {
	bucket := snap.Bucket()
	h := s.holder(bucket, true)

	for {
		old := h.Load()
		if old != nil && snap.Rev() <= old.Rev() {
			s.metrics.RecordTopologyUpdate(bucket, "stale")
			s.logger.Debug("Ignoring older snapshot",
				zap.String("bucket", bucket),
				zap.Int64("rev", snap.Rev()),
				zap.Int64("current_rev", old.Rev()))
			return false
		}
		if h.CompareAndSwap(old, snap) {
			break
		}
	}

	s.metrics.RecordTopologyUpdate(bucket, "applied")
	s.metrics.SetTopology(bucket, snap.Rev(), snap.NodeCount())
	s.logger.Info("Topology updated",
		zap.String("bucket", bucket),
		zap.Int64("rev", snap.Rev()),
		zap.String("kind", string(snap.Kind())),
		zap.Int("nodes", snap.NodeCount()))

	if s.cache != nil {
		if err := s.cache.Save(bucket, snap); err != nil {
			s.logger.Warn("Failed to cache snapshot",
				zap.String("bucket", bucket),
				zap.Error(err))
		}
	}
	return true
}

// Refresh asks the store for a newer snapshot of bucket. Calls beyond the
// configured rate return the current snapshot without touching the store,
// and concurrent calls share one load.
func (s *TopologyService) Refresh(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	if !s.limiter.Allow() {
		s.metrics.RecordTopologyRefresh(bucket, "throttled")
		return s.Current(bucket)
	}

	snap, err := s.reload(ctx, bucket)
	if err != nil {
		s.metrics.RecordTopologyRefresh(bucket, "error")
		if current, curErr := s.Current(bucket); curErr == nil {
			s.logger.Warn("Topology refresh failed, keeping current snapshot",
				zap.String("bucket", bucket),
				zap.Int64("rev", current.Rev()),
				zap.Error(err))
			return current, nil
		}
		return nil, err
	}
	s.metrics.RecordTopologyRefresh(bucket, "ok")
	return snap, nil
}

func (s *TopologyService) reload(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	v, err, _ := s.group.Do(bucket, func() (interface{}, error) {
		snap, err := s.store.Load(ctx, bucket)
		if err != nil {
			if stderrors.Is(err, store.ErrNotFound) {
				return nil, errors.BucketNotFound(bucket)
			}
			return nil, errors.Unavailable(fmt.Sprintf("failed to load bucket %s", bucket), err)
		}
		s.Update(snap)
		return s.Current(bucket)
	})
	if err != nil {
		return nil, err
	}
	return v.(*topology.ConfigSnapshot), nil
}

// Buckets returns the configured bucket names
func (s *TopologyService) Buckets() []string {
	out := make([]string, len(s.cfg.Buckets))
	copy(out, s.cfg.Buckets)
	return out
}

// Ready reports whether every configured bucket has a snapshot
func (s *TopologyService) Ready() bool {
	for _, bucket := range s.cfg.Buckets {
		if _, err := s.Current(bucket); err != nil {
			return false
		}
	}
	return true
}

// Ping checks the underlying store
func (s *TopologyService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Stop ends the watch and poll loops
func (s *TopologyService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Topology service stopped")
}
