package service

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/topology"
)

// LocatorService resolves keys to the nodes that hold them
type LocatorService struct {
	topology   SnapshotSource
	backoff    *algorithm.RetryScheduler
	maxRetries int
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewLocatorService creates a locator. maxRetries bounds how often a lookup
// that hit a partition without an active owner is retried after a refresh.
func NewLocatorService(
	source SnapshotSource,
	backoff *algorithm.RetryScheduler,
	maxRetries int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LocatorService {
	if backoff == nil {
		backoff = algorithm.DefaultRetryScheduler()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &LocatorService{
		topology:   source,
		backoff:    backoff,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
	}
}

// RouteKey returns the active node and assigned replicas for key.
// A partition that is mid-rebalance is retried against a refreshed snapshot.
func (s *LocatorService) RouteKey(ctx context.Context, bucket string, key []byte) (topology.Route, error) {
	snap, err := s.topology.Current(bucket)
	if err != nil {
		s.metrics.RecordRouteError(bucket, errors.CodeOf(err).String())
		return topology.Route{}, err
	}

	for attempt := 0; ; attempt++ {
		route, err := snap.Route(key)
		if err == nil {
			s.metrics.RecordRoute(bucket, string(route.Kind))
			if route.MissingReplicas > 0 {
				s.logger.Debug("Route has unassigned replicas",
					zap.String("bucket", bucket),
					zap.Uint16("partition", route.Partition),
					zap.Int("missing", route.MissingReplicas))
			}
			return route, nil
		}

		if !stderrors.Is(err, errors.ErrNoActiveOwner) || attempt >= s.maxRetries {
			s.metrics.RecordRouteError(bucket, errors.CodeOf(err).String())
			return topology.Route{}, err
		}

		s.metrics.RecordRouteRetry(bucket)
		s.logger.Debug("No active owner, refreshing topology",
			zap.String("bucket", bucket),
			zap.Int64("rev", snap.Rev()),
			zap.Int("attempt", attempt+1))

		if sleepErr := sleepCtx(ctx, s.backoff.NextDelay(uint32(attempt))); sleepErr != nil {
			s.metrics.RecordRouteError(bucket, errors.CodeOf(err).String())
			return topology.Route{}, err
		}
		if snap, err = s.topology.Refresh(ctx, bucket); err != nil {
			s.metrics.RecordRouteError(bucket, errors.CodeOf(err).String())
			return topology.Route{}, err
		}
	}
}

// Nodes lists every node of bucket in snapshot order
func (s *LocatorService) Nodes(bucket string) ([]model.NodeInfo, error) {
	snap, err := s.topology.Current(bucket)
	if err != nil {
		return nil, err
	}
	if snap.NodeCount() == 0 {
		return nil, errors.EmptyTopology(bucket)
	}
	return snap.Nodes(), nil
}

// ReplicaNode returns the node holding replica (1..3) of key
func (s *LocatorService) ReplicaNode(bucket string, key []byte, replica int) (model.NodeInfo, error) {
	snap, err := s.topology.Current(bucket)
	if err != nil {
		return model.NodeInfo{}, err
	}
	partition, err := snap.PartitionFor(key)
	if err != nil {
		return model.NodeInfo{}, err
	}
	return snap.ReplicaNodeFor(partition, replica)
}

// ReplicaNodes returns all replica nodes of key in replica order
func (s *LocatorService) ReplicaNodes(bucket string, key []byte) ([]model.NodeInfo, error) {
	snap, err := s.topology.Current(bucket)
	if err != nil {
		return nil, err
	}
	partition, err := snap.PartitionFor(key)
	if err != nil {
		return nil, err
	}
	return snap.AllReplicas(partition)
}

// Snapshot returns the current snapshot of bucket
func (s *LocatorService) Snapshot(bucket string) (*topology.ConfigSnapshot, error) {
	return s.topology.Current(bucket)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
