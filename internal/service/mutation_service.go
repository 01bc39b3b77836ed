package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/client"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/model"
)

// MutationResult is a successful mutation and, when durability was
// requested, how its confirmation ended.
type MutationResult struct {
	Outcome    model.MutationOutcome
	Durability *ConfirmResult
}

// MutationService routes a mutation to its active node and then confirms
// the requested durability.
type MutationService struct {
	locator     *LocatorService
	topology    SnapshotSource
	transport   client.Transport
	durability  *DurabilityService
	maxReroutes int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewMutationService creates a mutation service. maxReroutes bounds how
// often a NOT_MY_VBUCKET reply is retried against a refreshed snapshot.
func NewMutationService(
	locator *LocatorService,
	source SnapshotSource,
	transport client.Transport,
	durability *DurabilityService,
	maxReroutes int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MutationService {
	if maxReroutes < 0 {
		maxReroutes = 0
	}
	return &MutationService{
		locator:     locator,
		topology:    source,
		transport:   transport,
		durability:  durability,
		maxReroutes: maxReroutes,
		metrics:     m,
		logger:      logger,
	}
}

// Mutate sends req and waits for its durability requirement
func (s *MutationService) Mutate(ctx context.Context, req *model.MutationRequest) (*MutationResult, error) {
	if err := validateMutation(req); err != nil {
		return nil, err
	}
	// Sync levels are enforced by the node, so the level travels with the
	// mutation and a SUCCESS reply already means it was met.
	req.DurabilityLevel = model.LevelNone
	if req.Requirement.Kind() == model.RequirementSyncLevel {
		req.DurabilityLevel = req.Requirement.Level()
	}

	var (
		resp *model.MutationResponse
		node model.NodeInfo
	)
	for attempt := 0; ; attempt++ {
		route, err := s.locator.RouteKey(ctx, req.Bucket, req.Key)
		if err != nil {
			return nil, err
		}
		req.Partition = route.Partition
		node = route.Active

		resp, err = s.transport.Send(ctx, node, req)
		if err != nil {
			s.metrics.RecordMutation(req.Bucket, string(req.Kind), errors.CodeOf(err).String())
			return nil, err
		}
		if resp.Status != model.StatusNotMyPartition {
			break
		}

		s.metrics.RecordMutation(req.Bucket, string(req.Kind), string(resp.Status))
		if attempt >= s.maxReroutes {
			return nil, errors.StaleTopology(req.Bucket, attempt)
		}
		s.logger.Warn("Mutation rejected by non-owner, refreshing topology",
			zap.String("bucket", req.Bucket),
			zap.String("node", node.KVAddress()),
			zap.Uint16("partition", req.Partition),
			zap.Int("attempt", attempt+1))
		if _, err := s.topology.Refresh(ctx, req.Bucket); err != nil {
			return nil, err
		}
	}

	s.metrics.RecordMutation(req.Bucket, string(req.Kind), string(resp.Status))
	if err := statusError(req, node, resp.Status); err != nil {
		return nil, err
	}

	result := &MutationResult{
		Outcome: model.MutationOutcome{
			Bucket:   req.Bucket,
			Key:      req.Key,
			CAS:      resp.CAS,
			Token:    resp.Token,
			Node:     node,
			Deletion: req.Kind.IsDeletion(),
		},
	}
	if req.Requirement.IsNone() {
		return result, nil
	}

	confirm, err := s.durability.Confirm(ctx, result.Outcome, req.Requirement, req.Timeout)
	result.Durability = confirm
	if err != nil {
		return result, err
	}
	return result, nil
}

func validateMutation(req *model.MutationRequest) error {
	switch {
	case req == nil:
		return errors.InvalidArgument("mutation request is required", nil)
	case req.Bucket == "":
		return errors.InvalidArgument("bucket is required", nil)
	case len(req.Key) == 0:
		return errors.InvalidArgument("key is required", nil)
	case !req.Kind.Valid():
		return errors.InvalidArgument(fmt.Sprintf("unknown mutation kind %q", req.Kind), nil)
	}
	return nil
}

// statusError maps a node status to the error the caller sees
func statusError(req *model.MutationRequest, node model.NodeInfo, status model.MutationStatus) error {
	key := string(req.Key)
	switch status {
	case model.StatusSuccess:
		return nil
	case model.StatusNotFound:
		return errors.DocumentNotFound(key)
	case model.StatusExists:
		return errors.DocumentExists(key)
	case model.StatusLocked:
		if req.Kind == model.MutationRemove || req.Kind == model.MutationReplace {
			return errors.DocumentExists(key)
		}
		return errors.TemporaryFailure(fmt.Sprintf("document %q is locked", key), nil)
	case model.StatusTemporaryFailure, model.StatusServerBusy:
		return errors.TemporaryFailure(fmt.Sprintf("node busy for document %q", key), nil)
	case model.StatusOutOfMemory:
		return errors.OutOfMemory(node.KVAddress())
	default:
		return errors.InternalError(fmt.Sprintf("unexpected mutation status %q", status), nil)
	}
}
