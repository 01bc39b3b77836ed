package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/client"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/metrics"
	"github.com/devrev/pairdb/locator/internal/model"
	"github.com/devrev/pairdb/locator/internal/topology"
	"github.com/devrev/pairdb/locator/internal/util/workerpool"
)

// ConfirmState is the terminal state of a durability confirmation
type ConfirmState string

const (
	StatePending   ConfirmState = "pending"
	StateSatisfied ConfirmState = "satisfied"
	StateFailed    ConfirmState = "failed"
	StateTimedOut  ConfirmState = "timed_out"
)

// ConfirmResult reports how a confirmation ended. Reason is the error code
// name for Failed and TimedOut.
type ConfirmResult struct {
	ID            string        `json:"id"`
	Bucket        string        `json:"bucket"`
	Key           string        `json:"key"`
	Requirement   string        `json:"requirement"`
	State         ConfirmState  `json:"state"`
	Reason        string        `json:"reason,omitempty"`
	Message       string        `json:"message,omitempty"`
	Rounds        int           `json:"rounds"`
	Reresolutions int           `json:"reresolutions"`
	Elapsed       time.Duration `json:"elapsed"`

	err error
}

// Err returns the failure as a LocatorError, or nil when satisfied
func (r *ConfirmResult) Err() error {
	return r.err
}

// Done reports whether the confirmation reached a terminal state
func (r *ConfirmResult) Done() bool {
	return r.State != StatePending
}

// DurabilityConfig configures a DurabilityService
type DurabilityConfig struct {
	DefaultTimeout   time.Duration
	Backoff          *algorithm.RetryScheduler
	MaxReresolutions int
	AsyncWorkers     int
	AsyncQueueSize   int
	// ResultTTL is how long async results stay available for lookup
	ResultTTL time.Duration
}

// DurabilityService confirms that mutations reached a requested durability
// by polling the nodes that hold them.
type DurabilityService struct {
	topology   SnapshotSource
	transport  client.Transport
	calculator *algorithm.DurabilityCalculator
	cfg        DurabilityConfig
	pool       *workerpool.Pool
	results    *gocache.Cache
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// ctx scopes async confirmations; Stop cancels it
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDurabilityService creates a durability service with its async pool
func NewDurabilityService(
	source SnapshotSource,
	transport client.Transport,
	cfg DurabilityConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DurabilityService {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2500 * time.Millisecond
	}
	if cfg.Backoff == nil {
		cfg.Backoff = algorithm.DefaultRetryScheduler()
	}
	if cfg.MaxReresolutions <= 0 {
		cfg.MaxReresolutions = 10
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DurabilityService{
		ctx:        ctx,
		cancel:     cancel,
		topology:   source,
		transport:  transport,
		calculator: algorithm.NewDurabilityCalculator(),
		cfg:        cfg,
		pool: workerpool.New(workerpool.Config{
			Name:         "durability",
			MaxWorkers:   cfg.AsyncWorkers,
			QueueSize:    cfg.AsyncQueueSize,
			Logger:       logger,
			OnQueueDepth: m.UpdateAsyncQueueDepth,
		}),
		results: gocache.New(cfg.ResultTTL, time.Minute),
		metrics: m,
		logger:  logger,
	}
}

// Confirm polls until outcome meets req, fails, or timeout elapses. A zero
// timeout uses the configured default. The result is never nil; the error
// is the result's Err.
func (s *DurabilityService) Confirm(ctx context.Context, outcome model.MutationOutcome, req model.DurabilityRequirement, timeout time.Duration) (*ConfirmResult, error) {
	res := s.confirm(ctx, newConfirmID(), outcome, req, timeout)
	return res, res.Err()
}

// ConfirmAsync queues a confirmation on the worker pool. The returned
// channel yields exactly one result and is then closed; the result can also
// be fetched with Lookup until it expires. When ctx can be cancelled it
// bounds how long enqueueing waits for a free queue slot, otherwise a full
// queue is rejected at once. Confirmations still queued or running when
// the service stops end Failed with an Unavailable error.
func (s *DurabilityService) ConfirmAsync(ctx context.Context, outcome model.MutationOutcome, req model.DurabilityRequirement, timeout time.Duration) (string, <-chan *ConfirmResult, error) {
	id := newConfirmID()
	out := make(chan *ConfirmResult, 1)

	s.results.SetDefault(id, newConfirmation(id, outcome, req, timeout).res)

	complete := func(res *ConfirmResult) {
		s.results.SetDefault(id, res)
		out <- res
		close(out)
	}
	task := workerpool.Task{
		ID:      id,
		Context: s.ctx,
		Fn: func(ctx context.Context) error {
			complete(s.confirm(ctx, id, outcome, req, timeout))
			return nil
		},
		OnDrop: func(err error) {
			c := newConfirmation(id, outcome, req, timeout)
			complete(s.finish(c, StateFailed, errors.Unavailable("durability service stopped", err)))
		},
	}

	var err error
	if ctx.Done() == nil {
		err = s.pool.Submit(task)
	} else {
		err = s.pool.SubmitWithContext(ctx, task)
	}
	if err != nil {
		s.results.Delete(id)
		return "", nil, errors.TemporaryFailure("durability confirmation queue rejected the request", err)
	}
	return id, out, nil
}

// Lookup returns an async confirmation by id
func (s *DurabilityService) Lookup(id string) (*ConfirmResult, bool) {
	v, ok := s.results.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*ConfirmResult), true
}

// PoolStats exposes the async worker pool counters
func (s *DurabilityService) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// Stop cancels running async confirmations, fails the queued ones and
// waits up to timeout for the pool to drain.
func (s *DurabilityService) Stop(timeout time.Duration) error {
	s.cancel()
	return s.pool.Stop(timeout)
}

func newConfirmID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("c-%d", time.Now().UnixNano())
	}
	return id
}

// confirmation is the local state of one run of the polling state machine
type confirmation struct {
	outcome   model.MutationOutcome
	snap      *topology.ConfigSnapshot
	partition uint16
	required  algorithm.DurabilityCounts
	res       *ConfirmResult
	start     time.Time
	budget    time.Duration
	sleeps    uint32
}

func newConfirmation(id string, outcome model.MutationOutcome, req model.DurabilityRequirement, timeout time.Duration) *confirmation {
	return &confirmation{
		outcome: outcome,
		start:   time.Now(),
		budget:  timeout,
		res: &ConfirmResult{
			ID:          id,
			Bucket:      outcome.Bucket,
			Key:         string(outcome.Key),
			Requirement: req.String(),
			State:       StatePending,
		},
	}
}

func (s *DurabilityService) confirm(ctx context.Context, id string, outcome model.MutationOutcome, req model.DurabilityRequirement, timeout time.Duration) *ConfirmResult {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	c := newConfirmation(id, outcome, req, timeout)

	// Server-enforced levels were already met when the mutation succeeded.
	if req.Kind() != model.RequirementClientVerified {
		return s.finish(c, StateSatisfied, nil)
	}

	snap, err := s.topology.Current(outcome.Bucket)
	if err != nil {
		return s.finish(c, StateFailed, err)
	}
	if err := s.bind(c, snap, req); err != nil {
		return s.finish(c, StateFailed, err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug("Durability polling started",
		zap.String("id", id),
		zap.String("bucket", outcome.Bucket),
		zap.Uint16("partition", c.partition),
		zap.String("requirement", req.String()),
		zap.Int("persisted_required", c.required.Persisted),
		zap.Int("replicated_required", c.required.Replicated))

	for {
		targets, err := s.targets(c)
		stale := false
		switch {
		case err == nil:
		case stderrors.Is(err, errors.ErrNoActiveOwner):
			stale = true
		default:
			return s.finish(c, StateFailed, err)
		}

		if !stale {
			c.res.Rounds++
			observations, err := s.observeRound(ctx, c, targets)
			if err != nil {
				return s.expire(c, parent)
			}

			v := s.tally(c, observations)
			switch {
			case v.err != nil:
				return s.finish(c, StateFailed, v.err)
			case v.stale:
				stale = true
			case c.required.Met(v.counts):
				return s.finish(c, StateSatisfied, nil)
			}
		}

		if stale {
			if err := s.reresolve(ctx, c, req); err != nil {
				if ctx.Err() != nil {
					return s.expire(c, parent)
				}
				return s.finish(c, StateFailed, err)
			}
		}

		if s.cfg.Backoff.DeadlineExceeded(c.start, c.budget, time.Now()) {
			return s.finish(c, StateTimedOut, errors.DurabilityTimedOut(c.budget, c.res.Rounds))
		}
		if err := sleepCtx(ctx, s.cfg.Backoff.NextDelay(c.sleeps)); err != nil {
			return s.expire(c, parent)
		}
		c.sleeps++
	}
}

// expire ends c once its polling context is done. A cancelled parent means
// the caller or Stop gave up; anything else is the deadline.
func (s *DurabilityService) expire(c *confirmation, parent context.Context) *ConfirmResult {
	if stderrors.Is(parent.Err(), context.Canceled) {
		return s.finish(c, StateFailed, errors.Unavailable("durability confirmation cancelled", parent.Err()))
	}
	return s.finish(c, StateTimedOut, errors.DurabilityTimedOut(c.budget, c.res.Rounds))
}

// bind fixes the partition and required counts against snap
func (s *DurabilityService) bind(c *confirmation, snap *topology.ConfigSnapshot, req model.DurabilityRequirement) error {
	if snap.Kind() != model.TopologyPartitioned {
		return errors.UnsupportedTopology(string(snap.Kind()), "durability polling")
	}

	required, err := s.calculator.Required(req, snap.NumReplicas())
	if err != nil {
		return err
	}

	partition := uint16(0)
	if c.outcome.Token != nil {
		partition = c.outcome.Token.PartitionID
	} else if partition, err = snap.PartitionFor(c.outcome.Key); err != nil {
		return err
	}

	c.snap = snap
	c.required = required
	c.partition = partition
	return nil
}

// targets lists the nodes to observe this round. The active node is always
// polled; replicas only when the requirement counts beyond the active copy.
func (s *DurabilityService) targets(c *confirmation) ([]model.ObserveTarget, error) {
	active, err := c.snap.ActiveNodeFor(c.partition)
	if err != nil {
		return nil, err
	}

	base := model.ObserveTarget{
		Bucket:    c.outcome.Bucket,
		Key:       c.outcome.Key,
		Partition: c.partition,
		Token:     c.outcome.Token,
	}
	primary := base
	primary.Node = active
	targets := []model.ObserveTarget{primary}

	if !c.required.NeedsReplicas() {
		return targets, nil
	}

	slots, err := c.snap.Replicas(c.partition)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		if !slot.Assigned {
			continue
		}
		t := base
		t.Node = slot.Node
		t.Replica = slot.Number
		targets = append(targets, t)
	}
	return targets, nil
}

type observation struct {
	target model.ObserveTarget
	result *model.ObserveResult
	err    error
}

// observeRound fans out one observe per target and waits for all of them.
// It returns early with the context error once the deadline passes; late
// answers are discarded.
func (s *DurabilityService) observeRound(ctx context.Context, c *confirmation, targets []model.ObserveTarget) ([]observation, error) {
	out := make([]observation, len(targets))
	g, gctx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			start := time.Now()
			result, err := s.transport.Observe(gctx, target)
			out[i] = observation{target: target, result: result, err: err}

			role := "replica"
			if target.IsActive() {
				role = "active"
			}
			outcome := "ok"
			if err != nil {
				outcome = errors.CodeOf(err).String()
			}
			s.metrics.RecordObserve(c.outcome.Bucket, role, outcome, time.Since(start).Seconds())
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type verdict struct {
	counts algorithm.DurabilityCounts
	stale  bool
	err    error
}

// tally classifies one round. A terminal failure stops classification.
func (s *DurabilityService) tally(c *confirmation, observations []observation) verdict {
	var v verdict
	for _, o := range observations {
		if o.err != nil {
			s.logger.Warn("Observe failed, node not counted this round",
				zap.String("id", c.res.ID),
				zap.String("node", o.target.Node.KVAddress()),
				zap.Int("replica", o.target.Replica),
				zap.Int("round", c.res.Rounds),
				zap.Error(o.err))
			continue
		}
		r := o.result

		if r.NotMyPartition {
			s.logger.Warn("Observe hit a node that no longer owns the partition",
				zap.String("id", c.res.ID),
				zap.String("node", o.target.Node.KVAddress()),
				zap.Uint16("partition", c.partition),
				zap.Int64("rev", c.snap.Rev()))
			v.stale = true
			continue
		}

		persisted, replicated, err := classify(c.outcome, o.target, r)
		if err != nil {
			v.err = err
			return v
		}
		if replicated {
			v.counts.Replicated++
		}
		if persisted {
			v.counts.Persisted++
		}

		s.logger.Debug("Observe result",
			zap.String("id", c.res.ID),
			zap.String("node", o.target.Node.KVAddress()),
			zap.Int("replica", o.target.Replica),
			zap.Int("round", c.res.Rounds),
			zap.Bool("persisted", persisted),
			zap.Bool("replicated", replicated))
	}
	return v
}

// classify decides what one node's report contributes
func classify(outcome model.MutationOutcome, target model.ObserveTarget, r *model.ObserveResult) (persisted, replicated bool, err error) {
	if token := outcome.Token; token != nil {
		if r.FailedOver && r.LastSeqNo < token.SeqNo {
			return false, false, errors.MutationLost(token.PartitionID, token.SeqNo, r.LastSeqNo)
		}
		if r.PartitionUUID != 0 && r.PartitionUUID != token.PartitionUUID {
			return false, false, nil
		}
		return r.PersistedSeqNo >= token.SeqNo, r.CurrentSeqNo >= token.SeqNo, nil
	}

	if outcome.Deletion {
		if !r.KeyExists {
			return true, true, nil
		}
		return false, false, nil
	}

	if !r.KeyExists || r.CAS != outcome.CAS {
		if target.IsActive() {
			return false, false, errors.DurabilityOverwritten(string(outcome.Key), outcome.CAS, r.CAS)
		}
		// The replica has not caught up yet.
		return false, false, nil
	}
	return r.Persisted, true, nil
}

// reresolve swaps in the latest snapshot after stale routing
func (s *DurabilityService) reresolve(ctx context.Context, c *confirmation, req model.DurabilityRequirement) error {
	if c.res.Reresolutions >= s.cfg.MaxReresolutions {
		return errors.StaleTopology(c.outcome.Bucket, c.res.Reresolutions)
	}
	c.res.Reresolutions++
	s.metrics.RecordReresolution(c.outcome.Bucket)

	snap, err := s.topology.Refresh(ctx, c.outcome.Bucket)
	if err != nil {
		return err
	}
	if snap.Rev() != c.snap.Rev() {
		s.logger.Info("Re-resolved durability targets",
			zap.String("id", c.res.ID),
			zap.String("bucket", c.outcome.Bucket),
			zap.Int64("old_rev", c.snap.Rev()),
			zap.Int64("new_rev", snap.Rev()))
	}
	return s.bind(c, snap, req)
}

func (s *DurabilityService) finish(c *confirmation, state ConfirmState, err error) *ConfirmResult {
	res := c.res
	res.State = state
	res.Elapsed = time.Since(c.start)
	res.err = err
	if err != nil {
		res.Reason = errors.CodeOf(err).String()
		res.Message = err.Error()
	}

	s.metrics.RecordDurability(res.Bucket, string(state), res.Reason, res.Elapsed.Seconds(), res.Rounds)

	fields := []zap.Field{
		zap.String("id", res.ID),
		zap.String("bucket", res.Bucket),
		zap.String("state", string(state)),
		zap.Int("rounds", res.Rounds),
		zap.Int("reresolutions", res.Reresolutions),
		zap.Duration("elapsed", res.Elapsed),
	}
	if err != nil {
		s.logger.Info("Durability confirmation failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("Durability confirmation satisfied", fields...)
	}
	return res
}
