package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/devrev/pairdb/locator/internal/algorithm"
	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
)

// Transport sends mutations and observe checks to individual nodes
type Transport interface {
	Send(ctx context.Context, node model.NodeInfo, req *model.MutationRequest) (*model.MutationResponse, error)
	Observe(ctx context.Context, target model.ObserveTarget) (*model.ObserveResult, error)
	Close() error
}

// KVClientConfig configures the gRPC transport
type KVClientConfig struct {
	// RequestTimeout bounds a single call to one node
	RequestTimeout time.Duration
	// ObserveAttempts bounds transient retries of one observe call
	ObserveAttempts int
	// RetryBackoff spaces observe retries
	RetryBackoff *algorithm.RetryScheduler
	// KeepaliveTime pings idle connections
	KeepaliveTime time.Duration
	// DialOptions are appended to the defaults; tests use them to inject bufconn
	DialOptions []grpc.DialOption
}

// KVClient is a Transport over gRPC with one connection per node address
type KVClient struct {
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	cfg         KVClientConfig
	logger      *zap.Logger
}

// NewKVClient creates a new kv client
func NewKVClient(cfg KVClientConfig, logger *zap.Logger) *KVClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.ObserveAttempts <= 0 {
		cfg.ObserveAttempts = 3
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = algorithm.DefaultRetryScheduler()
	}
	return &KVClient{
		connections: make(map[string]*grpc.ClientConn),
		cfg:         cfg,
		logger:      logger,
	}
}

// Send issues a mutation to node. Mutations are not retried here.
func (c *KVClient) Send(ctx context.Context, node model.NodeInfo, req *model.MutationRequest) (*model.MutationResponse, error) {
	conn, err := c.getConnection(node.KVAddress())
	if err != nil {
		return nil, err
	}

	// Set timeout
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp := new(model.MutationResponse)
	if err := conn.Invoke(ctx, mutateMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, wrapRPCError(node, "mutate", err)
	}
	return resp, nil
}

// Observe checks a key on one node, retrying transient failures within the
// configured attempt budget.
func (c *KVClient) Observe(ctx context.Context, target model.ObserveTarget) (*model.ObserveResult, error) {
	conn, err := c.getConnection(target.Node.KVAddress())
	if err != nil {
		return nil, err
	}

	req := &ObserveRequest{
		Bucket:    target.Bucket,
		Key:       target.Key,
		Partition: target.Partition,
		Replica:   target.Replica,
		Token:     target.Token,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.ObserveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(c.cfg.RetryBackoff.NextDelay(uint32(attempt - 1))):
			}
		}

		resp, err := c.observeOnce(ctx, conn, req)
		if err == nil {
			resp.Node = target.Node
			return resp, nil
		}
		lastErr = wrapRPCError(target.Node, "observe", err)
		if !errors.IsTransient(lastErr) || ctx.Err() != nil {
			return nil, lastErr
		}
		c.logger.Debug("Retrying observe",
			zap.String("node", target.Node.KVAddress()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (c *KVClient) observeOnce(ctx context.Context, conn *grpc.ClientConn, req *ObserveRequest) (*model.ObserveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp := new(model.ObserveResult)
	if err := conn.Invoke(ctx, observeMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// getConnection returns or creates a gRPC connection
func (c *KVClient) getConnection(addr string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, exists := c.connections[addr]
	c.mu.RUnlock()

	if exists {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if conn, exists := c.connections[addr]; exists {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if c.cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.KeepaliveTime,
			Timeout:             c.cfg.RequestTimeout,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, c.cfg.DialOptions...)

	conn, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("failed to connect to %s", addr), err)
	}

	c.connections[addr] = conn
	return conn, nil
}

// Close closes every node connection
func (c *KVClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.connections, addr)
	}
	return firstErr
}

// wrapRPCError turns a gRPC failure into a LocatorError, keeping the status
// as the cause so transient classification still sees the code.
func wrapRPCError(node model.NodeInfo, op string, err error) error {
	if _, ok := err.(*errors.LocatorError); ok {
		return err
	}
	msg := fmt.Sprintf("%s on %s failed", op, node.KVAddress())
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return errors.Unavailable(msg, err).WithDetail("node", node.KVAddress())
	case codes.ResourceExhausted:
		return errors.TemporaryFailure(msg, err).WithDetail("node", node.KVAddress())
	case codes.InvalidArgument:
		return errors.InvalidArgument(msg, err).WithDetail("node", node.KVAddress())
	default:
		return errors.InternalError(msg, err).WithDetail("node", node.KVAddress())
	}
}
