package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/topology"
)

const (
	redisConfigKeyPrefix = "locator:bucket:"
	redisChannelPrefix   = "locator:bucket-updates:"
)

// RedisTopologyStore reads bucket configs from Redis keys and follows
// updates on a pub/sub channel per bucket. A message carries either the
// full config or nothing, in which case the key is re-read.
type RedisTopologyStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTopologyStore creates a new Redis topology store
func NewRedisTopologyStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisTopologyStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisTopologyStoreWithClient(client, logger), nil
}

// NewRedisTopologyStoreWithClient wraps an existing client
func NewRedisTopologyStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisTopologyStore {
	return &RedisTopologyStore{
		client: client,
		logger: logger,
	}
}

func configKey(bucket string) string {
	return redisConfigKeyPrefix + bucket
}

func updatesChannel(bucket string) string {
	return redisChannelPrefix + bucket
}

// Load reads and decodes the bucket's config key
func (s *RedisTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	data, err := s.client.Get(ctx, configKey(bucket)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket config: %w", err)
	}
	snap, err := topology.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bucket config: %w", err)
	}
	return snap, nil
}

// Watch subscribes to the bucket's update channel
func (s *RedisTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	pubsub := s.client.Subscribe(ctx, updatesChannel(bucket))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to bucket updates: %w", err)
	}

	out := make(chan *topology.ConfigSnapshot, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				snap, err := s.decodeMessage(ctx, bucket, msg.Payload)
				if err != nil {
					s.logger.Warn("Ignoring bucket config update",
						zap.String("bucket", bucket),
						zap.Error(err))
					continue
				}
				offerLatest(out, snap)
			}
		}
	}()
	return out, nil
}

func (s *RedisTopologyStore) decodeMessage(ctx context.Context, bucket, payload string) (*topology.ConfigSnapshot, error) {
	if payload == "" {
		return s.Load(ctx, bucket)
	}
	return topology.Decode([]byte(payload))
}

// Publish stores snap under the bucket's key and announces it to watchers
func (s *RedisTopologyStore) Publish(ctx context.Context, snap *topology.ConfigSnapshot) error {
	data, err := topology.EncodeBucketConfig(snap)
	if err != nil {
		return fmt.Errorf("failed to encode bucket config: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, configKey(snap.Bucket()), data, 0)
	pipe.Publish(ctx, updatesChannel(snap.Bucket()), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish bucket config: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisTopologyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisTopologyStore) Close() error {
	return s.client.Close()
}
