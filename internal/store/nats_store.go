package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/topology"
)

// NATSTopologyStore keeps one JetStream key-value entry per bucket
type NATSTopologyStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NewNATSTopologyStore connects to url and opens (or creates) the kvBucket
// key-value store.
func NewNATSTopologyStore(ctx context.Context, url, kvBucket string, logger *zap.Logger) (*NATSTopologyStore, error) {
	nc, err := nats.Connect(url, nats.Name("locator"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, kvBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      kvBucket,
			Description: "bucket topology configs",
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open key-value store %s: %w", kvBucket, err)
	}

	return &NATSTopologyStore{conn: nc, kv: kv, logger: logger}, nil
}

// Load reads the bucket's entry
func (s *NATSTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	entry, err := s.kv.Get(ctx, bucket)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket config: %w", err)
	}
	return decodeEntry(entry)
}

func decodeEntry(entry jetstream.KeyValueEntry) (*topology.ConfigSnapshot, error) {
	if entry.Operation() != jetstream.KeyValuePut {
		return nil, ErrNotFound
	}
	snap, err := topology.Decode(entry.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to decode bucket config: %w", err)
	}
	return snap, nil
}

// Watch follows updates to the bucket's entry
func (s *NATSTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	w, err := s.kv.Watch(ctx, bucket, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to watch bucket config: %w", err)
	}

	out := make(chan *topology.ConfigSnapshot, 1)
	go func() {
		defer close(out)
		defer w.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				snap, err := decodeEntry(entry)
				if err != nil {
					s.logger.Warn("Ignoring bucket config update",
						zap.String("bucket", bucket),
						zap.Uint64("revision", entry.Revision()),
						zap.Error(err))
					continue
				}
				offerLatest(out, snap)
			}
		}
	}()
	return out, nil
}

// Publish writes snap as the bucket's entry
func (s *NATSTopologyStore) Publish(ctx context.Context, snap *topology.ConfigSnapshot) error {
	data, err := topology.EncodeBucketConfig(snap)
	if err != nil {
		return fmt.Errorf("failed to encode bucket config: %w", err)
	}
	if _, err := s.kv.Put(ctx, snap.Bucket(), data); err != nil {
		return fmt.Errorf("failed to put bucket config: %w", err)
	}
	return nil
}

// Ping checks the NATS connection
func (s *NATSTopologyStore) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", s.conn.Status())
	}
	return s.conn.FlushWithContext(ctx)
}

// Close drains the connection
func (s *NATSTopologyStore) Close() error {
	return s.conn.Drain()
}
