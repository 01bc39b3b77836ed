package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/topology"
)

// PostgresNotifyChannel carries the bucket name of every changed config
const PostgresNotifyChannel = "bucket_config_changes"

const createBucketConfigsTable = `
	CREATE TABLE IF NOT EXISTS bucket_configs (
		bucket     TEXT PRIMARY KEY,
		rev        BIGINT NOT NULL,
		config     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresTopologyStore reads bucket configs from the bucket_configs table
// and follows changes with LISTEN/NOTIFY.
type PostgresTopologyStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTopologyStore creates a new PostgreSQL topology store
func NewPostgresTopologyStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresTopologyStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresTopologyStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema creates the bucket_configs table if missing
func (s *PostgresTopologyStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createBucketConfigsTable); err != nil {
		return fmt.Errorf("failed to create bucket_configs: %w", err)
	}
	return nil
}

// Load reads the bucket's config row
func (s *PostgresTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	query := `
		SELECT config
		FROM bucket_configs
		WHERE bucket = $1
	`

	var config string
	err := s.pool.QueryRow(ctx, query, bucket).Scan(&config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket config: %w", err)
	}

	snap, err := topology.Decode([]byte(config))
	if err != nil {
		return nil, fmt.Errorf("failed to decode bucket config: %w", err)
	}
	return snap, nil
}

// Watch holds one pooled connection listening on PostgresNotifyChannel and
// reloads the bucket whenever a notification names it.
func (s *PostgresTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PostgresNotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen for bucket changes: %w", err)
	}

	out := make(chan *topology.ConfigSnapshot, 1)
	go func() {
		defer close(out)
		defer conn.Release()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Stopped listening for bucket changes",
						zap.String("bucket", bucket),
						zap.Error(err))
				}
				return
			}
			if notification.Payload != bucket {
				continue
			}
			snap, err := s.Load(ctx, bucket)
			if err != nil {
				s.logger.Warn("Failed to reload bucket config",
					zap.String("bucket", bucket),
					zap.Error(err))
				continue
			}
			offerLatest(out, snap)
		}
	}()
	return out, nil
}

// Save upserts snap when its rev is newer than the stored one and notifies
// listeners in the same transaction.
func (s *PostgresTopologyStore) Save(ctx context.Context, snap *topology.ConfigSnapshot) error {
	data, err := topology.EncodeBucketConfig(snap)
	if err != nil {
		return fmt.Errorf("failed to encode bucket config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO bucket_configs (bucket, rev, config, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bucket) DO UPDATE
		SET rev = EXCLUDED.rev, config = EXCLUDED.config, updated_at = now()
		WHERE bucket_configs.rev < EXCLUDED.rev
	`
	tag, err := tx.Exec(ctx, query, snap.Bucket(), snap.Rev(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save bucket config: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", PostgresNotifyChannel, snap.Bucket()); err != nil {
			return fmt.Errorf("failed to notify bucket change: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Ping checks the database connection
func (s *PostgresTopologyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresTopologyStore) Close() error {
	s.pool.Close()
	return nil
}
