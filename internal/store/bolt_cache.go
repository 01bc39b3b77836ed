package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/devrev/pairdb/locator/internal/topology"
)

var snapshotsBucket = []byte("snapshots")

// BoltSnapshotCache stores the last known config of every bucket in a local
// bbolt file so routing can start before the topology store answers.
type BoltSnapshotCache struct {
	db *bolt.DB
}

// OpenBoltSnapshotCache opens or creates the cache file at path
func OpenBoltSnapshotCache(path string) (*BoltSnapshotCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot cache: %w", err)
	}
	return &BoltSnapshotCache{db: db}, nil
}

// Save writes snap in the terse config format
func (c *BoltSnapshotCache) Save(bucket string, snap *topology.ConfigSnapshot) error {
	data, err := topology.EncodeBucketConfig(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(bucket), data)
	})
}

// Load returns the cached snapshot or ErrNotFound
func (c *BoltSnapshotCache) Load(bucket string) (*topology.ConfigSnapshot, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(bucket))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topology.Decode(data)
}

// Close closes the cache file
func (c *BoltSnapshotCache) Close() error {
	return c.db.Close()
}
