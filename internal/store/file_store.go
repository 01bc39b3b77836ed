package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/topology"
)

var fileExtensions = []string{".yaml", ".yml", ".json"}

// FileTopologyStore reads <dir>/<bucket>.{yaml,yml,json} and polls for changes
type FileTopologyStore struct {
	dir          string
	pollInterval time.Duration
	logger       *zap.Logger
	watchers     *watchers
}

// NewFileTopologyStore creates a new file-backed topology store
func NewFileTopologyStore(dir string, pollInterval time.Duration, logger *zap.Logger) (*FileTopologyStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("topology path %s is not a directory", dir)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &FileTopologyStore{
		dir:          dir,
		pollInterval: pollInterval,
		logger:       logger,
		watchers:     newWatchers(),
	}, nil
}

func (s *FileTopologyStore) path(bucket string) (string, os.FileInfo, error) {
	for _, ext := range fileExtensions {
		p := filepath.Join(s.dir, bucket+ext)
		info, err := os.Stat(p)
		if err == nil {
			return p, info, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, err
		}
	}
	return "", nil, ErrNotFound
}

// Load reads and decodes the bucket's file
func (s *FileTopologyStore) Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error) {
	p, _, err := s.path(bucket)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	snap, err := topology.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	if snap.Bucket() != bucket {
		return nil, fmt.Errorf("file %s describes bucket %q, expected %q", p, snap.Bucket(), bucket)
	}
	return snap, nil
}

// Watch polls the bucket's file and pushes a snapshot whenever its
// modification time or size changes.
func (s *FileTopologyStore) Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error) {
	out := s.watchers.add(ctx, bucket)

	var lastMod time.Time
	var lastSize int64
	if _, info, err := s.path(bucket); err == nil {
		lastMod, lastSize = info.ModTime(), info.Size()
	}

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, info, err := s.path(bucket)
				if err != nil {
					continue
				}
				if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
					continue
				}
				snap, err := s.Load(ctx, bucket)
				if err != nil {
					s.logger.Warn("Failed to reload topology file",
						zap.String("bucket", bucket),
						zap.Error(err))
					continue
				}
				lastMod, lastSize = info.ModTime(), info.Size()
				s.watchers.publish(snap)
			}
		}
	}()

	return out, nil
}

// Ping checks that the directory is still readable
func (s *FileTopologyStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

// Close closes all watch channels
func (s *FileTopologyStore) Close() error {
	s.watchers.closeAll()
	return nil
}
