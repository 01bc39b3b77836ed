package store

import (
	"context"
	"errors"
	"sync"

	"github.com/devrev/pairdb/locator/internal/topology"
)

// ErrNotFound is returned when no config exists for a bucket
var ErrNotFound = errors.New("not found")

// TopologyStore supplies bucket configurations
type TopologyStore interface {
	// Load returns the current snapshot for bucket, or ErrNotFound
	Load(ctx context.Context, bucket string) (*topology.ConfigSnapshot, error)

	// Watch pushes replacement snapshots for bucket until ctx is done, then
	// closes the channel. Slow readers only ever see the latest snapshot.
	Watch(ctx context.Context, bucket string) (<-chan *topology.ConfigSnapshot, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// SnapshotCache persists the last known snapshot per bucket across restarts
type SnapshotCache interface {
	Save(bucket string, snap *topology.ConfigSnapshot) error
	Load(bucket string) (*topology.ConfigSnapshot, error)
	Close() error
}

// watchers fans snapshots out to Watch subscribers. Each subscriber channel
// has capacity one and keeps only the newest snapshot.
type watchers struct {
	mu   sync.Mutex
	subs map[string]map[chan *topology.ConfigSnapshot]struct{}
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[string]map[chan *topology.ConfigSnapshot]struct{})}
}

func (w *watchers) add(ctx context.Context, bucket string) <-chan *topology.ConfigSnapshot {
	ch := make(chan *topology.ConfigSnapshot, 1)

	w.mu.Lock()
	if w.subs[bucket] == nil {
		w.subs[bucket] = make(map[chan *topology.ConfigSnapshot]struct{})
	}
	w.subs[bucket][ch] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.subs[bucket][ch]; ok {
			delete(w.subs[bucket], ch)
			close(ch)
		}
	}()
	return ch
}

func (w *watchers) publish(snap *topology.ConfigSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs[snap.Bucket()] {
		offerLatest(ch, snap)
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for bucket, subs := range w.subs {
		for ch := range subs {
			delete(subs, ch)
			close(ch)
		}
		delete(w.subs, bucket)
	}
}

// offerLatest replaces any pending value in ch with snap. Callers must be
// the only sender on ch.
func offerLatest(ch chan *topology.ConfigSnapshot, snap *topology.ConfigSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
