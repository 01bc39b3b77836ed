package algorithm

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	// KetamaDigestsPerNode is the number of MD5 digests generated per node
	KetamaDigestsPerNode = 40
	// KetamaPointsPerDigest is the number of ring points cut from each digest
	KetamaPointsPerDigest = 4
)

// RingPosition returns the ketama position of a key: the first four MD5
// digest bytes read little-endian.
func RingPosition(key []byte) uint32 {
	digest := md5.Sum(key)
	return binary.LittleEndian.Uint32(digest[:4])
}

// Ring is an immutable ketama ring mapping positions to node indexes
type Ring struct {
	points []uint32       // Sorted ring positions
	owners map[uint32]int // Position -> node index
}

// NewKetamaRing builds the ring for nodes given as host:port strings. The
// index of each address in the slice is the value returned by Lookup.
// When two nodes produce the same point the later node owns it.
func NewKetamaRing(addresses []string) *Ring {
	owners := make(map[uint32]int, len(addresses)*KetamaDigestsPerNode*KetamaPointsPerDigest)
	for idx, addr := range addresses {
		for i := 0; i < KetamaDigestsPerNode; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", addr, i)))
			for h := 0; h < KetamaPointsPerDigest; h++ {
				owners[binary.LittleEndian.Uint32(digest[h*4:h*4+4])] = idx
			}
		}
	}
	return NewRing(owners)
}

// NewRing builds a ring from explicit points
func NewRing(owners map[uint32]int) *Ring {
	r := &Ring{
		points: make([]uint32, 0, len(owners)),
		owners: make(map[uint32]int, len(owners)),
	}
	for pos, idx := range owners {
		r.points = append(r.points, pos)
		r.owners[pos] = idx
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	return r
}

// Lookup returns the node owning the smallest point >= pos, wrapping to the
// smallest point when pos is past the end of the ring.
func (r *Ring) Lookup(pos uint32) (int, bool) {
	if len(r.points) == 0 {
		return 0, false
	}

	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= pos
	})

	// Wrap around if necessary
	if idx >= len(r.points) {
		idx = 0
	}

	return r.owners[r.points[idx]], true
}

// LookupKey hashes key and looks up its owner
func (r *Ring) LookupKey(key []byte) (int, bool) {
	return r.Lookup(RingPosition(key))
}

// Len returns the number of points on the ring
func (r *Ring) Len() int {
	return len(r.points)
}

// Points returns a copy of the sorted ring positions
func (r *Ring) Points() []uint32 {
	out := make([]uint32, len(r.points))
	copy(out, r.points)
	return out
}

// MaxNodeIndex returns the largest node index referenced by the ring, or -1
func (r *Ring) MaxNodeIndex() int {
	max := -1
	for _, idx := range r.owners {
		if idx > max {
			max = idx
		}
	}
	return max
}
