package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ringNodes = []string{"10.0.0.1:11210", "10.0.0.2:11210", "10.0.0.3:11210"}

func TestRingPosition_KnownVectors(t *testing.T) {
	assert.Equal(t, uint32(3675831724), RingPosition([]byte("foo")))
	assert.Equal(t, uint32(708854109), RingPosition([]byte("hello")))
	assert.Equal(t, uint32(3649838548), RingPosition([]byte("")))
}

func TestNewKetamaRing(t *testing.T) {
	ring := NewKetamaRing(ringNodes)
	require.Equal(t, 480, ring.Len())

	points := ring.Points()
	assert.Equal(t, uint32(20528053), points[0])
	assert.Equal(t, uint32(4274645082), points[len(points)-1])
	assert.Equal(t, 2, ring.MaxNodeIndex())

	// first digest of the first node
	for _, p := range []uint32{1598148784, 702126831, 1526249748, 3798778517} {
		idx, ok := ring.Lookup(p)
		require.True(t, ok)
		assert.Equal(t, 0, idx)
	}
}

func TestRing_LookupKey(t *testing.T) {
	ring := NewKetamaRing(ringNodes)

	tests := map[string]int{
		"foo":        2,
		"hello":      1,
		"user::1234": 0,
		"airline_10": 1,
	}
	for key, want := range tests {
		idx, ok := ring.LookupKey([]byte(key))
		require.True(t, ok)
		assert.Equal(t, want, idx, key)
	}
}

func TestRing_WrapAround(t *testing.T) {
	ring := NewRing(map[uint32]int{100: 0, 200: 1, 300: 2})

	tests := []struct {
		pos  uint32
		want int
	}{
		{pos: 0, want: 0},
		{pos: 100, want: 0},
		{pos: 101, want: 1},
		{pos: 250, want: 2},
		{pos: 300, want: 2},
		{pos: 301, want: 0},
		{pos: ^uint32(0), want: 0},
	}
	for _, tt := range tests {
		idx, ok := ring.Lookup(tt.pos)
		require.True(t, ok)
		assert.Equal(t, tt.want, idx, "pos %d", tt.pos)
	}
}

func TestRing_Empty(t *testing.T) {
	ring := NewRing(nil)
	_, ok := ring.Lookup(42)
	assert.False(t, ok)
	assert.Equal(t, -1, ring.MaxNodeIndex())
}

func TestRing_AlwaysReturnsKnownNode(t *testing.T) {
	ring := NewKetamaRing(ringNodes)
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		idx, ok := ring.LookupKey(key)
		require.True(t, ok)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, len(ringNodes))

		again, _ := ring.LookupKey(key)
		assert.Equal(t, idx, again)
	}
}
