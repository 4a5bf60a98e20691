package reactor

import (
	"testing"

	testutil_test "github.com/aldas/n2k-aggregator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ms int64) func() int64 {
	return testutil_test.FixedMillis(ms)
}

func TestRegistry_Register_firstFreeSlot(t *testing.T) {
	r := NewRegistry(4, fixedClock(1000))

	idx, err := r.Register(10, StreamInput)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 10, r.At(idx).FD())
	assert.True(t, r.At(idx).readInterest)
	assert.False(t, r.At(idx).writeInterest)
	assert.Equal(t, int64(1500), r.At(idx).Deadline)
}

func TestRegistry_Register_writeInterestByType(t *testing.T) {
	r := NewRegistry(4, fixedClock(0))

	idx, err := r.Register(11, StreamClientSnapshot)
	require.NoError(t, err)
	assert.True(t, r.At(idx).readInterest)
	assert.True(t, r.At(idx).writeInterest)

	idx2, err := r.Register(12, StreamClientNMEA0183Stream)
	require.NoError(t, err)
	assert.False(t, r.At(idx2).readInterest)
	assert.False(t, r.At(idx2).writeInterest)
}

func TestRegistry_Register_reusesMatchingFD(t *testing.T) {
	r := NewRegistry(2, fixedClock(0))

	idx1, err := r.Register(5, StreamInput)
	require.NoError(t, err)

	idx2, err := r.Register(5, StreamOutputStream)
	require.NoError(t, err)
	assert.Equal(t, idx1, idx2)
	assert.Equal(t, StreamOutputStream, r.At(idx2).Type)
}

func TestRegistry_Register_tableFull(t *testing.T) {
	r := NewRegistry(1, fixedClock(0))

	_, err := r.Register(1, StreamInput)
	require.NoError(t, err)

	_, err = r.Register(2, StreamInput)
	assert.ErrorIs(t, err, ErrTooManyStreams)
}

func TestRegistry_Close_freesSlotForReuse(t *testing.T) {
	r := NewRegistry(2, fixedClock(0))

	idx, err := r.Register(7, StreamInput)
	require.NoError(t, err)

	r.Close(idx)
	assert.Equal(t, -1, r.At(idx).FD())

	idx2, err := r.Register(9, StreamOutputStream)
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
}

func TestRegistry_Bounds_shrinksMaxIdxOnTailClose(t *testing.T) {
	r := NewRegistry(4, fixedClock(0))

	i0, _ := r.Register(1, StreamInput)
	i1, _ := r.Register(2, StreamInput)
	i2, _ := r.Register(3, StreamInput)

	min, max := r.Bounds()
	assert.Equal(t, 0, min)
	assert.Equal(t, i2, max)

	r.Close(i2)
	_, max = r.Bounds()
	assert.Equal(t, i1, max)

	_ = i0
}

func TestRegistry_ForEach_skipsFreeSlots(t *testing.T) {
	r := NewRegistry(4, fixedClock(0))

	i0, _ := r.Register(1, StreamInput)
	i1, _ := r.Register(2, StreamInput)
	r.Close(i0)

	var seen []int
	r.ForEach(func(i int, s *Stream) {
		seen = append(seen, i)
	})
	assert.Equal(t, []int{i1}, seen)
}

func TestRegistry_CountByType(t *testing.T) {
	r := NewRegistry(4, fixedClock(0))

	r.Register(1, StreamClientSnapshot)
	r.Register(2, StreamClientSnapshot)
	r.Register(3, StreamClientJSONStream)

	assert.Equal(t, 2, r.CountByType(StreamClientSnapshot))
	assert.Equal(t, 1, r.CountByType(StreamClientJSONStream))
	assert.Equal(t, 0, r.CountByType(StreamClientNMEA0183Stream))
}

func TestRegistry_Register_assignsDistinctIDs(t *testing.T) {
	r := NewRegistry(2, fixedClock(0))

	i0, _ := r.Register(1, StreamInput)
	i1, _ := r.Register(2, StreamInput)

	assert.NotEmpty(t, r.At(i0).ID())
	assert.NotEqual(t, r.At(i0).ID(), r.At(i1).ID())
}
