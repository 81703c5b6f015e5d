package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-dl/corvid/internal/stat"
)

func TestNewArenaSplitsIntoSegments(t *testing.T) {
	a := NewArena(100, 30, nil)

	require.Equal(t, 4, a.SegmentCount())
	assert.Equal(t, int64(100), a.TotalLength())

	var pos int64
	wantLengths := []int64{30, 30, 30, 10}
	for idx, want := range wantLengths {
		seg := a.Next(idx, idx)
		require.NotNil(t, seg)
		assert.Equal(t, idx, seg.Index)
		assert.Equal(t, pos, seg.Position)
		assert.Equal(t, want, seg.Length)
		pos += want
	}
}

func TestNewArenaUnknownLength(t *testing.T) {
	a := NewArena(0, 8*1024*1024, nil)

	require.Equal(t, 1, a.SegmentCount())
	seg := a.Claim(0)
	require.NotNil(t, seg)
	assert.Equal(t, int64(0), seg.Length)
	assert.False(t, a.Finished())
}

func TestArenaClaimLease(t *testing.T) {
	a := NewArena(100, 50, nil)

	s0 := a.Claim(0)
	require.NotNil(t, s0)
	assert.Equal(t, 0, s0.Index)

	// A repeated claim returns the existing lease.
	assert.Same(t, s0, a.Claim(0))
	assert.Same(t, s0, a.Current(0))

	s1 := a.Claim(1)
	require.NotNil(t, s1)
	assert.Equal(t, 1, s1.Index)

	// Everything is leased out.
	assert.Nil(t, a.Claim(2))
}

func TestArenaCancelReleasesLease(t *testing.T) {
	a := NewArena(100, 100, nil)

	s0 := a.Claim(0)
	require.NotNil(t, s0)
	a.Cancel(0)

	assert.Nil(t, a.Current(0))
	assert.Same(t, s0, a.Claim(1))
}

func TestArenaNextMovesLease(t *testing.T) {
	a := NewArena(150, 50, nil)
	require.NotNil(t, a.Claim(0))

	next := a.Next(0, 1)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Index)
	assert.Same(t, next, a.Current(0))

	// Segment 0 is released by the move and claimable again.
	s0 := a.Claim(1)
	require.NotNil(t, s0)
	assert.Equal(t, 0, s0.Index)
}

func TestArenaNextRefusals(t *testing.T) {
	a := NewArena(150, 50, nil)
	s0 := a.Claim(0)
	require.NotNil(t, s0)
	s1 := a.Claim(1)
	require.NotNil(t, s1)

	// Out of range.
	assert.Nil(t, a.Next(0, 3))
	assert.Nil(t, a.Next(0, -1))
	// Claimed by someone else; the old lease stays put.
	assert.Nil(t, a.Next(0, 1))
	assert.Same(t, s0, a.Current(0))

	// Completed segments are not assignable.
	a.Complete(1, s1)
	assert.Nil(t, a.Next(0, 1))
}

func TestArenaFinished(t *testing.T) {
	a := NewArena(100, 50, nil)
	s0 := a.Claim(0)
	s1 := a.Claim(1)

	assert.False(t, a.Finished())
	a.Complete(0, s0)
	assert.False(t, a.Finished())
	a.Complete(1, s1)
	assert.True(t, a.Finished())

	assert.Nil(t, a.Claim(2))
}

func TestArenaBytesWritten(t *testing.T) {
	a := NewArena(100, 50, nil)
	s0 := a.Claim(0)
	s1 := a.Claim(1)

	require.NoError(t, s0.UpdateWrittenLength(50))
	require.NoError(t, s1.UpdateWrittenLength(20))
	assert.Equal(t, int64(70), a.BytesWritten())

	// Completed segments count at full declared length.
	a.Complete(0, s0)
	assert.Equal(t, int64(70), a.BytesWritten())
}

func TestArenaDownloadSpeed(t *testing.T) {
	assert.Equal(t, int64(0), NewArena(100, 50, nil).DownloadSpeed())

	reg := stat.NewRegistry()
	a := NewArena(100, 50, reg)
	assert.Equal(t, int64(0), a.DownloadSpeed())
}
