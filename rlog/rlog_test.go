package rlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redox-os/ralloc/block"
	"github.com/redox-os/ralloc/rerrors"
)

func TestTrackAllocThenFreeClearsLiveSet(t *testing.T) {
	lt := NewLeakTable()

	b := block.New(100, 64)
	lt.TrackAlloc(b)
	require.Len(t, lt.Live(), 1)

	ok := lt.TrackFree(b)
	require.True(t, ok)
	require.Empty(t, lt.Live())
}

func TestTrackFreeUnknownBaseReturnsFalse(t *testing.T) {
	lt := NewLeakTable()

	ok := lt.TrackFree(block.New(200, 32))
	require.False(t, ok)
}

func TestTrackFreeEmptyBlockIsNoop(t *testing.T) {
	lt := NewLeakTable()

	ok := lt.TrackFree(block.Block{})
	require.True(t, ok)
}

func TestTrackFreeWrongSizePanics(t *testing.T) {
	lt := NewLeakTable()

	b := block.New(100, 64)
	lt.TrackAlloc(b)

	defer func() {
		r := recover()
		require.NotNil(t, r)

		rerr, ok := r.(*rerrors.Error)
		require.True(t, ok)
		require.Equal(t, "WRONG_FREE_SIZE", rerr.Code)

		// The mismatched free must not have removed the live entry: the
		// caller's bug, not the allocator's bookkeeping, is what's wrong.
		require.Len(t, lt.Live(), 1)
	}()

	lt.TrackFree(block.New(100, 32))
}

func TestLiveSnapshotReflectsMultipleAllocs(t *testing.T) {
	lt := NewLeakTable()

	lt.TrackAlloc(block.New(100, 10))
	lt.TrackAlloc(block.New(200, 20))

	require.Len(t, lt.Live(), 2)

	lt.TrackFree(block.New(100, 10))
	require.Len(t, lt.Live(), 1)
	require.Equal(t, block.New(200, 20), lt.Live()[0])
}
