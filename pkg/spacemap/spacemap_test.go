package spacemap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/spacemap"
	"github.com/blockcache/dmcache/pkg/types"
)

func newTestMap(t *testing.T, nrBlocks types.BlockId) *spacemap.SpaceMap {
	t.Helper()

	cache := blockio.NewMem(512, nrBlocks)

	return spacemap.New(cache, nrBlocks, 0, nrBlocks)
}

func TestAlloc_BootstrapIsBumpAllocator(t *testing.T) {
	t.Parallel()

	sm := newTestMap(t, 4)

	for i := types.BlockId(0); i < 4; i++ {
		b, err := sm.Alloc()
		require.NoError(t, err)
		require.Equal(t, i, b)
	}

	_, err := sm.Alloc()
	require.ErrorIs(t, err, spacemap.ErrNoSpace)
}

func TestAlloc_RefusesReuseOfBlockFreedThisTransaction(t *testing.T) {
	t.Parallel()

	sm := newTestMap(t, 2)

	a, err := sm.Alloc()
	require.NoError(t, err)
	b, err := sm.Alloc()
	require.NoError(t, err)

	sm.EndBootstrap()
	// Commit so both allocations belong to an earlier transaction.
	sm.Commit()
	require.NoError(t, sm.Dec(a))
	require.NoError(t, sm.Dec(b))

	count, err := sm.GetCount(a)
	require.NoError(t, err)
	require.Zero(t, count)

	// Both blocks are free in ll, but old_ll (snapshot at the start of
	// this transaction) still shows them allocated, so Alloc must not
	// hand either back out before Commit.
	_, err = sm.Alloc()
	require.ErrorIs(t, err, spacemap.ErrNoSpace)

	sm.Commit()

	got, err := sm.Alloc()
	require.NoError(t, err)
	require.Contains(t, []types.BlockId{a, b}, got)
}

func TestIncDec_TracksReferenceCount(t *testing.T) {
	t.Parallel()

	sm := newTestMap(t, 4)

	b, err := sm.Alloc()
	require.NoError(t, err)
	sm.EndBootstrap()

	count, err := sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	require.NoError(t, sm.Inc(b))

	count, err = sm.GetCount(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	require.NoError(t, sm.Dec(b))
	require.NoError(t, sm.Dec(b))

	count, err = sm.GetCount(b)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestGetCount_OutOfRangeBlockIsNoSpace(t *testing.T) {
	t.Parallel()

	sm := newTestMap(t, 4)

	_, err := sm.GetCount(100)
	require.ErrorIs(t, err, spacemap.ErrNoSpace)
}

func TestCommit_ResetsAllocatedThisTransactionCounter(t *testing.T) {
	t.Parallel()

	sm := newTestMap(t, 4)

	_, err := sm.Alloc()
	require.NoError(t, err)
	_, err = sm.Alloc()
	require.NoError(t, err)
	require.Equal(t, 2, sm.AllocatedThisTransaction())

	sm.Commit()
	require.Zero(t, sm.AllocatedThisTransaction())
}

func TestEncodeDecodeRoot_RoundTrips(t *testing.T) {
	t.Parallel()

	root := spacemap.Root{NrBlocks: 1000, NrAllocated: 42, OverflowEntries: 3}

	got, err := spacemap.DecodeRoot(spacemap.EncodeRoot(root))
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func TestDecodeRoot_RejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()

	_, err := spacemap.DecodeRoot([]byte{1, 2, 3})
	require.Error(t, err)
}
