package hsm_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/hsm"
	"github.com/blockcache/dmcache/pkg/types"
)

const testBlockSize = 512

func newTestCache(t *testing.T, nrBlocks types.BlockId) blockio.BlockCache {
	t.Helper()

	return blockio.NewMem(testBlockSize, nrBlocks)
}

func TestOpen_CreatesOnAllZeroSuperblock(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(8), h.GetDataBlockSize())
	require.Equal(t, types.BlockId(1000), h.GetDataDevSize())
	require.Equal(t, types.BlockId(0), h.GetProvisionedBlocks())

	require.NoError(t, h.Close())
}

func TestOpen_SameBdevSharesHandleViaRefcount(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)
	name := t.Name()

	h1, err := hsm.Open(name, cache, 8, 1000)
	require.NoError(t, err)

	h2, err := hsm.Open(name, cache, 8, 1000)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
}

func TestHandle_InsertLookupRemove(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(1)
	ob := types.NewOBlock(42)

	pb, flags, err := h.Insert(dev, ob)
	require.NoError(t, err)
	require.Equal(t, types.NewPBlock(0), pb)
	require.NotZero(t, flags&types.FlagDirty)

	gotPB, gotFlags, found, err := h.Lookup(dev, ob, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, pb, gotPB)
	require.Equal(t, flags, gotFlags)

	gotOB, found, err := h.LookupReverse(dev, pb)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ob, gotOB)

	require.NoError(t, h.Update(dev, ob, types.FlagUptodate))

	_, gotFlags, found, err = h.Lookup(dev, ob, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.FlagUptodate, gotFlags)

	require.NoError(t, h.Remove(dev, ob))

	_, _, found, err = h.Lookup(dev, ob, true)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = h.LookupReverse(dev, pb)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHandle_RemoveMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	err = h.Remove(types.DevId(1), types.NewOBlock(7))
	require.ErrorIs(t, err, hsm.ErrNotFound)
}

func TestHandle_InsertFailsNoSpaceAtDataDevLimit(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 2)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(1)

	_, _, err = h.Insert(dev, types.NewOBlock(0))
	require.NoError(t, err)

	_, _, err = h.Insert(dev, types.NewOBlock(1))
	require.NoError(t, err)

	_, _, err = h.Insert(dev, types.NewOBlock(2))
	require.ErrorIs(t, err, hsm.ErrNoSpace)
}

func TestHandle_CommitPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)
	name := t.Name()

	h, err := hsm.Open(name, cache, 8, 1000)
	require.NoError(t, err)

	dev := types.DevId(3)

	var pbs []types.PBlock
	for i := uint64(0); i < 20; i++ {
		pb, _, err := h.Insert(dev, types.NewOBlock(types.BlockId(i)))
		require.NoError(t, err)
		pbs = append(pbs, pb)
	}

	require.NoError(t, h.Commit())
	require.NoError(t, h.Close())

	h2, err := hsm.Open(name, cache, 8, 1000)
	require.NoError(t, err)
	defer h2.Close()

	require.Equal(t, types.BlockId(20), h2.GetProvisionedBlocks())

	for i := uint64(0); i < 20; i++ {
		pb, _, found, err := h2.Lookup(dev, types.NewOBlock(types.BlockId(i)), true)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, pbs[i], pb)
	}
}

func TestHandle_MetadataSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(5)
	_, _, err = h.Insert(dev, types.NewOBlock(1))
	require.NoError(t, err)

	id, err := h.MetadataSnapshot()
	require.NoError(t, err)

	_, _, err = h.Insert(dev, types.NewOBlock(2))
	require.NoError(t, err)

	require.NoError(t, h.DropMetadataSnapshot(id))
}

func TestHandle_ResizeDataDevRefusesShrinkBelowProvisioned(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(1)
	_, _, err = h.Insert(dev, types.NewOBlock(0))
	require.NoError(t, err)
	_, _, err = h.Insert(dev, types.NewOBlock(1))
	require.NoError(t, err)

	require.Error(t, h.ResizeDataDev(1))
	require.NoError(t, h.ResizeDataDev(5000))
	require.Equal(t, types.BlockId(5000), h.GetDataDevSize())
}

func TestHandle_InsertAtReusesPoolBlockAcrossOrigins(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, 512)

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(1)
	pb, _, err := h.Insert(dev, types.NewOBlock(1))
	require.NoError(t, err)
	require.NoError(t, h.Remove(dev, types.NewOBlock(1)))

	provisionedBefore := h.GetProvisionedBlocks()

	require.NoError(t, h.InsertAt(dev, types.NewOBlock(2), pb, types.FlagDirty))
	require.Equal(t, provisionedBefore, h.GetProvisionedBlocks())

	gotPB, gotFlags, found, err := h.Lookup(dev, types.NewOBlock(2), true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, pb, gotPB)
	require.Equal(t, types.FlagDirty, gotFlags)

	gotOB, found, err := h.LookupReverse(dev, pb)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.NewOBlock(2), gotOB)
}

// failOnFlushCache wraps a real BlockCache and injects a Flush failure
// once armed, grounded on internal/fs.Chaos's wrap-and-inject pattern
// generalized to a single manually-triggered fault instead of a random
// fault rate.
type failOnFlushCache struct {
	blockio.BlockCache
	armed atomic.Bool
}

var errInjectedFlushFailure = errors.New("injected flush failure")

func (f *failOnFlushCache) Flush() error {
	if f.armed.Load() {
		return errInjectedFlushFailure
	}

	return f.BlockCache.Flush()
}

func TestHandle_CommitFailureIsStickyAndRaisesFailedEventOnce(t *testing.T) {
	t.Parallel()

	cache := &failOnFlushCache{BlockCache: newTestCache(t, 512)}

	h, err := hsm.Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	select {
	case <-h.Failed():
		t.Fatal("Failed() closed before any commit failure")
	default:
	}

	dev := types.DevId(1)
	_, _, err = h.Insert(dev, types.NewOBlock(1))
	require.NoError(t, err)

	cache.armed.Store(true)

	err = h.Commit()
	require.ErrorIs(t, err, errInjectedFlushFailure)

	select {
	case <-h.Failed():
	case <-time.After(time.Second):
		t.Fatal("Failed() never closed after a commit failure")
	}

	_, _, _, err = h.Lookup(dev, types.NewOBlock(1), true)
	require.NoError(t, err, "Lookup is read-only and must not be rejected by the sticky flag")

	_, _, err = h.Insert(dev, types.NewOBlock(2))
	require.ErrorIs(t, err, hsm.ErrConsistencyFailure)

	// Reading Failed() again (simulating a second listener) must still
	// observe the channel already closed, not panic on a double-close.
	select {
	case <-h.Failed():
	default:
		t.Fatal("Failed() must stay closed for subsequent readers")
	}
}
