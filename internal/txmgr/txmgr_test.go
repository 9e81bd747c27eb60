package txmgr_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/internal/txmgr"
	"github.com/blockcache/dmcache/pkg/btree"
	"github.com/blockcache/dmcache/pkg/spacemap"
	"github.com/blockcache/dmcache/pkg/types"
)

func newTestManager(t *testing.T, nrBlocks types.BlockId) (*txmgr.TransactionManager, *spacemap.SpaceMap) {
	t.Helper()

	cache := blockio.NewMem(256, nrBlocks)
	sm := spacemap.New(cache, nrBlocks, 0, nrBlocks)
	v := blockio.NodeValidator{LocOffset: int(cache.BlockSize()) - 12, CRCOffset: int(cache.BlockSize()) - 4}

	tm := txmgr.New(cache, sm, v)

	return tm, sm
}

func u64Value(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return buf
}

func valueType() btree.ValueType {
	return btree.ValueType{
		Size:  8,
		Copy:  func(dst, src []byte) { copy(dst, src) },
		Del:   func([]byte) error { return nil },
		Equal: func(a, b []byte) bool { return string(a) == string(b) },
	}
}

func TestTransactionManager_NewBlockShadowCommit(t *testing.T) {
	t.Parallel()

	tm, sm := newTestManager(t, 64)
	require.NoError(t, tm.Begin())

	loc, data, err := tm.NewBlock()
	require.NoError(t, err)
	copy(data, "hello")
	require.NoError(t, tm.Commit(loc, data))

	count, err := sm.GetCount(loc)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	require.NoError(t, tm.CommitTransaction())
}

func TestTransactionManager_ShadowOfUniquelyOwnedSkipsCopy(t *testing.T) {
	t.Parallel()

	tm, _ := newTestManager(t, 64)
	require.NoError(t, tm.Begin())

	loc, data, err := tm.NewBlock()
	require.NoError(t, err)
	require.NoError(t, tm.Commit(loc, data))

	shadowLoc, _, incChildren, err := tm.Shadow(loc)
	require.NoError(t, err)
	require.Equal(t, loc, shadowLoc, "refcount-1 block should be shadowed in place")
	require.False(t, incChildren)
}

func TestTransactionManager_BTreeRoundTrip(t *testing.T) {
	t.Parallel()

	tm, _ := newTestManager(t, 256)
	require.NoError(t, tm.Begin())

	tree := btree.New(valueType())

	root, err := tree.Empty(tm)
	require.NoError(t, err)

	for i := uint64(0); i < 50; i++ {
		root, err = tree.Insert(tm, root, i, u64Value(i*2))
		require.NoError(t, err)
	}

	require.NoError(t, tm.CommitTransaction())

	for i := uint64(0); i < 50; i++ {
		v, found, err := tree.LookupEqual(tm, root, i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i*2, binary.LittleEndian.Uint64(v))
	}
}

func TestTransactionManager_NonBlockingCloneSeesCommittedData(t *testing.T) {
	t.Parallel()

	tm, _ := newTestManager(t, 64)
	require.NoError(t, tm.Begin())

	loc, data, err := tm.NewBlock()
	require.NoError(t, err)
	copy(data, "committed")
	require.NoError(t, tm.Commit(loc, data))
	require.NoError(t, tm.CommitTransaction())

	clone := tm.NonBlockingClone()

	got, err := clone.ReadNode(loc)
	require.NoError(t, err)
	require.Equal(t, "committed", string(got[:len("committed")]))
}
