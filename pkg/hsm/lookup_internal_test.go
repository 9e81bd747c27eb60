package hsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/types"
)

// TestLookup_NonBlockingReturnsErrWouldBlockUnderContention exercises
// Lookup's mayBlock=false path from inside the package, where h.mu is
// reachable directly: holding the write lock the way Insert/Commit do
// for the duration of a mutation must make a concurrent non-blocking
// Lookup report ErrWouldBlock instead of waiting, while a blocking
// Lookup would (correctly) have to wait for it.
func TestLookup_NonBlockingReturnsErrWouldBlockUnderContention(t *testing.T) {
	t.Parallel()

	cache := blockio.NewMem(512, 1000)

	h, err := Open(t.Name(), cache, 8, 1000)
	require.NoError(t, err)
	defer h.Close()

	dev := types.DevId(1)
	ob := types.NewOBlock(1)

	_, _, err = h.Insert(dev, ob)
	require.NoError(t, err)

	h.mu.Lock()
	_, _, _, err = h.Lookup(dev, ob, false)
	h.mu.Unlock()

	require.ErrorIs(t, err, ErrWouldBlock)

	// Once the writer releases the lock, the same non-blocking call
	// succeeds normally.
	_, _, found, err := h.Lookup(dev, ob, false)
	require.NoError(t, err)
	require.True(t, found)
}
