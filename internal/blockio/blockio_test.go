package blockio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/types"
)

func TestMem_NewBlockThenReadLock(t *testing.T) {
	t.Parallel()

	m := blockio.NewMem(64, 16)
	v := blockio.NoopValidator{}

	wb, err := m.NewBlock(3, v)
	require.NoError(t, err)

	copy(wb.Data, "hello")
	require.NoError(t, m.Unlock(wb))

	rb, err := m.ReadLock(3, v)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rb.Data[:5]))
	require.NoError(t, m.Unlock(rb))
}

func TestMem_OutOfRange(t *testing.T) {
	t.Parallel()

	m := blockio.NewMem(64, 4)
	_, err := m.ReadLock(4, blockio.NoopValidator{})
	require.ErrorIs(t, err, blockio.ErrOutOfRange)
}

func TestMem_WriterExcludesReader(t *testing.T) {
	t.Parallel()

	m := blockio.NewMem(32, 2)
	v := blockio.NoopValidator{}

	wb, err := m.WriteLock(0, v)
	require.NoError(t, err)

	_, err = m.TryReadLock(0, v)
	require.ErrorIs(t, err, blockio.ErrAlreadyLocked)

	require.NoError(t, m.Unlock(wb))

	rb, err := m.TryReadLock(0, v)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(rb))
}

func TestNodeValidator_DetectsMisplacedBlock(t *testing.T) {
	t.Parallel()

	nv := blockio.NodeValidator{LocOffset: 0, CRCOffset: 8}
	data := make([]byte, 16)
	nv.Prepare(types.BlockId(5), data)

	require.NoError(t, nv.Check(5, data))
	require.Error(t, nv.Check(6, data))
}

func TestNodeValidator_DetectsCorruption(t *testing.T) {
	t.Parallel()

	nv := blockio.NodeValidator{LocOffset: 0, CRCOffset: 8}
	data := make([]byte, 16)
	nv.Prepare(types.BlockId(5), data)

	data[15] ^= 0xFF

	err := nv.Check(5, data)
	require.ErrorIs(t, err, blockio.ErrChecksum)
}
