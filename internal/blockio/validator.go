package blockio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/blockcache/dmcache/pkg/types"
)

// crc32cTable is the Castagnoli table, matching the CRC used throughout
// the on-disk formats in this repo (superblock, B-tree nodes, space-map
// bitmap blocks) — the same choice the teacher's slotcache format makes
// for its own header checksum.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// NodeValidator implements the generic validator spec.md §3 describes
// for B-tree nodes and the superblock: a fixed-position 64-bit location
// field and a trailing 32-bit CRC32C over everything else in the block.
//
// LocOffset and CRCOffset are byte offsets into the block; the CRC
// covers every byte except the CRCOffset:CRCOffset+4 window.
type NodeValidator struct {
	LocOffset int
	CRCOffset int
}

func (nv NodeValidator) Prepare(loc types.BlockId, data []byte) {
	binary.LittleEndian.PutUint64(data[nv.LocOffset:], uint64(loc))
	sum := nv.checksum(data)
	binary.LittleEndian.PutUint32(data[nv.CRCOffset:], sum)
}

func (nv NodeValidator) Check(loc types.BlockId, data []byte) error {
	gotLoc := types.BlockId(binary.LittleEndian.Uint64(data[nv.LocOffset:]))
	if gotLoc != loc {
		return fmt.Errorf("%w: block read from %d but stamped with location %d", ErrChecksum, loc, gotLoc)
	}

	want := binary.LittleEndian.Uint32(data[nv.CRCOffset:])

	got := nv.checksum(data)
	if got != want {
		return fmt.Errorf("%w: block %d crc mismatch: stored=%08x computed=%08x", ErrChecksum, loc, want, got)
	}

	return nil
}

func (nv NodeValidator) checksum(data []byte) uint32 {
	h := crc32.New(crc32cTable)
	_, _ = h.Write(data[:nv.CRCOffset])

	if rest := nv.CRCOffset + 4; rest < len(data) {
		_, _ = h.Write(data[rest:])
	}

	return h.Sum32()
}
