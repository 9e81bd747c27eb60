package spacemap

import (
	"encoding/binary"
	"fmt"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/types"
)

// packedBitmapHeader occupies the first bitmapHeaderSize bytes of every
// bitmap block: location (8), crc (4), generation (8), padding. The
// remaining bytes hold 4 blocks' worth of 2-bit counters per byte.
const (
	bitmapDataOffset = bitmapHeaderSize
)

// countersPerBlock returns how many 2-bit counters fit in one
// blockSize-byte bitmap block after the header.
func countersPerBlock(blockSize int) int {
	return (blockSize - bitmapDataOffset) * 4
}

// nrBitmapBlocks returns how many bitmap blocks are needed to cover
// nrBlocks counters at the given block size.
func nrBitmapBlocks(nrBlocks types.BlockId, blockSize int) types.BlockId {
	perBlock := countersPerBlock(blockSize)
	if perBlock <= 0 {
		return 0
	}

	n := (int64(nrBlocks) + int64(perBlock) - 1) / int64(perBlock)

	return types.BlockId(n)
}

// Persist writes the full bitmap and overflow table to consecutive
// blocks of cache starting at base, and returns the Root to embed in
// the superblock. This is the space map's half of spec.md §4.1's
// pre_commit: "serialise the space-map root into the caller-supplied
// region of the superblock"; the root here additionally records where
// the bitmap/overflow blocks live so a reopen can reload them.
func (sm *SpaceMap) Persist(cache blockio.BlockCache, base types.BlockId) (Root, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	blockSize := cache.BlockSize()
	nBitmap := nrBitmapBlocks(sm.nrBlocks, blockSize)
	perBlock := countersPerBlock(blockSize)

	for i := types.BlockId(0); i < nBitmap; i++ {
		loc := base + i

		wb, err := cache.WriteLock(loc, sm.validator)
		if err != nil {
			wb, err = cache.NewBlock(loc, sm.validator)
		}

		if err != nil {
			return Root{}, fmt.Errorf("spacemap: persist bitmap block %d: %w", loc, err)
		}

		start := int(i) * perBlock
		end := start + perBlock

		if end > len(sm.ll.counts) {
			end = len(sm.ll.counts)
		}

		packCounters(wb.Data[bitmapDataOffset:], sm.ll.counts[start:end])

		sm.validator.Prepare(loc, wb.Data)

		if err := cache.Unlock(wb); err != nil {
			return Root{}, fmt.Errorf("spacemap: persist bitmap block %d: %w", loc, err)
		}
	}

	overflowBase := base + nBitmap

	if err := sm.overflow.persist(cache, overflowBase, sm.validator); err != nil {
		return Root{}, err
	}

	root := sm.serializeRootLocked()
	root.OverflowEntries = uint64(sm.overflow.len())

	return root, nil
}

// Reload rebuilds a SpaceMap's bitmap and overflow table from blocks
// previously written by Persist at the same base location. Used by
// pkg/hsm.open's non-bootstrap path.
func Reload(cache blockio.BlockCache, nrBlocks types.BlockId, base types.BlockId, root Root) (*SpaceMap, error) {
	sm := New(cache, nrBlocks, 0, 0)
	sm.bootstrap = false

	blockSize := cache.BlockSize()
	nBitmap := nrBitmapBlocks(nrBlocks, blockSize)
	perBlock := countersPerBlock(blockSize)

	for i := types.BlockId(0); i < nBitmap; i++ {
		loc := base + i

		rb, err := cache.ReadLock(loc, sm.validator)
		if err != nil {
			return nil, fmt.Errorf("spacemap: reload bitmap block %d: %w", loc, err)
		}

		start := int(i) * perBlock
		end := start + perBlock

		if end > len(sm.ll.counts) {
			end = len(sm.ll.counts)
		}

		unpackCounters(rb.Data[bitmapDataOffset:], sm.ll.counts[start:end])

		if err := cache.Unlock(rb); err != nil {
			return nil, err
		}
	}

	overflowBase := base + nBitmap

	ot, err := loadOverflowTable(cache, overflowBase, int(root.OverflowEntries), sm.validator)
	if err != nil {
		return nil, err
	}

	sm.overflow = ot
	sm.oldLL = sm.ll.clone()

	return sm, nil
}

func (sm *SpaceMap) serializeRootLocked() Root {
	var allocated uint64

	for _, c := range sm.ll.counts {
		if c != rcZero {
			allocated++
		}
	}

	return Root{
		NrBlocks:    uint64(sm.nrBlocks),
		NrAllocated: allocated,
	}
}

// packCounters packs 2-bit counters 4-to-a-byte, little-endian within
// each byte (spec.md §3/§6: "two-bit per entry, little-endian within
// 64-bit words" — simplified here to byte granularity, which is
// bit-layout-compatible at the byte level).
func packCounters(dst []byte, counters []uint8) {
	for i, c := range counters {
		byteIdx := i / 4
		shift := uint((i % 4) * 2)
		dst[byteIdx] &^= 0x3 << shift
		dst[byteIdx] |= (c & 0x3) << shift
	}
}

func unpackCounters(src []byte, dst []uint8) {
	for i := range dst {
		byteIdx := i / 4
		shift := uint((i % 4) * 2)
		dst[i] = (src[byteIdx] >> shift) & 0x3
	}
}

// overflowEntrySize is the on-disk size of one (block, count) pair.
const overflowEntrySize = 12

// reservedOverflowBlocks bounds how many blocks the overflow table may
// occupy. Persist returns ErrOverflowFull if more are needed than this;
// callers (pkg/hsm) reserve exactly this many blocks, right after the
// bitmap, ahead of the bump-allocator's range.
const reservedOverflowBlocks = 8

// ReservedMetadataBlocks returns how many blocks at a fixed location
// (immediately following the caller's superblock) must be set aside for
// this space map's own bitmap and overflow table before any
// bump-allocator range begins. This is what breaks the allocation
// recursion described in this package's doc comment: the space map
// never allocates the blocks backing its own persisted form through
// Alloc.
func ReservedMetadataBlocks(nrBlocks types.BlockId, blockSize int) types.BlockId {
	return nrBitmapBlocks(nrBlocks, blockSize) + reservedOverflowBlocks
}

func (t *overflowTable) persist(cache blockio.BlockCache, base types.BlockId, v blockio.Validator) error {
	blockSize := cache.BlockSize()
	perBlock := (blockSize - bitmapHeaderSize) / overflowEntrySize

	entries := make([]struct {
		b types.BlockId
		c uint32
	}, 0, len(t.counts))

	for b, c := range t.counts {
		entries = append(entries, struct {
			b types.BlockId
			c uint32
		}{b, c})
	}

	if perBlock <= 0 {
		if len(entries) == 0 {
			return nil
		}

		return fmt.Errorf("%w: block too small for overflow entries", ErrOverflowFull)
	}

	if needed := (len(entries) + perBlock - 1) / perBlock; needed > reservedOverflowBlocks {
		return fmt.Errorf("%w: need %d blocks, reserved %d", ErrOverflowFull, needed, reservedOverflowBlocks)
	}

	nBlocks := (len(entries) + perBlock - 1) / perBlock
	for i := 0; i < nBlocks; i++ {
		loc := base + types.BlockId(i)

		wb, err := cache.WriteLock(loc, v)
		if err != nil {
			wb, err = cache.NewBlock(loc, v)
		}

		if err != nil {
			return fmt.Errorf("spacemap: persist overflow block %d: %w", loc, err)
		}

		off := bitmapHeaderSize

		for j := i * perBlock; j < len(entries) && j < (i+1)*perBlock; j++ {
			binary.LittleEndian.PutUint64(wb.Data[off:], uint64(entries[j].b))
			binary.LittleEndian.PutUint32(wb.Data[off+8:], entries[j].c)
			off += overflowEntrySize
		}

		v.Prepare(loc, wb.Data)

		if err := cache.Unlock(wb); err != nil {
			return err
		}
	}

	return nil
}

func loadOverflowTable(cache blockio.BlockCache, base types.BlockId, nEntries int, v blockio.Validator) (*overflowTable, error) {
	t := newOverflowTable()
	if nEntries == 0 {
		return t, nil
	}

	blockSize := cache.BlockSize()
	perBlock := (blockSize - bitmapHeaderSize) / overflowEntrySize
	nBlocks := (nEntries + perBlock - 1) / perBlock

	remaining := nEntries

	for i := 0; i < nBlocks; i++ {
		loc := base + types.BlockId(i)

		rb, err := cache.ReadLock(loc, v)
		if err != nil {
			return nil, fmt.Errorf("spacemap: load overflow block %d: %w", loc, err)
		}

		off := bitmapHeaderSize

		for j := 0; j < perBlock && remaining > 0; j++ {
			b := types.BlockId(binary.LittleEndian.Uint64(rb.Data[off:]))
			c := binary.LittleEndian.Uint32(rb.Data[off+8:])
			t.counts[b] = c
			off += overflowEntrySize
			remaining--
		}

		if err := cache.Unlock(rb); err != nil {
			return nil, err
		}
	}

	return t, nil
}
