package hsm

import (
	"encoding/binary"
	"fmt"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/spacemap"
	"github.com/blockcache/dmcache/pkg/types"
)

// superblockMagic is spec.md §6's on-disk magic for the metadata
// device's sole superblock.
const superblockMagic = uint64(21081990)

const superblockVersion = uint64(1)

// superblockLoc is the reserved block holding the superblock. Metadata
// blocks 1..N are free for the forward/reverse B-trees and the space
// map's own bitmap/overflow blocks.
const superblockLoc = types.BlockId(0)

// Superblock field offsets, spec.md §6's on-disk layout table.
const (
	sbOffMagic           = 0
	sbOffVersion         = 8
	sbOffMetaBlockSize   = 16
	sbOffMetaNrBlocks    = 24
	sbOffDataBlockSize   = 32
	sbOffDataNrBlocks    = 40
	sbOffFirstFreeBlock  = 48
	sbOffForwardRoot     = 56
	sbOffReverseRoot     = 64
	sbOffSpaceMapRoot    = 72
	sbSpaceMapRootMaxLen = 32
)

// superblock is the decoded in-memory mirror of the on-disk block-0
// layout.
type superblock struct {
	metadataBlockSize uint64 // sectors
	metadataNrBlocks  uint64
	dataBlockSize     uint64 // sectors
	dataNrBlocks      types.BlockId
	firstFreeBlock    types.BlockId
	forwardRoot       types.BlockId
	reverseRoot       types.BlockId
	spaceMapRoot      spacemap.Root
}

func (sb *superblock) encode(data []byte) {
	binary.LittleEndian.PutUint64(data[sbOffMagic:], superblockMagic)
	binary.LittleEndian.PutUint64(data[sbOffVersion:], superblockVersion)
	binary.LittleEndian.PutUint64(data[sbOffMetaBlockSize:], sb.metadataBlockSize)
	binary.LittleEndian.PutUint64(data[sbOffMetaNrBlocks:], sb.metadataNrBlocks)
	binary.LittleEndian.PutUint64(data[sbOffDataBlockSize:], sb.dataBlockSize)
	binary.LittleEndian.PutUint64(data[sbOffDataNrBlocks:], uint64(sb.dataNrBlocks))
	binary.LittleEndian.PutUint64(data[sbOffFirstFreeBlock:], uint64(sb.firstFreeBlock))
	binary.LittleEndian.PutUint64(data[sbOffForwardRoot:], uint64(sb.forwardRoot))
	binary.LittleEndian.PutUint64(data[sbOffReverseRoot:], uint64(sb.reverseRoot))

	root := spacemap.EncodeRoot(sb.spaceMapRoot)
	copy(data[sbOffSpaceMapRoot:sbOffSpaceMapRoot+sbSpaceMapRootMaxLen], root)
}

func decodeSuperblock(data []byte) (*superblock, error) {
	magic := binary.LittleEndian.Uint64(data[sbOffMagic:])
	if magic != superblockMagic {
		return nil, fmt.Errorf("%w: superblock magic %d", blockio.ErrChecksum, magic)
	}

	version := binary.LittleEndian.Uint64(data[sbOffVersion:])
	if version != superblockVersion {
		return nil, fmt.Errorf("hsm: unsupported superblock version %d", version)
	}

	root, err := spacemap.DecodeRoot(data[sbOffSpaceMapRoot : sbOffSpaceMapRoot+sbSpaceMapRootMaxLen])
	if err != nil {
		return nil, fmt.Errorf("hsm: decode space-map root: %w", err)
	}

	return &superblock{
		metadataBlockSize: binary.LittleEndian.Uint64(data[sbOffMetaBlockSize:]),
		metadataNrBlocks:  binary.LittleEndian.Uint64(data[sbOffMetaNrBlocks:]),
		dataBlockSize:     binary.LittleEndian.Uint64(data[sbOffDataBlockSize:]),
		dataNrBlocks:      types.BlockId(binary.LittleEndian.Uint64(data[sbOffDataNrBlocks:])),
		firstFreeBlock:    types.BlockId(binary.LittleEndian.Uint64(data[sbOffFirstFreeBlock:])),
		forwardRoot:       types.BlockId(binary.LittleEndian.Uint64(data[sbOffForwardRoot:])),
		reverseRoot:       types.BlockId(binary.LittleEndian.Uint64(data[sbOffReverseRoot:])),
		spaceMapRoot:      root,
	}, nil
}

// isAllZero reports whether data (the freshly read block 0) has never
// been written, spec.md §4.4's "if the superblock is all-zero, create"
// rule.
func isAllZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}

	return true
}
