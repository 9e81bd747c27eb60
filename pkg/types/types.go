// Package types holds the block- and device-identifier types shared by
// every layer of the metadata and cache-mapping core: the space map, the
// B-tree, the HSM metadata trees, the policies, and the cache core all
// import this package instead of each other.
package types

import "fmt"

// BlockId identifies a single fixed-size block on a device. The top four
// bits are reserved as flag bits when a BlockId is packed into a
// forward-map value (see PackForwardValue); everywhere else a BlockId is a
// plain 60-bit-or-fewer address.
type BlockId uint64

// MaxBlockAddress is the largest address representable once the top four
// flag bits are reserved.
const MaxBlockAddress = BlockId(1)<<60 - 1

// DevId tags a logical cached device. Two devices sharing a metadata
// device carry distinct DevId values inside the same forward/reverse
// trees.
type DevId uint64

// CBlock is a cache-device block index. It is never implicitly
// convertible to an OBlock or a plain BlockId; callers must go through
// CBlock's accessor to cross the boundary deliberately.
type CBlock struct{ v BlockId }

// NewCBlock wraps a raw block address as a cache block.
func NewCBlock(v BlockId) CBlock { return CBlock{v: v} }

// Block returns the underlying block address.
func (c CBlock) Block() BlockId { return c.v }

func (c CBlock) String() string { return fmt.Sprintf("cblock(%d)", c.v) }

// OBlock is an origin-device block index, addressed in the cached
// device's own block-size units (not necessarily the same size as a
// cache or pool block).
type OBlock struct{ v BlockId }

// NewOBlock wraps a raw block address as an origin block.
func NewOBlock(v BlockId) OBlock { return OBlock{v: v} }

// Block returns the underlying block address.
func (o OBlock) Block() BlockId { return o.v }

func (o OBlock) String() string { return fmt.Sprintf("oblock(%d)", o.v) }

// PBlock is a pool (data device) block index, i.e. the block on the
// backing cache/data device that a cache block or HSM mapping refers to.
type PBlock struct{ v BlockId }

// NewPBlock wraps a raw block address as a pool block.
func NewPBlock(v BlockId) PBlock { return PBlock{v: v} }

// Block returns the underlying block address.
func (p PBlock) Block() BlockId { return p.v }

func (p PBlock) String() string { return fmt.Sprintf("pblock(%d)", p.v) }

// MapFlags are the per-mapping flag bits co-stored in a forward-map
// value's top nibble.
type MapFlags uint8

const (
	// FlagDirty marks a mapping whose cache-resident copy is newer than
	// the origin and must be written back before the mapping can be
	// dropped.
	FlagDirty MapFlags = 1 << iota
	// FlagUptodate marks a mapping whose cache-resident copy is a valid
	// read source (no origin copy is required to satisfy a read).
	FlagUptodate
	// flagReserved1 and flagReserved2 are unused, reserved for future
	// on-disk flag bits (spec.md §3: "room for two more").
	flagReserved1
	flagReserved2
)

const flagShift = 60
const flagMask = BlockId(0xF) << flagShift

// PackForwardValue combines a pool block address and flag bits into the
// 64-bit value stored in the forward-mapping B-tree. pb must fit within
// MaxBlockAddress.
func PackForwardValue(pb PBlock, flags MapFlags) uint64 {
	return uint64(pb.Block()&^flagMask) | uint64(flags)<<flagShift
}

// UnpackForwardValue is the inverse of PackForwardValue.
func UnpackForwardValue(v uint64) (PBlock, MapFlags) {
	pb := BlockId(v) &^ flagMask
	flags := MapFlags(v >> flagShift)

	return NewPBlock(pb), flags
}
