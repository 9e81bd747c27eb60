package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/types"
)

// nodeMagic identifies a B-tree node block, matching spec.md §6's
// on-disk layout ("magic:u32 = 160774").
const nodeMagic = uint32(160774)

const (
	flagLeaf     = uint32(0)
	flagInternal = uint32(1)
)

// Node header layout, spec.md §6:
//
//	flags:u32 nr_entries:u32 max_entries:u32 magic:u32
//	keys[max_entries]:u64
//	values[max_entries]:valueSize bytes each
//	... trailing: location:u64 crc:u32
const (
	offFlags      = 0
	offNrEntries  = 4
	offMaxEntries = 8
	offMagic      = 12
	headerSize    = 16
)

// childValueSize is the fixed value size used for internal nodes: a
// single child-block pointer, regardless of what the tree's leaf value
// size is. Multi-level trees (spec.md §4.3) store a nested root as an
// 8-byte pointer too, so the shape is uniform at every internal level.
const childValueSize = 8

// nodeLocationOffset/nodeCRCOffset are relative to the END of the
// key/value arrays; trailerSize bytes are reserved after them for the
// NodeValidator.
const trailerSize = 12 // 8-byte location + 4-byte crc

// node is the decoded in-memory view of one B-tree block.
type node struct {
	loc        types.BlockId
	internal   bool
	maxEntries int
	valueSize  int // childValueSize for internal nodes
	nrEntries  int
	keys       []uint64
	values     [][]byte // len == maxEntries, each valueSize bytes, only [0:nrEntries) meaningful
	raw        []byte   // the backing block, kept so writes can be re-serialized in place
}

// maxEntriesFor computes the max-entries-per-node formula spec.md §6
// requires to be "a pure function of (block_size, value_size)".
func maxEntriesFor(blockSize, valueSize int) int {
	avail := blockSize - headerSize - trailerSize
	perEntry := 8 + valueSize

	if perEntry <= 0 || avail <= 0 {
		return 0
	}

	return avail / perEntry
}

func valuesOffset(maxEntries int) int {
	return headerSize + maxEntries*8
}

func trailerOffset(blockSize int) int {
	return blockSize - trailerSize
}

// decodeNode parses a raw block into a node. blockSize is needed
// because maxEntries recorded in the header is cross-checked, not
// trusted blindly, against what the current tree's value size implies.
func decodeNode(loc types.BlockId, raw []byte, blockSize, expectLeafValueSize int) (*node, error) {
	flags := binary.LittleEndian.Uint32(raw[offFlags:])
	nrEntries := int(binary.LittleEndian.Uint32(raw[offNrEntries:]))
	maxEntries := int(binary.LittleEndian.Uint32(raw[offMaxEntries:]))
	magic := binary.LittleEndian.Uint32(raw[offMagic:])

	if magic != nodeMagic {
		return nil, fmt.Errorf("%w: node %d bad magic %d", blockio.ErrChecksum, loc, magic)
	}

	internal := flags == flagInternal

	valueSize := expectLeafValueSize
	if internal {
		valueSize = childValueSize
	}

	if maxEntries != maxEntriesFor(blockSize, valueSize) {
		return nil, fmt.Errorf("%w: node %d max_entries mismatch", blockio.ErrChecksum, loc)
	}

	if nrEntries > maxEntries {
		return nil, fmt.Errorf("%w: node %d nr_entries %d > max %d", blockio.ErrChecksum, loc, nrEntries, maxEntries)
	}

	n := &node{
		loc:        loc,
		internal:   internal,
		maxEntries: maxEntries,
		valueSize:  valueSize,
		nrEntries:  nrEntries,
		keys:       make([]uint64, maxEntries),
		values:     make([][]byte, maxEntries),
		raw:        raw,
	}

	for i := 0; i < maxEntries; i++ {
		n.keys[i] = binary.LittleEndian.Uint64(raw[headerSize+i*8:])
	}

	vOff := valuesOffset(maxEntries)

	for i := 0; i < maxEntries; i++ {
		start := vOff + i*valueSize
		n.values[i] = raw[start : start+valueSize]
	}

	return n, nil
}

// newNode formats a fresh, empty node of the given kind into raw
// (already the right block size, freshly allocated by the shadower).
func newNode(loc types.BlockId, raw []byte, internal bool, valueSize int) *node {
	maxEntries := maxEntriesFor(len(raw), valueSize)

	flags := flagLeaf
	if internal {
		flags = flagInternal
	}

	binary.LittleEndian.PutUint32(raw[offFlags:], flags)
	binary.LittleEndian.PutUint32(raw[offNrEntries:], 0)
	binary.LittleEndian.PutUint32(raw[offMaxEntries:], uint32(maxEntries))
	binary.LittleEndian.PutUint32(raw[offMagic:], nodeMagic)

	n := &node{
		loc:        loc,
		internal:   internal,
		maxEntries: maxEntries,
		valueSize:  valueSize,
		nrEntries:  0,
		keys:       make([]uint64, maxEntries),
		values:     make([][]byte, maxEntries),
		raw:        raw,
	}

	vOff := valuesOffset(maxEntries)
	for i := 0; i < maxEntries; i++ {
		start := vOff + i*valueSize
		n.values[i] = raw[start : start+valueSize]
	}

	return n
}

// flush re-serializes the header and nrEntries back into n.raw. Keys
// and values are already written in place through the slices returned
// by decodeNode/newNode, so flush only needs to fix up the counters.
func (n *node) flush() {
	flags := flagLeaf
	if n.internal {
		flags = flagInternal
	}

	binary.LittleEndian.PutUint32(n.raw[offFlags:], uint32(flags))
	binary.LittleEndian.PutUint32(n.raw[offNrEntries:], uint32(n.nrEntries))
	binary.LittleEndian.PutUint32(n.raw[offMaxEntries:], uint32(n.maxEntries))
	binary.LittleEndian.PutUint32(n.raw[offMagic:], nodeMagic)

	for i := 0; i < n.nrEntries; i++ {
		binary.LittleEndian.PutUint64(n.raw[headerSize+i*8:], n.keys[i])
	}
}

func (n *node) setKeyValue(i int, key uint64, value []byte) {
	n.keys[i] = key
	copy(n.values[i], value)
}

func (n *node) childAt(i int) types.BlockId {
	return types.BlockId(binary.LittleEndian.Uint64(n.values[i]))
}

func (n *node) setChildAt(i int, b types.BlockId) {
	binary.LittleEndian.PutUint64(n.values[i], uint64(b))
}

// findIndex returns the index of the first entry with key >= target
// (lower bound), used for both exact lookup and descent.
func (n *node) findIndex(key uint64) int {
	lo, hi := 0, n.nrEntries

	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

// descendIndex returns the child index to follow for key in an internal
// node: the last entry whose key is <= key, clamped to entry 0.
func (n *node) descendIndex(key uint64) int {
	i := n.findIndex(key)
	if i == n.nrEntries || n.keys[i] > key {
		i--
	}

	if i < 0 {
		i = 0
	}

	return i
}

func (n *node) insertAt(i int, key uint64, value []byte) {
	for j := n.nrEntries; j > i; j-- {
		n.keys[j] = n.keys[j-1]
		copy(n.values[j], n.values[j-1])
	}

	n.keys[i] = key
	copy(n.values[i], value)
	n.nrEntries++
}

func (n *node) removeAt(i int) {
	for j := i; j < n.nrEntries-1; j++ {
		n.keys[j] = n.keys[j+1]
		copy(n.values[j], n.values[j+1])
	}

	n.nrEntries--
}

func (n *node) full() bool { return n.nrEntries == n.maxEntries }

// underflowThreshold is ⌈max/3⌉ per spec.md §4.3's rebalance rule.
func (n *node) underflowThreshold() int {
	return (n.maxEntries + 2) / 3
}
