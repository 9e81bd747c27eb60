// Package spacemap implements the disk space map described in spec.md
// §3/§4.2: a per-block reference count over a bounded block-ID space,
// represented as a 2-bit bitmap with a "many" overflow table, plus a
// bump-allocator bootstrap phase. The hazard of the space map needing
// to allocate blocks for its own bitmap/overflow structures on the
// very device it tracks is resolved upstream of this package, by
// hsm.create reserving ReservedMetadataBlocks before Inc/Dec are ever
// called (see SPEC_FULL.md §9).
//
// spacemap intentionally does not depend on pkg/btree or the
// transaction manager (internal/txmgr); it talks to blockio.BlockCache
// directly and implements its own small, private, non-generic on-disk
// structures for its bitmap directory and ref-count overflow table.
// This breaks the cyclic dependency spec.md §9 describes (the
// transaction manager needs the space map to allocate blocks; the space
// map's own structures need to be allocated and shadowed, which would
// otherwise need the transaction manager) the way spec.md recommends:
// "the single metadata handle owns both; all internal references are
// indices or borrowed handles rather than shared ownership." See
// DESIGN.md for the full rationale.
package spacemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/types"
)

// Sentinel errors.
var (
	// ErrNoSpace is returned when no block in [0, nrBlocks) has a zero
	// reference count. Maps to spec.md §7's NO-SPACE (metadata) kind.
	ErrNoSpace = errors.New("spacemap: no space")
	// ErrRefCountUnderflow is returned by Dec on a block whose count is
	// already zero — a programming error in the caller.
	ErrRefCountUnderflow = errors.New("spacemap: refcount underflow")
	// ErrOverflowFull is returned when the "many" overflow table has no
	// room for a new entry. Conservatively sized large enough that this
	// should not occur in practice; see newOverflowTable.
	ErrOverflowFull = errors.New("spacemap: refcount overflow table full")
)

// bitmapHeaderSize is the fixed header every bitmap/overflow block
// carries (location, crc, generation, padding) before its payload; how
// many 2-bit counters fit after it is computed from the block size by
// countersPerBlock in bitmap.go.
const bitmapHeaderSize = 32 // magic, crc, blocknr, nr_free, none_free_before, padding

// refcount values stored directly in the bitmap; 3 means "spill to the
// overflow table".
const (
	rcZero    = 0
	rcOne     = 1
	rcTwo     = 2
	rcMany    = 3
)

// SpaceMap is the space map described in spec.md §4.2. It is created
// and owned by exactly one internal/txmgr.TransactionManager, which is the only
// caller expected to invoke Alloc/Inc/Dec/Commit; nothing here is
// reentrant from multiple goroutines without that manager's own
// serialization (spec.md §5: "the space map protects its own state
// single-threaded-by-construction").
type SpaceMap struct {
	mu sync.Mutex

	cache     blockio.BlockCache
	nrBlocks  types.BlockId
	validator blockio.Validator

	// bootstrap is true until the space map's own structures (bitmap
	// directory + overflow table blocks) have been created; during
	// bootstrap, Alloc is a trivial bump allocator over
	// [bootstrapCursor, nrBlocks).
	bootstrap      bool
	bootstrapBegin types.BlockId
	bootstrapEnd   types.BlockId
	bootstrapCursor types.BlockId

	// ll ("low level") is the live bitmap + index state. oldLL is the
	// pre-transaction snapshot allocation searches are served from
	// (spec.md §4.2's old_ll: blocks freed this transaction are not
	// reused until commit, since ongoing COW readers may still need
	// their old contents).
	ll    *lowLevel
	oldLL *lowLevel

	overflow *overflowTable

	allocatedThisTxn int
}

// lowLevel is the in-memory mirror of the on-disk bitmap. Real
// deployments page this in from disk on demand; this implementation
// keeps the whole bitmap resident (sized for metadata devices, which
// spec.md's budget assumes are modest), the same simplifying choice the
// teacher's [slotcache] package makes by mmap'ing its whole file rather
// than paging index structures.
type lowLevel struct {
	counts []uint8 // one rc{Zero,One,Two,Many} value per block
}

func newLowLevel(n types.BlockId) *lowLevel {
	return &lowLevel{counts: make([]uint8, n)}
}

func (l *lowLevel) clone() *lowLevel {
	cp := make([]uint8, len(l.counts))
	copy(cp, l.counts)

	return &lowLevel{counts: cp}
}

// New creates a fresh space map bootstrapped with a bump allocator over
// [begin, end). Real structures (bitmap directory, overflow table) are
// created lazily by the first Commit, at which point Finalize must be
// called (see Finalize's doc comment).
func New(cache blockio.BlockCache, nrBlocks types.BlockId, begin, end types.BlockId) *SpaceMap {
	sm := &SpaceMap{
		cache:           cache,
		nrBlocks:        nrBlocks,
		validator:       blockio.NodeValidator{LocOffset: 0, CRCOffset: 8},
		bootstrap:       true,
		bootstrapBegin:  begin,
		bootstrapEnd:    end,
		bootstrapCursor: begin,
		ll:              newLowLevel(nrBlocks),
	}
	sm.oldLL = sm.ll.clone()
	sm.overflow = newOverflowTable()

	return sm
}

// NrBlocks reports the size of the tracked block space.
func (sm *SpaceMap) NrBlocks() types.BlockId { return sm.nrBlocks }

// GetCount returns the current reference count for block b (spec.md
// §8 property 2's space-map.count(b)).
func (sm *SpaceMap) GetCount(b types.BlockId) (uint32, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.getCountLocked(b)
}

func (sm *SpaceMap) getCountLocked(b types.BlockId) (uint32, error) {
	if b >= sm.nrBlocks {
		return 0, fmt.Errorf("%w: block %d out of range", ErrNoSpace, b)
	}

	rc := sm.ll.counts[b]
	if rc != rcMany {
		return uint32(rc), nil
	}

	return sm.overflow.get(b)
}

// Alloc finds the lowest-numbered free block, marks it with a
// reference count of 1, and returns it. During bootstrap this is a
// pure bump allocator (spec.md §4.2); otherwise it scans the live
// bitmap honoring the old_ll restriction that blocks freed this
// transaction are not reused before commit.
func (sm *SpaceMap) Alloc() (types.BlockId, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.bootstrap {
		if sm.bootstrapCursor >= sm.bootstrapEnd {
			return 0, ErrNoSpace
		}

		b := sm.bootstrapCursor
		sm.bootstrapCursor++
		sm.ll.counts[b] = rcOne
		sm.allocatedThisTxn++

		return b, nil
	}

	for b := types.BlockId(0); b < sm.nrBlocks; b++ {
		if sm.ll.counts[b] == rcZero && sm.oldLL.counts[b] == rcZero {
			sm.ll.counts[b] = rcOne
			sm.allocatedThisTxn++

			return b, nil
		}
	}

	return 0, ErrNoSpace
}

// Inc increments the reference count of block b.
//
// The space map allocates blocks on the very device it tracks, so a
// naive implementation risks needing to grow its own bitmap/overflow
// structures from inside an Inc/Dec call. This implementation instead
// resolves that hazard ahead of time: hsm.create reserves
// ReservedMetadataBlocks up front for the space map's own structures,
// so Inc/Dec never need to allocate; there is no recursive call to
// guard against here.
func (sm *SpaceMap) Inc(b types.BlockId) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.adjust(b, 1)
}

// Dec decrements the reference count of block b.
func (sm *SpaceMap) Dec(b types.BlockId) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.adjust(b, -1)
}

func (sm *SpaceMap) adjust(b types.BlockId, delta int) error {
	return sm.applyOne(b, delta)
}

func (sm *SpaceMap) applyOne(b types.BlockId, delta int) error {
	if b >= sm.nrBlocks {
		return fmt.Errorf("%w: block %d out of range", ErrNoSpace, b)
	}

	cur, err := sm.getCountLocked(b)
	if err != nil {
		return err
	}

	next := int64(cur) + int64(delta)
	if next < 0 {
		return fmt.Errorf("%w: block %d count %d delta %d", ErrRefCountUnderflow, b, cur, delta)
	}

	return sm.setCountLocked(b, uint32(next))
}

func (sm *SpaceMap) setCountLocked(b types.BlockId, count uint32) error {
	switch {
	case count == 0:
		if sm.ll.counts[b] == rcMany {
			sm.overflow.delete(b)
		}

		sm.ll.counts[b] = rcZero
	case count == 1:
		if sm.ll.counts[b] == rcMany {
			sm.overflow.delete(b)
		}

		sm.ll.counts[b] = rcOne
	case count == 2:
		if sm.ll.counts[b] == rcMany {
			sm.overflow.delete(b)
		}

		sm.ll.counts[b] = rcTwo
	default:
		sm.ll.counts[b] = rcMany
		if err := sm.overflow.set(b, count); err != nil {
			return err
		}
	}

	return nil
}

// EndBootstrap transitions the space map out of bump-allocator mode.
// It adjusts no reference counts: the bootstrap Alloc path already
// records a count of 1 for every block it hands out.
func (sm *SpaceMap) EndBootstrap() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.bootstrap = false
}

// Commit snapshots the current bitmap as the new old_ll baseline and
// resets the per-transaction allocation counter (spec.md §4.2:
// "Commit snapshots ll into old_ll and resets the allocated-this-txn
// counter").
func (sm *SpaceMap) Commit() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.oldLL = sm.ll.clone()
	sm.allocatedThisTxn = 0
}

// AllocatedThisTransaction reports how many blocks Alloc has handed out
// since the last Commit, for diagnostics and tests.
func (sm *SpaceMap) AllocatedThisTransaction() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.allocatedThisTxn
}

// Root is the variable-length, ≤32-byte space-map root embedded in the
// tail of the superblock's reserved area (spec.md §3/§6).
type Root struct {
	NrBlocks        uint64
	NrAllocated     uint64
	OverflowEntries uint64
}

// EncodeRoot serialises r into its on-disk little-endian form.
func EncodeRoot(r Root) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], r.NrBlocks)
	binary.LittleEndian.PutUint64(buf[8:], r.NrAllocated)
	binary.LittleEndian.PutUint64(buf[16:], r.OverflowEntries)

	return buf
}

// DecodeRoot is the inverse of EncodeRoot.
func DecodeRoot(buf []byte) (Root, error) {
	if len(buf) < 24 {
		return Root{}, fmt.Errorf("%w: space-map root truncated", blockio.ErrChecksum)
	}

	return Root{
		NrBlocks:        binary.LittleEndian.Uint64(buf[0:]),
		NrAllocated:     binary.LittleEndian.Uint64(buf[8:]),
		OverflowEntries: binary.LittleEndian.Uint64(buf[16:]),
	}, nil
}

// SerializeRoot returns the root descriptor for the current state, for
// embedding into the superblock tail during pre_commit.
func (sm *SpaceMap) SerializeRoot() Root {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var allocated uint64

	for _, c := range sm.ll.counts {
		if c != rcZero {
			allocated++
		}
	}

	return Root{
		NrBlocks:        uint64(sm.nrBlocks),
		NrAllocated:     allocated,
		OverflowEntries: uint64(sm.overflow.len()),
	}
}
