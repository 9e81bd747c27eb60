// Package hsm implements spec.md §4.4's HSM metadata layer: the two
// logical B-trees — forward (device, origin-block) → (pool-block,
// flags) and reverse (device, pool-block) → origin-block — plus the
// superblock lifecycle (open/commit/close), a reference-counted table
// of open handles keyed by backing device, and the data-device resize
// and metadata-accounting operations a cache target's constructor and
// message interface need.
//
// Grounded on pkg/mddb's schema/version-checked open (superblock
// magic/version validation is this package's analogue of
// pkg/mddb/schema.go's on-disk schema versioning) and on
// internal/store's reindex/rebuild split for the create-vs-reopen
// branch in Open.
package hsm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/internal/txmgr"
	"github.com/blockcache/dmcache/pkg/btree"
	"github.com/blockcache/dmcache/pkg/spacemap"
	"github.com/blockcache/dmcache/pkg/types"
)

// ErrNotFound is returned by Remove/Update when the requested mapping
// does not exist, and (wrapped) by DropMetadataSnapshot for an unknown
// snapshot id. LookupReverse reports a missing mapping as found=false
// with a nil error instead.
var ErrNotFound = errors.New("hsm: mapping not found")

// ErrNoSpace is returned by Insert when the data device has no more
// unprovisioned blocks (spec.md §4.4: "Fails NO-SPACE when
// first_free_block == data_nr_blocks").
var ErrNoSpace = errors.New("hsm: data device out of space")

// ErrConsistencyFailure is returned by every mutating operation after a
// Commit fails, per spec.md §4.4: "Commit failure leaves the handle in
// a state where subsequent writes return CONSISTENCY-FAILURE."
var ErrConsistencyFailure = errors.New("hsm: handle is consistency-failed")

// ErrWouldBlock is returned by Lookup when called with mayBlock=false
// and servicing the request would require waiting behind an open write
// transaction, per spec.md's "non-blocking TM clone for the cache-core's
// hot lookup path... must never block behind an open write transaction"
// requirement.
var ErrWouldBlock = errors.New("hsm: would block")

// spaceMapBase is the fixed block where the space map's own bitmap and
// overflow table live, immediately after the superblock.
const spaceMapBase = superblockLoc + 1

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Handle)
)

// Handle is one opened metadata device. Multiple callers opening the
// same bdev share one Handle and a refcount, per spec.md §4.4's
// "process-wide refcounted table keyed by backing device".
type Handle struct {
	mu sync.RWMutex // guards sb/fwdRoot/revRoot against concurrent lookup vs insert/remove/commit

	bdev  string
	cache blockio.BlockCache
	tm    *txmgr.TransactionManager
	fwd   *mapping
	rev   *mapping

	sb           *superblock
	haveInserted bool

	// failed/failedCh implement spec.md §7's "all others set a sticky
	// error flag and raise a device event exactly once": failed is
	// checked lock-free from checkWritable, failedCh is closed exactly
	// once (via markFailed's CompareAndSwap) the moment the handle's
	// first consistency failure is recorded, mirroring pkg/cachecore's
	// own atomic.Bool-guarded congestion flag.
	failed   atomic.Bool
	failedCh chan struct{}

	refcount int

	nextSnapID uint64
	snapshots  map[uint64]snapshotPair
}

// markFailed records the handle's first consistency failure, closing
// failedCh exactly once even if multiple callers race to fail the
// handle concurrently.
func (h *Handle) markFailed() {
	if h.failed.CompareAndSwap(false, true) {
		close(h.failedCh)
	}
}

// Failed returns a channel that is closed the moment this handle first
// becomes consistency-failed, for a caller (e.g. a device-event
// listener) to select on rather than poll checkWritable's error.
func (h *Handle) Failed() <-chan struct{} { return h.failedCh }

type snapshotPair struct {
	forwardRoot types.BlockId
	reverseRoot types.BlockId
}

// Open returns the shared handle for bdev, creating the metadata device
// if its superblock is all-zero (spec.md §4.4's open()). cache must be
// the same backing store every caller passes for a given bdev string.
func Open(bdev string, cache blockio.BlockCache, dataBlockSize uint64, dataNrBlocks types.BlockId) (*Handle, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if h, ok := registry[bdev]; ok {
		h.refcount++
		return h, nil
	}

	blockSize := cache.BlockSize()
	v := blockio.NodeValidator{LocOffset: blockSize - 12, CRCOffset: blockSize - 4}

	rb, err := cache.ReadLock(superblockLoc, blockio.NoopValidator{})
	if err != nil {
		return nil, fmt.Errorf("hsm: open: read superblock: %w", err)
	}

	raw := make([]byte, len(rb.Data))
	copy(raw, rb.Data)

	if err := cache.Unlock(rb); err != nil {
		return nil, fmt.Errorf("hsm: open: %w", err)
	}

	var h *Handle

	if isAllZero(raw) {
		h, err = create(bdev, cache, v, dataBlockSize, dataNrBlocks)
	} else {
		h, err = reopen(bdev, cache, v, raw)
	}

	if err != nil {
		return nil, err
	}

	h.refcount = 1
	registry[bdev] = h

	return h, nil
}

func create(bdev string, cache blockio.BlockCache, v blockio.Validator, dataBlockSize uint64, dataNrBlocks types.BlockId) (*Handle, error) {
	blockSize := cache.BlockSize()
	sm := spacemap.New(cache, cache.NrBlocks(), 0, cache.NrBlocks())

	sbLoc, err := sm.Alloc() // must be block 0, the bump allocator's first grant
	if err != nil {
		return nil, fmt.Errorf("hsm: create: reserve superblock: %w", err)
	}

	if sbLoc != superblockLoc {
		return nil, fmt.Errorf("hsm: create: superblock block mismatch: got %d", sbLoc)
	}

	reserved := spacemap.ReservedMetadataBlocks(cache.NrBlocks(), blockSize)
	for i := types.BlockId(0); i < reserved; i++ {
		if _, err := sm.Alloc(); err != nil {
			return nil, fmt.Errorf("hsm: create: reserve space-map region: %w", err)
		}
	}

	tm := txmgr.New(cache, sm, v)
	if err := tm.Begin(); err != nil {
		return nil, err
	}

	fwd := newMapping(8)
	rev := newMapping(8)

	forwardRoot, err := fwd.empty(tm)
	if err != nil {
		return nil, fmt.Errorf("hsm: create: %w", err)
	}

	reverseRoot, err := rev.empty(tm)
	if err != nil {
		return nil, fmt.Errorf("hsm: create: %w", err)
	}

	sb := &superblock{
		metadataBlockSize: uint64(blockSize / 512),
		metadataNrBlocks:  uint64(cache.NrBlocks()),
		dataBlockSize:     dataBlockSize,
		dataNrBlocks:      dataNrBlocks,
		firstFreeBlock:    0,
		forwardRoot:       forwardRoot,
		reverseRoot:       reverseRoot,
	}

	if err := writeSuperblockAndCommit(cache, tm, sb); err != nil {
		return nil, fmt.Errorf("hsm: create: %w", err)
	}

	if err := tm.Begin(); err != nil {
		return nil, err
	}

	return &Handle{
		bdev:      bdev,
		cache:     cache,
		tm:        tm,
		fwd:       fwd,
		rev:       rev,
		sb:        sb,
		snapshots: make(map[uint64]snapshotPair),
		failedCh:  make(chan struct{}),
	}, nil
}

func reopen(bdev string, cache blockio.BlockCache, v blockio.Validator, raw []byte) (*Handle, error) {
	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("hsm: reopen: %w", err)
	}

	sm, err := spacemap.Reload(cache, types.BlockId(sb.metadataNrBlocks), spaceMapBase, sb.spaceMapRoot)
	if err != nil {
		return nil, fmt.Errorf("hsm: reopen: reload space map: %w", err)
	}

	tm := txmgr.New(cache, sm, v)
	if err := tm.Begin(); err != nil {
		return nil, err
	}

	return &Handle{
		bdev:      bdev,
		cache:     cache,
		tm:        tm,
		fwd:       newMapping(8),
		rev:       newMapping(8),
		sb:        sb,
		snapshots: make(map[uint64]snapshotPair),
		failedCh:  make(chan struct{}),
	}, nil
}

func writeSuperblockAndCommit(cache blockio.BlockCache, tm *txmgr.TransactionManager, sb *superblock) error {
	root, err := tm.PreCommit(spaceMapBase)
	if err != nil {
		return err
	}

	sb.spaceMapRoot = root

	wb, err := cache.WriteLock(superblockLoc, blockio.NoopValidator{})
	if err != nil {
		wb, err = cache.NewBlock(superblockLoc, blockio.NoopValidator{})
	}

	if err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	sb.encode(wb.Data)

	if err := cache.Unlock(wb); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	return tm.CommitTransaction()
}

// Close implements spec.md §4.4's close(handle): commit if anything
// was inserted since the last commit, then decrement the handle's
// refcount, removing it from the shared registry once the last caller
// releases it. The commit happens before the registry is touched so a
// commit failure (sticky CONSISTENCY-FAILURE) is still observable to
// this caller via the returned error rather than silently dropped on
// the way out.
func (h *Handle) Close() error {
	commitErr := h.Commit()

	registryMu.Lock()
	defer registryMu.Unlock()

	h.refcount--
	if h.refcount <= 0 {
		delete(registry, h.bdev)
	}

	return commitErr
}

// Commit implements spec.md §4.4's commit(handle): if any mutation
// happened since the last commit, write the new roots, pre-commit the
// space map into the superblock, and flush — the single durability
// point. It then opens the next transaction. A failure marks the
// handle consistency-failed; every subsequent mutating call returns
// ErrConsistencyFailure until the process is restarted.
func (h *Handle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failed.Load() {
		return ErrConsistencyFailure
	}

	if !h.haveInserted {
		return nil
	}

	if err := writeSuperblockAndCommit(h.cache, h.tm, h.sb); err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: commit: %w", err)
	}

	if err := h.tm.Begin(); err != nil {
		h.markFailed()
		return err
	}

	h.haveInserted = false

	return nil
}

func (h *Handle) checkWritable() error {
	if h.failed.Load() {
		return ErrConsistencyFailure
	}

	return nil
}

// Insert implements spec.md §4.4's insert(dev, ob) → (pb, flags):
// allocates the next free data block and records it in both the
// forward and reverse maps.
func (h *Handle) Insert(dev types.DevId, ob types.OBlock) (types.PBlock, types.MapFlags, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return types.PBlock{}, 0, err
	}

	if h.sb.firstFreeBlock >= h.sb.dataNrBlocks {
		return types.PBlock{}, 0, ErrNoSpace
	}

	pb := types.NewPBlock(h.sb.firstFreeBlock)
	flags := types.FlagDirty | types.FlagUptodate
	value := packU64(types.PackForwardValue(pb, flags))

	newForward, err := h.fwd.upsert(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()), value)
	if err != nil {
		h.markFailed()
		return types.PBlock{}, 0, fmt.Errorf("hsm: insert: %w", err)
	}

	newReverse, err := h.rev.upsert(h.tm, h.sb.reverseRoot, dev, uint64(pb.Block()), packU64(uint64(ob.Block())))
	if err != nil {
		h.markFailed()
		return types.PBlock{}, 0, fmt.Errorf("hsm: insert: %w", err)
	}

	h.sb.forwardRoot = newForward
	h.sb.reverseRoot = newReverse
	h.sb.firstFreeBlock++
	h.haveInserted = true

	return pb, flags, nil
}

// InsertAt records a (dev, ob) -> (pb, flags) mapping at a pool block the
// caller already owns, without touching first_free_block. This is the
// cache core's tool for REPLACE: a policy's cache-block index is a stable
// slot in the fast device, so evicting one origin block and admitting
// another at the same slot reuses its already-provisioned pb instead of
// bump-allocating a fresh one (spec.md §4.6's "evict OldOBlock, admit ob
// in its place" never consumes first_free_block).
func (h *Handle) InsertAt(dev types.DevId, ob types.OBlock, pb types.PBlock, flags types.MapFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}

	value := packU64(types.PackForwardValue(pb, flags))

	newForward, err := h.fwd.upsert(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()), value)
	if err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: insert_at: %w", err)
	}

	newReverse, err := h.rev.upsert(h.tm, h.sb.reverseRoot, dev, uint64(pb.Block()), packU64(uint64(ob.Block())))
	if err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: insert_at: %w", err)
	}

	h.sb.forwardRoot = newForward
	h.sb.reverseRoot = newReverse
	h.haveInserted = true

	return nil
}

// Remove implements spec.md §4.4's remove(dev, ob): looks up pb via the
// forward map and removes the entry from both maps.
func (h *Handle) Remove(dev types.DevId, ob types.OBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}

	value, found, err := h.fwd.lookup(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()))
	if err != nil {
		return fmt.Errorf("hsm: remove: %w", err)
	}

	if !found {
		return ErrNotFound
	}

	pb, _ := types.UnpackForwardValue(unpackU64(value))

	newForward, _, err := h.fwd.remove(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()))
	if err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: remove: %w", err)
	}

	newReverse, _, err := h.rev.remove(h.tm, h.sb.reverseRoot, dev, uint64(pb.Block()))
	if err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: remove: %w", err)
	}

	h.sb.forwardRoot = newForward
	h.sb.reverseRoot = newReverse
	h.haveInserted = true

	return nil
}

// Lookup implements spec.md §4.4's lookup(dev, ob) → (pb, flags). When
// mayBlock is false, Lookup never waits behind an in-progress mutation
// or commit: it attempts the handle lock non-blockingly and walks the
// trees through the transaction manager's non-blocking clone, returning
// ErrWouldBlock instead of waiting either way. pkg/cachecore's
// lookup-on-miss hot path calls Lookup with mayBlock=false so a
// concurrent constructor/message-driven mutation never stalls the
// single worker goroutine; every other caller passes mayBlock=true.
func (h *Handle) Lookup(dev types.DevId, ob types.OBlock, mayBlock bool) (types.PBlock, types.MapFlags, bool, error) {
	var reader btree.Reader

	if mayBlock {
		h.mu.RLock()
		defer h.mu.RUnlock()

		reader = h.tm
	} else {
		if !h.mu.TryRLock() {
			return types.PBlock{}, 0, false, ErrWouldBlock
		}
		defer h.mu.RUnlock()

		reader = h.tm.NonBlockingClone()
	}

	value, found, err := h.fwd.lookup(reader, h.sb.forwardRoot, dev, uint64(ob.Block()))
	if err != nil {
		if errors.Is(err, txmgr.ErrWouldBlock) {
			return types.PBlock{}, 0, false, ErrWouldBlock
		}

		return types.PBlock{}, 0, false, err
	}

	if !found {
		return types.PBlock{}, 0, false, nil
	}

	pb, flags := types.UnpackForwardValue(unpackU64(value))

	return pb, flags, true, nil
}

// Update rewrites the flag bits of an existing (dev, ob) mapping
// without touching its pool-block assignment.
func (h *Handle) Update(dev types.DevId, ob types.OBlock, flags types.MapFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}

	value, found, err := h.fwd.lookup(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()))
	if err != nil {
		return fmt.Errorf("hsm: update: %w", err)
	}

	if !found {
		return ErrNotFound
	}

	pb, _ := types.UnpackForwardValue(unpackU64(value))

	newForward, err := h.fwd.upsert(h.tm, h.sb.forwardRoot, dev, uint64(ob.Block()), packU64(types.PackForwardValue(pb, flags)))
	if err != nil {
		h.markFailed()
		return fmt.Errorf("hsm: update: %w", err)
	}

	h.sb.forwardRoot = newForward
	h.haveInserted = true

	return nil
}

// LookupReverse implements spec.md §4.4's lookup_reverse(dev, pb) → ob.
func (h *Handle) LookupReverse(dev types.DevId, pb types.PBlock) (types.OBlock, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	value, found, err := h.rev.lookup(h.tm, h.sb.reverseRoot, dev, uint64(pb.Block()))
	if err != nil || !found {
		return types.OBlock{}, false, err
	}

	return types.NewOBlock(types.BlockId(unpackU64(value))), true, nil
}

// GetDataBlockSize returns the data device's block size in sectors.
func (h *Handle) GetDataBlockSize() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sb.dataBlockSize
}

// GetDataDevSize returns the data device's total size in data blocks.
func (h *Handle) GetDataDevSize() types.BlockId {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sb.dataNrBlocks
}

// GetProvisionedBlocks returns how many data blocks have been handed
// out so far (first_free_block).
func (h *Handle) GetProvisionedBlocks() types.BlockId {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sb.firstFreeBlock
}

// GetFreeMetadataBlockCount reports how many metadata blocks remain
// unallocated, derived from the space map's own bookkeeping.
func (h *Handle) GetFreeMetadataBlockCount() types.BlockId {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.tm.FreeMetadataBlocks()
}

// ResizeDataDev grows or shrinks the data device's declared size.
// Shrinking below the number of already-provisioned blocks is refused.
func (h *Handle) ResizeDataDev(newSize types.BlockId) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}

	if newSize < h.sb.firstFreeBlock {
		return fmt.Errorf("hsm: resize_data_dev: new size %d below provisioned blocks %d", newSize, h.sb.firstFreeBlock)
	}

	h.sb.dataNrBlocks = newSize
	h.haveInserted = true

	return nil
}

// MetadataSnapshot implements spec.md §6's take_metadata_snap: freezes
// the current forward/reverse roots by bumping their reference counts
// so a later commit's shadowing never mutates the blocks this snapshot
// observes, and returns an opaque id for DropMetadataSnapshot.
func (h *Handle) MetadataSnapshot() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return 0, err
	}

	if err := h.tm.IncRef(h.sb.forwardRoot); err != nil {
		return 0, err
	}

	if err := h.tm.IncRef(h.sb.reverseRoot); err != nil {
		return 0, err
	}

	id := h.nextSnapID
	h.nextSnapID++
	h.snapshots[id] = snapshotPair{forwardRoot: h.sb.forwardRoot, reverseRoot: h.sb.reverseRoot}
	h.haveInserted = true

	return id, nil
}

// DropMetadataSnapshot implements drop_metadata_snap: releases the
// reference a prior MetadataSnapshot took.
func (h *Handle) DropMetadataSnapshot(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}

	snap, ok := h.snapshots[id]
	if !ok {
		return fmt.Errorf("%w: snapshot %d", ErrNotFound, id)
	}

	if err := h.tm.DecRef(snap.forwardRoot); err != nil {
		return err
	}

	if err := h.tm.DecRef(snap.reverseRoot); err != nil {
		return err
	}

	delete(h.snapshots, id)
	h.haveInserted = true

	return nil
}

func packU64(v uint64) []byte    { return packLoc(types.BlockId(v)) }
func unpackU64(v []byte) uint64 { return uint64(unpackLoc(v)) }
