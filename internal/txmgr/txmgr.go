// Package txmgr is the transaction manager spec.md §4.1 describes: it
// owns the single outstanding write transaction against a metadata
// [blockio.BlockCache], mediates every shadow/new-block/ref-count
// operation the B-tree layer performs, and exposes the non-blocking
// read-only clone hot paths use to avoid stalling behind a held write
// transaction.
//
// Grounded on pkg/mddb/tx.go's Begin/Commit/Rollback shape (lock held
// for the transaction's duration, released on Commit or Rollback) and
// on pkg/spacemap for allocation and reference counting.
package txmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blockcache/dmcache/internal/blockio"
	"github.com/blockcache/dmcache/pkg/btree"
	"github.com/blockcache/dmcache/pkg/spacemap"
	"github.com/blockcache/dmcache/pkg/types"
)

// ErrWouldBlock is returned by NonBlockingClone when a write transaction
// currently holds the blocks a clone lookup needs, per spec.md §4.1's
// "WOULD-BLOCK semantics" requirement for the hot read path.
var ErrWouldBlock = errors.New("txmgr: operation would block")

// ErrClosed indicates the transaction manager (or the clone derived
// from it) is no longer usable.
var ErrClosed = errors.New("txmgr: closed")

// ErrNotOwned is returned by Commit/Release when called with a location
// the current transaction never obtained through NewBlock or Shadow.
var ErrNotOwned = errors.New("txmgr: block not owned by this transaction")

// TransactionManager serialises mutating access to one metadata
// [blockio.BlockCache] and its [spacemap.SpaceMap]. Only one write
// transaction may be open at a time; concurrent read-only access goes
// through NonBlockingClone instead.
type TransactionManager struct {
	mu    sync.Mutex
	cache blockio.BlockCache
	sm    *spacemap.SpaceMap
	v     blockio.Validator

	inTxn    bool
	owned    map[types.BlockId]bool        // blocks exclusively held by the open transaction
	shadowOf map[types.BlockId]types.BlockId // pre-existing block -> its shadow this transaction
	locked   map[types.BlockId]*blockio.LockedBlock
	readLocked map[types.BlockId]*blockio.LockedBlock
}

// New wraps cache and sm for transactional access. v validates every
// block read or written through the manager.
func New(cache blockio.BlockCache, sm *spacemap.SpaceMap, v blockio.Validator) *TransactionManager {
	return &TransactionManager{
		cache:      cache,
		sm:         sm,
		v:          v,
		owned:      make(map[types.BlockId]bool),
		shadowOf:   make(map[types.BlockId]types.BlockId),
		locked:     make(map[types.BlockId]*blockio.LockedBlock),
		readLocked: make(map[types.BlockId]*blockio.LockedBlock),
	}
}

// Begin opens a new write transaction. Only one may be open at a time.
func (tm *TransactionManager) Begin() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.inTxn {
		return fmt.Errorf("txmgr: transaction already open")
	}

	tm.inTxn = true
	tm.owned = make(map[types.BlockId]bool)
	tm.shadowOf = make(map[types.BlockId]types.BlockId)
	tm.locked = make(map[types.BlockId]*blockio.LockedBlock)
	tm.readLocked = make(map[types.BlockId]*blockio.LockedBlock)

	return nil
}

// NewBlock allocates a fresh metadata block via the space map and
// write-locks it, implementing spec.md §4.1's new_block.
func (tm *TransactionManager) NewBlock() (types.BlockId, []byte, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	b, err := tm.sm.Alloc()
	if err != nil {
		return 0, nil, fmt.Errorf("txmgr: new_block: %w", err)
	}

	wb, err := tm.cache.NewBlock(b, tm.v)
	if err != nil {
		return 0, nil, fmt.Errorf("txmgr: new_block: %w", err)
	}

	tm.owned[b] = true
	tm.locked[b] = wb

	return b, wb.Data, nil
}

// Shadow implements spec.md §4.1's shadow(): if orig is uniquely owned
// (refcount <= 1 and not already the shadow of something else this
// transaction), it is write-locked and returned unchanged — no copy,
// no incChildren. Otherwise a fresh block is allocated, orig's content
// copied in, orig's refcount decremented (the old parent's reference to
// it is being replaced by the new shadow), and incChildren is reported
// true so the caller bumps its children's reference counts.
func (tm *TransactionManager) Shadow(orig types.BlockId) (types.BlockId, []byte, bool, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.owned[orig] {
		if wb, ok := tm.locked[orig]; ok {
			return orig, wb.Data, false, nil
		}

		wb, err := tm.cache.WriteLock(orig, tm.v)
		if err != nil {
			return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
		}

		tm.locked[orig] = wb

		return orig, wb.Data, false, nil
	}

	if shadow, ok := tm.shadowOf[orig]; ok {
		wb := tm.locked[shadow]
		return shadow, wb.Data, false, nil
	}

	count, err := tm.sm.GetCount(orig)
	if err != nil {
		return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
	}

	if count <= 1 {
		wb, err := tm.cache.WriteLock(orig, tm.v)
		if err != nil {
			return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
		}

		tm.owned[orig] = true
		tm.locked[orig] = wb

		return orig, wb.Data, false, nil
	}

	origRB, err := tm.cache.ReadLock(orig, tm.v)
	if err != nil {
		return 0, nil, false, fmt.Errorf("txmgr: shadow: read orig: %w", err)
	}

	newLoc, err := tm.sm.Alloc()
	if err != nil {
		_ = tm.cache.Unlock(origRB)
		return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
	}

	wb, err := tm.cache.NewBlock(newLoc, tm.v)
	if err != nil {
		_ = tm.cache.Unlock(origRB)
		return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
	}

	copy(wb.Data, origRB.Data)

	if err := tm.cache.Unlock(origRB); err != nil {
		return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
	}

	if err := tm.sm.Dec(orig); err != nil {
		return 0, nil, false, fmt.Errorf("txmgr: shadow: %w", err)
	}

	tm.owned[newLoc] = true
	tm.shadowOf[orig] = newLoc
	tm.locked[newLoc] = wb

	return newLoc, wb.Data, true, nil
}

// Commit releases the write lock on a block previously returned by
// NewBlock or Shadow. The block's ownership bookkeeping persists for
// the remainder of the transaction so later re-shadowing of the same
// original location still coalesces.
func (tm *TransactionManager) Commit(loc types.BlockId, data []byte) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	wb, ok := tm.locked[loc]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotOwned, loc)
	}

	tm.v.Prepare(loc, wb.Data)

	if err := tm.cache.Unlock(wb); err != nil {
		return fmt.Errorf("txmgr: commit: %w", err)
	}

	delete(tm.locked, loc)

	return nil
}

// ReadNode read-locks loc for non-mutating traversal.
func (tm *TransactionManager) ReadNode(loc types.BlockId) ([]byte, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rb, err := tm.cache.ReadLock(loc, tm.v)
	if err != nil {
		return nil, fmt.Errorf("txmgr: read_lock: %w", err)
	}

	tm.readLocked[loc] = rb

	return rb.Data, nil
}

// Release releases a read lock taken by ReadNode.
func (tm *TransactionManager) Release(loc types.BlockId) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rb, ok := tm.readLocked[loc]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotOwned, loc)
	}

	if err := tm.cache.Unlock(rb); err != nil {
		return fmt.Errorf("txmgr: unlock: %w", err)
	}

	delete(tm.readLocked, loc)

	return nil
}

// IncRef/DecRef/Ref implement spec.md §4.1's inc/dec/ref: direct
// pass-through to the space map, available to callers outside the
// B-tree (e.g. pkg/hsm adjusting a data-block reference count).
func (tm *TransactionManager) IncRef(b types.BlockId) error { return tm.sm.Inc(b) }
func (tm *TransactionManager) DecRef(b types.BlockId) error { return tm.sm.Dec(b) }

func (tm *TransactionManager) Ref(b types.BlockId) (uint32, error) {
	return tm.sm.GetCount(b)
}

// FreeMetadataBlocks reports how many metadata blocks are currently
// unallocated, for pkg/hsm's get_free_metadata_block_count.
func (tm *TransactionManager) FreeMetadataBlocks() types.BlockId {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	root := tm.sm.SerializeRoot()

	return types.BlockId(root.NrBlocks) - types.BlockId(root.NrAllocated)
}

// ReserveBlock marks a block as allocated without transferring any
// content into it, for callers (pkg/hsm's superblock writer) that need
// a stable location reserved ahead of the data that will occupy it.
func (tm *TransactionManager) ReserveBlock(b types.BlockId) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return tm.sm.Inc(b)
}

// BlockSize reports the cache's fixed block size.
func (tm *TransactionManager) BlockSize() int { return tm.cache.BlockSize() }

// PreCommit flushes the space map's in-memory counters into its
// persistent root, ready to be embedded in the superblock. It does not
// flush the underlying cache; callers call CommitTransaction next to do that.
func (tm *TransactionManager) PreCommit(base types.BlockId) (spacemap.Root, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return tm.sm.Persist(tm.cache, base)
}

// CommitTransaction flushes the block cache (making the transaction's
// writes durable) and clears per-transaction bookkeeping, matching
// spec.md §4.1's single-superblock-flush commit semantics: by the time
// this returns, every shadow and allocation performed since Begin is
// either fully durable or, on flush failure, fully absent.
func (tm *TransactionManager) CommitTransaction() error {
	tm.mu.Lock()

	if len(tm.locked) != 0 || len(tm.readLocked) != 0 {
		tm.mu.Unlock()
		return fmt.Errorf("txmgr: commit: %d blocks still locked", len(tm.locked)+len(tm.readLocked))
	}

	tm.sm.Commit()
	tm.sm.EndBootstrap()
	tm.inTxn = false
	tm.mu.Unlock()

	return tm.cache.Flush()
}

// Rollback abandons the open transaction. Blocks allocated this
// transaction remain allocated (the space map does not support
// unwinding allocations mid-transaction; a real rollback path would
// need an undo log, which spec.md §9 marks a non-goal for v1).
func (tm *TransactionManager) Rollback() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.inTxn = false
	tm.owned = make(map[types.BlockId]bool)
	tm.shadowOf = make(map[types.BlockId]types.BlockId)
	tm.locked = make(map[types.BlockId]*blockio.LockedBlock)
	tm.readLocked = make(map[types.BlockId]*blockio.LockedBlock)
}

// NonBlockingClone returns a read-only view that never blocks behind
// the manager's open write transaction, for the cache-core hot lookup
// path (spec.md §4.1 / §6's "non-blocking transaction-manager clone").
// It requires cache to implement [blockio.NonBlocking]; if it does not,
// every clone operation returns ErrWouldBlock unconditionally, which is
// a safe (if conservative) degradation.
func (tm *TransactionManager) NonBlockingClone() *Clone {
	nb, _ := tm.cache.(blockio.NonBlocking)

	return &Clone{cache: tm.cache, nb: nb, v: tm.v}
}

// Clone is a read-only, non-blocking handle produced by
// NonBlockingClone. Every method returns ErrWouldBlock instead of
// waiting if the underlying block is currently write-locked by the
// owning TransactionManager's open transaction.
type Clone struct {
	cache blockio.BlockCache
	nb    blockio.NonBlocking
	v     blockio.Validator
}

func (c *Clone) ReadNode(loc types.BlockId) ([]byte, error) {
	if c.nb == nil {
		return nil, ErrWouldBlock
	}

	rb, err := c.nb.TryReadLock(loc, c.v)
	if err != nil {
		if errors.Is(err, blockio.ErrAlreadyLocked) {
			return nil, ErrWouldBlock
		}

		return nil, err
	}

	data := make([]byte, len(rb.Data))
	copy(data, rb.Data)

	return data, c.cache.Unlock(rb)
}

// Release is a no-op: ReadNode above already copies a block's bytes
// and unlocks before returning, so a Clone never holds a lock across
// the caller's read. It exists only so *Clone satisfies btree.Reader.
func (c *Clone) Release(types.BlockId) error { return nil }

func (c *Clone) BlockSize() int { return c.cache.BlockSize() }

var _ btree.Shadower = (*TransactionManager)(nil)
