// Package blockio abstracts the fixed-size, validated block I/O cache
// that spec.md §1 calls an external collaborator: "a buffered block I/O
// cache (abstracted as a keyed read/write/lock primitive on fixed-size
// disk blocks with CRC validators)". Everything above this package (the
// space map, the B-tree, the transaction manager) is written against the
// [BlockCache] interface; [Real] and [Mem] are the two implementations
// this repo ships, mirroring the production/test split the teacher repo
// uses for its own filesystem abstraction.
package blockio

import (
	"errors"

	"github.com/blockcache/dmcache/pkg/types"
)

// Sentinel errors. Callers classify failures with errors.Is, matching the
// teacher's convention of small sentinel vars per package.
var (
	// ErrIO is returned for any underlying read/write failure. It maps to
	// spec.md §7's I/O-ERROR kind.
	ErrIO = errors.New("blockio: i/o error")
	// ErrChecksum is returned when a Validator rejects a block's
	// contents or location on read, or before a write. Maps to
	// spec.md §7's CHECKSUM-FAIL kind.
	ErrChecksum = errors.New("blockio: checksum failure")
	// ErrOutOfRange is returned for a block index at or beyond NrBlocks.
	ErrOutOfRange = errors.New("blockio: block out of range")
	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("blockio: closed")
	// ErrAlreadyLocked is returned by a non-blocking lock attempt that
	// would otherwise have to wait. Maps to spec.md §7's WOULD-BLOCK.
	ErrAlreadyLocked = errors.New("blockio: already locked")
)

// Validator stamps and checks a block's self-describing header fields
// (its on-disk location and checksum) the way spec.md §3 requires: "Each
// node carries its own 64-bit location... and a CRC."
//
// Prepare is called immediately before a write-locked block is flushed.
// Check is called immediately after a block is read from the backing
// store, before the caller sees its contents.
type Validator interface {
	// Prepare stamps loc and a fresh checksum into data in place.
	Prepare(loc types.BlockId, data []byte)
	// Check verifies data was read from loc and has not been corrupted.
	// Returns an error satisfying errors.Is(err, ErrChecksum) on failure.
	Check(loc types.BlockId, data []byte) error
}

// NoopValidator performs no validation. Used for scratch/bootstrap
// blocks that carry no self-describing header (e.g. the space map's
// bump-allocator phase, before real structures exist).
type NoopValidator struct{}

func (NoopValidator) Prepare(types.BlockId, []byte)          {}
func (NoopValidator) Check(types.BlockId, []byte) error      { return nil }

// LockedBlock is a handle to one block currently held under a read or
// write lock. Data is safe to read always, and safe to mutate only if
// the block was obtained via WriteLock; the cache does not itself
// enforce that distinction (same discipline as a raw mmap region), so
// callers (the transaction manager) are responsible for respecting it.
type LockedBlock struct {
	Loc  types.BlockId
	Data []byte
}

// BlockCache is the fixed-size block read/write/lock primitive that
// every higher layer (space map, B-tree, transaction manager) is built
// on. A BlockCache never blocks the caller beyond ordinary disk latency;
// non-blocking semantics for the cache-mapping hot path are layered on
// top by the transaction manager's non-blocking clone (spec.md §4.1).
type BlockCache interface {
	// BlockSize returns the fixed block size in bytes.
	BlockSize() int
	// NrBlocks returns the number of addressable blocks.
	NrBlocks() types.BlockId

	// ReadLock takes a shared lock on b, reads it, runs v.Check, and
	// returns the block. Multiple readers may hold the lock
	// concurrently; a writer waits for all readers to release.
	ReadLock(b types.BlockId, v Validator) (*LockedBlock, error)

	// WriteLock takes an exclusive lock on b and returns its current
	// contents (read first, then v.Check run) for in-place mutation.
	// The caller must eventually call Unlock, which persists the block
	// as it is; Unlock does not run v.Prepare (txmgr's Commit and the
	// space map's Persist call Prepare themselves before Unlock).
	WriteLock(b types.BlockId, v Validator) (*LockedBlock, error)

	// NewBlock is like WriteLock but skips the read: the caller commits
	// to filling the entire block before Unlock (spec.md §4.1:
	// "no-read-before-write"). v is not run on the implicit zero-fill.
	NewBlock(b types.BlockId, v Validator) (*LockedBlock, error)

	// Unlock releases the lock held on blk. If blk came from WriteLock
	// or NewBlock, its contents are persisted to the in-memory/backing
	// store (durability to stable storage happens at Flush, not here).
	Unlock(blk *LockedBlock) error

	// Flush forces all unlocked, dirty blocks to stable storage and
	// returns once they are durable. The transaction manager's commit
	// uses this as its non-superblock "earlier writes durable" step.
	Flush() error

	// Close releases all resources. Unflushed writes are discarded.
	Close() error
}

// NonBlocking is implemented by a BlockCache variant that never waits
// for a contended lock, returning ErrAlreadyLocked instead. The
// transaction manager's non_blocking_clone (spec.md §4.1) is built on a
// BlockCache that also implements this interface.
type NonBlocking interface {
	TryReadLock(b types.BlockId, v Validator) (*LockedBlock, error)
	TryWriteLock(b types.BlockId, v Validator) (*LockedBlock, error)
}
