// Package btree implements the shadowing (copy-on-write) B-tree
// described in spec.md §4.3: an ordered key/value index whose mutating
// operations only ever write to freshly allocated or freshly shadowed
// blocks, so a tree rooted at an already-committed block is immutable
// and safely shared by concurrent readers and by old snapshots.
//
// The tree itself never talks to a space map or transaction manager
// directly. It is driven entirely through the small Shadower interface
// below, which internal/txmgr implements. That indirection exists
// purely to break the import cycle spec.md §9 calls out: the
// transaction manager's commit path needs to walk B-trees (the space
// map root, the superblock's detail trees), while the B-tree's mutating
// path needs the transaction manager's shadow/new_block/inc/dec
// primitives.
package btree

import "github.com/blockcache/dmcache/pkg/types"

// Reader is the read-only subset of Shadower that a pure lookup needs:
// walk nodes without ever shadowing, allocating, or adjusting a
// reference count. LookupEqual and IsEmpty take a Reader rather than a
// full Shadower so a non-blocking, read-only view (one that cannot
// implement Shadow/NewBlock/Commit/IncRef/DecRef because it has no
// write transaction to shadow into) can still serve lookups.
type Reader interface {
	// ReadNode returns the bytes at loc under a read lock; Release must
	// be called exactly once per successful ReadNode.
	ReadNode(loc types.BlockId) ([]byte, error)
	Release(loc types.BlockId) error

	BlockSize() int
}

// Shadower is the block-level contract the B-tree needs from whatever
// owns the underlying transaction: allocate new blocks, copy-on-write
// existing ones, and adjust the reference counts of blocks referenced
// as values (used when a value IS a child block id, i.e. at every
// non-leaf level and at leaf level for multi-level trees).
type Shadower interface {
	Reader

	// NewBlock allocates and zero-fills a fresh block, returning a
	// write handle into its backing bytes.
	NewBlock() (types.BlockId, []byte, error)

	// Shadow copies orig into a freshly allocated block unless orig is
	// already uniquely owned by the current transaction, in which case
	// it is returned unchanged (spec.md §4.1's shadow-of-shadow
	// coalescing). incChildren reports whether orig's children need
	// their reference counts bumped because orig was shared before this
	// call (i.e. a real copy happened).
	Shadow(orig types.BlockId) (loc types.BlockId, data []byte, incChildren bool, err error)

	// Commit writes data back for a block previously returned by
	// NewBlock or Shadow and releases its write lock.
	Commit(loc types.BlockId, data []byte) error

	// IncRef/DecRef adjust a block's reference count. The tree calls
	// these on child pointers when a node is shadowed (incChildren) or
	// when an entry naming a child/value-block is removed.
	IncRef(b types.BlockId) error
	DecRef(b types.BlockId) error
}

// ValueType is the value-type vtable spec.md §4.3 requires: Size fixes
// the on-disk width of a leaf value, and Copy/Del/Equal let the tree
// treat values opaquely while still letting callers hook reference
// counting (e.g. when a value is itself a block address).
type ValueType struct {
	Size  int
	Copy  func(dst, src []byte)
	Del   func(v []byte) error
	Equal func(a, b []byte) bool
}

// childValueType is used internally at every non-leaf level: the value
// is a child block pointer, and Del decrements its reference count
// through the owning tree's shadower.
func childValueType(sh Shadower) ValueType {
	return ValueType{
		Size: childValueSize,
		Copy: func(dst, src []byte) { copy(dst, src) },
		Del: func(v []byte) error {
			return nil // the tree's own remove path issues DecRef explicitly, see removeRec.
		},
		Equal: func(a, b []byte) bool {
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}

			return true
		},
	}
}
