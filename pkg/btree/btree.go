package btree

import (
	"encoding/binary"

	"github.com/blockcache/dmcache/pkg/types"
)

// Tree is a single-level shadowing B-tree over uint64 keys and
// fixed-size values, per spec.md §4.3. A Tree value is stateless except
// for its value type (the shadower is passed to each call); the actual tree is identified purely
// by its root types.BlockId, so many trees (or many generations of the
// same tree) can share one Tree value.
type Tree struct {
	vt ValueType
}

// New returns a Tree for the given leaf value type. vt.Size must match
// what was used when the tree's blocks were formatted.
func New(vt ValueType) *Tree {
	return &Tree{vt: vt}
}

// Empty allocates a fresh, empty leaf node and returns its location as
// a brand-new tree root (spec.md §4.3's empty()).
func (t *Tree) Empty(sh Shadower) (types.BlockId, error) {
	loc, data, err := sh.NewBlock()
	if err != nil {
		return 0, err
	}

	n := newNode(loc, data, false, t.vt.Size)
	n.flush()

	if err := sh.Commit(loc, data); err != nil {
		return 0, err
	}

	return loc, nil
}

// IsEmpty reports whether root names a tree with no entries — a leaf
// with nr_entries == 0. An internal root always has at least two
// entries (Remove collapses a one-entry internal root into its single
// child), so this check never needs to recurse.
func (t *Tree) IsEmpty(sh Reader, root types.BlockId) (bool, error) {
	data, err := sh.ReadNode(root)
	if err != nil {
		return false, err
	}

	n, err := decodeNode(root, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		_ = sh.Release(root)
		return false, err
	}

	empty := !n.internal && n.nrEntries == 0

	return empty, sh.Release(root)
}

func childBuf(b types.BlockId) []byte {
	buf := make([]byte, childValueSize)
	binary.LittleEndian.PutUint64(buf, uint64(b))

	return buf
}

// LookupEqual performs a read-only exact-key lookup (spec.md §4.3's
// lookup_equal), never shadowing any block.
func (t *Tree) LookupEqual(sh Reader, root types.BlockId, key uint64) (value []byte, found bool, err error) {
	loc := root

	for {
		data, err := sh.ReadNode(loc)
		if err != nil {
			return nil, false, err
		}

		n, err := decodeNode(loc, data, sh.BlockSize(), t.vt.Size)
		if err != nil {
			_ = sh.Release(loc)
			return nil, false, err
		}

		if !n.internal {
			idx := n.findIndex(key)

			var out []byte

			ok := idx < n.nrEntries && n.keys[idx] == key
			if ok {
				out = make([]byte, t.vt.Size)
				copy(out, n.values[idx])
			}

			if err := sh.Release(loc); err != nil {
				return nil, false, err
			}

			return out, ok, nil
		}

		idx := n.descendIndex(key)
		next := n.childAt(idx)

		if err := sh.Release(loc); err != nil {
			return nil, false, err
		}

		loc = next
	}
}

// Walk visits every (key, value) pair in ascending key order, read-only.
func (t *Tree) Walk(sh Shadower, root types.BlockId, fn func(key uint64, value []byte) error) error {
	return t.walkRec(sh, root, fn)
}

func (t *Tree) walkRec(sh Shadower, loc types.BlockId, fn func(uint64, []byte) error) error {
	data, err := sh.ReadNode(loc)
	if err != nil {
		return err
	}

	n, err := decodeNode(loc, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		_ = sh.Release(loc)
		return err
	}

	if !n.internal {
		for i := 0; i < n.nrEntries; i++ {
			if err := fn(n.keys[i], n.values[i]); err != nil {
				_ = sh.Release(loc)
				return err
			}
		}

		return sh.Release(loc)
	}

	children := make([]types.BlockId, n.nrEntries)
	for i := range children {
		children[i] = n.childAt(i)
	}

	if err := sh.Release(loc); err != nil {
		return err
	}

	for _, c := range children {
		if err := t.walkRec(sh, c, fn); err != nil {
			return err
		}
	}

	return nil
}

// Insert inserts or updates key with value, returning the tree's new
// root. It uses the classic preemptive-split top-down algorithm, which
// keeps the shadow spine bounded to a parent and its current child at
// any moment (spec.md §4.1's shadow spine).
func (t *Tree) Insert(sh Shadower, root types.BlockId, key uint64, value []byte) (types.BlockId, error) {
	loc, data, incChildren, err := sh.Shadow(root)
	if err != nil {
		return 0, err
	}

	n, err := decodeNode(loc, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		return 0, err
	}

	if err := t.bumpChildren(sh, n, incChildren); err != nil {
		return 0, err
	}

	if n.full() {
		newRootLoc, newRootData, err := sh.NewBlock()
		if err != nil {
			return 0, err
		}

		newRootN := newNode(newRootLoc, newRootData, true, childValueSize)
		newRootN.setKeyValue(0, n.keys[0], childBuf(loc))
		newRootN.nrEntries = 1
		newRootN.flush()

		if err := sh.Commit(loc, data); err != nil {
			return 0, err
		}

		if err := t.splitChild(sh, newRootN, 0); err != nil {
			return 0, err
		}

		return t.insertNonFull(sh, newRootLoc, newRootData, newRootN, key, value)
	}

	return t.insertNonFull(sh, loc, data, n, key, value)
}

// insertNonFull inserts into n, which is already shadowed and known not
// to be full, committing n (and recursively its descendants) before
// returning its (possibly unchanged) location.
func (t *Tree) insertNonFull(sh Shadower, loc types.BlockId, data []byte, n *node, key uint64, value []byte) (types.BlockId, error) {
	if !n.internal {
		idx := n.findIndex(key)

		if idx < n.nrEntries && n.keys[idx] == key {
			n.setKeyValue(idx, key, value)
		} else {
			n.insertAt(idx, key, value)
		}

		n.flush()

		return loc, sh.Commit(loc, data)
	}

	idx := n.descendIndex(key)

	childData, err := sh.ReadNode(n.childAt(idx))
	if err != nil {
		return 0, err
	}

	childN, err := decodeNode(n.childAt(idx), childData, sh.BlockSize(), t.vt.Size)
	if err != nil {
		_ = sh.Release(n.childAt(idx))
		return 0, err
	}

	full := childN.full()

	if err := sh.Release(n.childAt(idx)); err != nil {
		return 0, err
	}

	if full {
		if err := t.splitChild(sh, n, idx); err != nil {
			return 0, err
		}

		if key >= n.keys[idx+1] {
			idx++
		}
	}

	newChildLoc, err := t.Insert(sh, n.childAt(idx), key, value)
	if err != nil {
		return 0, err
	}

	n.setChildAt(idx, newChildLoc)
	n.flush()

	return loc, sh.Commit(loc, data)
}

// splitChild shadows parentN's idx'th child, splits it in two, and
// rewires parentN to reference both halves. parentN must already be
// shadowed (owned by the current transaction) and not full.
func (t *Tree) splitChild(sh Shadower, parentN *node, idx int) error {
	childLoc := parentN.childAt(idx)

	newChildLoc, childData, incChildren, err := sh.Shadow(childLoc)
	if err != nil {
		return err
	}

	childN, err := decodeNode(newChildLoc, childData, sh.BlockSize(), t.vt.Size)
	if err != nil {
		return err
	}

	if err := t.bumpChildren(sh, childN, incChildren); err != nil {
		return err
	}

	siblingLoc, siblingData, err := sh.NewBlock()
	if err != nil {
		return err
	}

	siblingN := newNode(siblingLoc, siblingData, childN.internal, childN.valueSize)

	mid := childN.nrEntries / 2

	var separator uint64

	rightCount := childN.nrEntries - mid
	for i := 0; i < rightCount; i++ {
		siblingN.setKeyValue(i, childN.keys[mid+i], childN.values[mid+i])
	}

	siblingN.nrEntries = rightCount
	separator = siblingN.keys[0]
	childN.nrEntries = mid

	childN.flush()
	siblingN.flush()

	if err := sh.Commit(newChildLoc, childData); err != nil {
		return err
	}

	if err := sh.Commit(siblingLoc, siblingData); err != nil {
		return err
	}

	parentN.setChildAt(idx, newChildLoc)
	parentN.insertAt(idx+1, separator, childBuf(siblingLoc))
	parentN.flush()

	return nil
}

func (t *Tree) bumpChildren(sh Shadower, n *node, incChildren bool) error {
	if !incChildren || !n.internal {
		return nil
	}

	for i := 0; i < n.nrEntries; i++ {
		if err := sh.IncRef(n.childAt(i)); err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes key if present, returning the tree's new root and
// whether the key was found. Uses the symmetric top-down preemptive
// merge/borrow algorithm, so the root may shrink by one level when its
// sole remaining entry collapses into a single child.
func (t *Tree) Remove(sh Shadower, root types.BlockId, key uint64) (types.BlockId, bool, error) {
	newRoot, found, err := t.removeRec(sh, root, key)
	if err != nil {
		return 0, false, err
	}

	data, err := sh.ReadNode(newRoot)
	if err != nil {
		return 0, false, err
	}

	n, err := decodeNode(newRoot, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		_ = sh.Release(newRoot)
		return 0, false, err
	}

	if n.internal && n.nrEntries == 1 {
		onlyChild := n.childAt(0)

		if err := sh.Release(newRoot); err != nil {
			return 0, false, err
		}

		if err := sh.DecRef(newRoot); err != nil {
			return 0, false, err
		}

		return onlyChild, found, nil
	}

	if err := sh.Release(newRoot); err != nil {
		return 0, false, err
	}

	return newRoot, found, nil
}

func (t *Tree) removeRec(sh Shadower, root types.BlockId, key uint64) (types.BlockId, bool, error) {
	loc, data, incChildren, err := sh.Shadow(root)
	if err != nil {
		return 0, false, err
	}

	n, err := decodeNode(loc, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		return 0, false, err
	}

	if err := t.bumpChildren(sh, n, incChildren); err != nil {
		return 0, false, err
	}

	if !n.internal {
		idx := n.findIndex(key)

		found := idx < n.nrEntries && n.keys[idx] == key
		if found {
			n.removeAt(idx)
		}

		n.flush()

		return loc, found, sh.Commit(loc, data)
	}

	idx := n.descendIndex(key)

	if err := t.ensureNotUnderflowing(sh, n, idx); err != nil {
		return 0, false, err
	}

	idx = n.descendIndex(key)

	newChildLoc, found, err := t.removeRec(sh, n.childAt(idx), key)
	if err != nil {
		return 0, false, err
	}

	n.setChildAt(idx, newChildLoc)
	n.flush()

	return loc, found, sh.Commit(loc, data)
}

// ensureNotUnderflowing guarantees that n's idx'th child has more than
// its minimum entry count before the caller descends into it, by
// borrowing from a sibling or merging with one, per spec.md §4.3's
// rebalance-on-descent rule.
func (t *Tree) ensureNotUnderflowing(sh Shadower, n *node, idx int) error {
	childLoc := n.childAt(idx)

	data, err := sh.ReadNode(childLoc)
	if err != nil {
		return err
	}

	childN, err := decodeNode(childLoc, data, sh.BlockSize(), t.vt.Size)
	if err != nil {
		_ = sh.Release(childLoc)
		return err
	}

	nrEntries := childN.nrEntries
	threshold := childN.underflowThreshold()

	if err := sh.Release(childLoc); err != nil {
		return err
	}

	if nrEntries > threshold {
		return nil
	}

	if idx+1 < n.nrEntries {
		return t.mergeOrBorrow(sh, n, idx, idx+1)
	}

	if idx > 0 {
		return t.mergeOrBorrow(sh, n, idx-1, idx)
	}

	return nil // only child, nothing to rebalance against
}

// mergeOrBorrow rebalances n's entries at [left, right] (adjacent
// children), borrowing from whichever side has spare entries, or
// merging them into one node when neither does.
func (t *Tree) mergeOrBorrow(sh Shadower, n *node, left, right int) error {
	leftLoc, leftData, leftInc, err := sh.Shadow(n.childAt(left))
	if err != nil {
		return err
	}

	leftN, err := decodeNode(leftLoc, leftData, sh.BlockSize(), t.vt.Size)
	if err != nil {
		return err
	}

	if err := t.bumpChildren(sh, leftN, leftInc); err != nil {
		return err
	}

	rightLoc, rightData, rightInc, err := sh.Shadow(n.childAt(right))
	if err != nil {
		return err
	}

	rightN, err := decodeNode(rightLoc, rightData, sh.BlockSize(), t.vt.Size)
	if err != nil {
		return err
	}

	if err := t.bumpChildren(sh, rightN, rightInc); err != nil {
		return err
	}

	n.setChildAt(left, leftLoc)
	n.setChildAt(right, rightLoc)

	threshold := leftN.underflowThreshold()

	if leftN.nrEntries <= threshold && rightN.nrEntries <= threshold {
		return t.mergeNodes(sh, n, left, right, leftLoc, leftData, rightLoc, rightData, leftN, rightN)
	}

	if leftN.nrEntries > threshold {
		t.rotateRight(n, left, right, leftN, rightN)
	} else {
		t.rotateLeft(n, left, right, leftN, rightN)
	}

	leftN.flush()
	rightN.flush()

	if err := sh.Commit(leftLoc, leftData); err != nil {
		return err
	}

	return sh.Commit(rightLoc, rightData)
}

func (t *Tree) rotateRight(n *node, left, right int, leftN, rightN *node) {
	// Move leftN's last entry to rightN's front; rightN's key in n becomes
	// that entry's key, its new minimum.
	lastKey := leftN.keys[leftN.nrEntries-1]
	lastVal := make([]byte, leftN.valueSize)
	copy(lastVal, leftN.values[leftN.nrEntries-1])

	leftN.removeAt(leftN.nrEntries - 1)
	rightN.insertAt(0, lastKey, lastVal)
	n.keys[right] = lastKey
}

func (t *Tree) rotateLeft(n *node, left, right int, leftN, rightN *node) {
	firstKey := rightN.keys[0]
	firstVal := make([]byte, rightN.valueSize)
	copy(firstVal, rightN.values[0])

	rightN.removeAt(0)
	leftN.insertAt(leftN.nrEntries, firstKey, firstVal)
	n.keys[right] = rightN.keys[0]
}

func (t *Tree) mergeNodes(sh Shadower, n *node, left, right int, leftLoc types.BlockId, leftData []byte, rightLoc types.BlockId, rightData []byte, leftN, rightN *node) error {
	for i := 0; i < rightN.nrEntries; i++ {
		leftN.insertAt(leftN.nrEntries, rightN.keys[i], rightN.values[i])
	}

	leftN.flush()

	if err := sh.Commit(leftLoc, leftData); err != nil {
		return err
	}

	// rightLoc was shadowed above but its content is now folded into
	// leftLoc; commit it unchanged so its write lock clears, then drop
	// the reference that used to pin it into the tree.
	if err := sh.Commit(rightLoc, rightData); err != nil {
		return err
	}

	if err := sh.DecRef(rightLoc); err != nil {
		return err
	}

	n.setChildAt(left, leftLoc)
	n.removeAt(right)
	n.flush()

	return nil
}
