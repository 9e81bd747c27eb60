package hsm

import (
	"encoding/binary"

	"github.com/blockcache/dmcache/pkg/btree"
	"github.com/blockcache/dmcache/pkg/types"
)

// mapping composes two single-key B-trees into the (dev, key) → value
// mapping spec.md §4.3/§4.4 calls for: an outer tree keyed by DevId
// whose values are themselves inner-tree roots, and an inner tree keyed
// by the per-device key (origin block for the forward map, pool block
// for the reverse map). This is the idiomatic-Go rendering of "nested
// single-key B-trees composing a tuple key": the outer/inner split is
// just two *Tree values sharing one Shadower, not a distinct data type.
type mapping struct {
	outer *btree.Tree // key=dev, value=inner root (8 bytes)
	inner *btree.Tree // key=per-device key, value=payload
}

func newMapping(payloadSize int) *mapping {
	u64Value := btree.ValueType{
		Size:  8,
		Copy:  func(dst, src []byte) { copy(dst, src) },
		Del:   func([]byte) error { return nil },
		Equal: func(a, b []byte) bool { return string(a) == string(b) },
	}

	return &mapping{
		outer: btree.New(u64Value),
		inner: btree.New(btree.ValueType{
			Size:  payloadSize,
			Copy:  func(dst, src []byte) { copy(dst, src) },
			Del:   func([]byte) error { return nil },
			Equal: func(a, b []byte) bool { return string(a) == string(b) },
		}),
	}
}

func packLoc(b types.BlockId) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(b))

	return buf
}

func unpackLoc(v []byte) types.BlockId {
	return types.BlockId(binary.LittleEndian.Uint64(v))
}

func (m *mapping) empty(sh btree.Shadower) (types.BlockId, error) {
	return m.outer.Empty(sh)
}

func (m *mapping) lookup(sh btree.Reader, outerRoot types.BlockId, dev types.DevId, key uint64) ([]byte, bool, error) {
	innerRootBuf, found, err := m.outer.LookupEqual(sh, outerRoot, uint64(dev))
	if err != nil || !found {
		return nil, false, err
	}

	return m.inner.LookupEqual(sh, unpackLoc(innerRootBuf), key)
}

// upsert inserts or updates (dev, key) -> value, creating a fresh inner
// tree for dev if this is its first entry.
func (m *mapping) upsert(sh btree.Shadower, outerRoot types.BlockId, dev types.DevId, key uint64, value []byte) (types.BlockId, error) {
	innerRootBuf, found, err := m.outer.LookupEqual(sh, outerRoot, uint64(dev))
	if err != nil {
		return 0, err
	}

	var innerRoot types.BlockId

	if found {
		innerRoot = unpackLoc(innerRootBuf)
	} else {
		innerRoot, err = m.inner.Empty(sh)
		if err != nil {
			return 0, err
		}
	}

	newInnerRoot, err := m.inner.Insert(sh, innerRoot, key, value)
	if err != nil {
		return 0, err
	}

	return m.outer.Insert(sh, outerRoot, uint64(dev), packLoc(newInnerRoot))
}

// remove deletes (dev, key) if present. If that was the device's last
// entry, the now-empty inner tree's root is dropped from the outer
// tree and its block reference released.
func (m *mapping) remove(sh btree.Shadower, outerRoot types.BlockId, dev types.DevId, key uint64) (types.BlockId, bool, error) {
	innerRootBuf, found, err := m.outer.LookupEqual(sh, outerRoot, uint64(dev))
	if err != nil || !found {
		return outerRoot, false, err
	}

	innerRoot := unpackLoc(innerRootBuf)

	newInnerRoot, removed, err := m.inner.Remove(sh, innerRoot, key)
	if err != nil || !removed {
		return outerRoot, removed, err
	}

	empty, err := m.inner.IsEmpty(sh, newInnerRoot)
	if err != nil {
		return 0, false, err
	}

	if empty {
		if err := sh.DecRef(newInnerRoot); err != nil {
			return 0, false, err
		}

		newOuterRoot, _, err := m.outer.Remove(sh, outerRoot, uint64(dev))

		return newOuterRoot, true, err
	}

	newOuterRoot, err := m.outer.Insert(sh, outerRoot, uint64(dev), packLoc(newInnerRoot))

	return newOuterRoot, true, err
}
