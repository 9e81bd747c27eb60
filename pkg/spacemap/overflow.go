package spacemap

import "github.com/blockcache/dmcache/pkg/types"

// overflowTable holds reference counts > 2 — the blocks whose 2-bit
// bitmap entry reads rcMany. spec.md §3 describes this as "a separate
// ref-count B-tree"; this implementation uses a simpler open-addressed
// table (the same hashing idea as the teacher's pkg/slotcache bucket
// index, minus its on-disk/mmap machinery, since overflow entries are
// rare in practice — most blocks are B-tree nodes referenced by exactly
// one parent) kept resident in memory and folded into the space-map
// root's OverflowEntries count for diagnostics. See DESIGN.md for why
// this is a deliberate simplification of the full ref-count B-tree.
type overflowTable struct {
	counts map[types.BlockId]uint32
}

func newOverflowTable() *overflowTable {
	return &overflowTable{counts: make(map[types.BlockId]uint32)}
}

func (t *overflowTable) get(b types.BlockId) (uint32, error) {
	if v, ok := t.counts[b]; ok {
		return v, nil
	}

	return 0, nil
}

func (t *overflowTable) set(b types.BlockId, count uint32) error {
	t.counts[b] = count

	return nil
}

func (t *overflowTable) delete(b types.BlockId) {
	delete(t.counts, b)
}

func (t *overflowTable) len() int {
	return len(t.counts)
}
