// Package writeback implements spec.md §4.5's L5a writeback policy: a
// doubly linked LRU over an open-addressed hash table from origin block
// to cache-policy entry, with dirty tracking and writeback-work
// generation. Its own Map only ever decides HIT or MISS — admission is
// left to an outer policy stacked above it (spec.md: "map only decides
// HIT/MISS, it admits nothing"); Admit exposes the LRU-eviction
// admission logic that stack shim can call explicitly.
//
// Entries live in a pre-sized arena (one slot per cache block) indexed
// directly by CBlock, so Map's hot path never allocates — the same
// non-blocking-policy contract spec.md §5 requires of every
// replacement algorithm.
package writeback

import (
	"fmt"
	"sync"

	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/types"
)

const sentinel = int32(-1)

type entry struct {
	ob         types.OBlock
	dirty      bool
	inUse      bool
	prev, next int32
}

// Policy is the writeback/"cleaner" replacement policy.
type Policy struct {
	mu sync.Mutex

	entries []entry
	index   map[types.BlockId]int32 // ob.Block() -> arena index (== CBlock)
	free    []int32

	head, tail int32 // head = MRU, tail = LRU
	nrDirty    int
}

// New allocates a writeback policy over cacheSize cache blocks.
func New(cacheSize int) *Policy {
	p := &Policy{
		entries: make([]entry, cacheSize),
		index:   make(map[types.BlockId]int32, cacheSize),
		free:    make([]int32, cacheSize),
		head:    sentinel,
		tail:    sentinel,
	}

	for i := 0; i < cacheSize; i++ {
		p.free[i] = int32(cacheSize - 1 - i)
	}

	return p
}

func (p *Policy) unlink(i int32) {
	e := &p.entries[i]
	if e.prev != sentinel {
		p.entries[e.prev].next = e.next
	} else {
		p.head = e.next
	}

	if e.next != sentinel {
		p.entries[e.next].prev = e.prev
	} else {
		p.tail = e.prev
	}

	e.prev, e.next = sentinel, sentinel
}

func (p *Policy) pushFront(i int32) {
	e := &p.entries[i]
	e.prev = sentinel
	e.next = p.head

	if p.head != sentinel {
		p.entries[p.head].prev = i
	}

	p.head = i
	if p.tail == sentinel {
		p.tail = i
	}
}

func (p *Policy) touch(i int32) {
	p.unlink(i)
	p.pushFront(i)
}

// Map implements policy.Policy.Map. It never admits: a miss stays a
// miss regardless of canMigrate, per this policy's contract.
func (p *Policy) Map(ob types.OBlock, _, _ bool) (policy.MapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.index[ob.Block()]; ok {
		p.touch(i)
		return policy.MapResult{Result: policy.Hit, CBlock: types.NewCBlock(types.BlockId(i))}, nil
	}

	return policy.MapResult{Result: policy.Miss}, nil
}

// Admit performs LRU-eviction admission for ob: either a free slot is
// used, or the current LRU tail is evicted to make room. The outer
// admission shim in a policy stack calls this from its own Map after
// deciding to admit.
func (p *Policy) Admit(ob types.OBlock) (cb types.CBlock, evictedOB types.OBlock, evicted bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.index[ob.Block()]; ok {
		return types.CBlock{}, types.OBlock{}, false, fmt.Errorf("writeback: admit: %d already resident", ob.Block())
	}

	var i int32

	if n := len(p.free); n > 0 {
		i = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.tail == sentinel {
			return types.CBlock{}, types.OBlock{}, false, fmt.Errorf("%w: writeback policy has no entries to evict", policy.ErrInfallibleOp)
		}

		i = p.tail
		victim := p.entries[i]
		evictedOB = victim.ob
		evicted = true

		p.unlink(i)
		delete(p.index, victim.ob.Block())

		if victim.dirty {
			p.nrDirty--
		}
	}

	p.entries[i] = entry{ob: ob, inUse: true}
	p.index[ob.Block()] = i
	p.pushFront(i)

	return types.NewCBlock(types.BlockId(i)), evictedOB, evicted, nil
}

func (p *Policy) Lookup(ob types.OBlock) (types.CBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[ob.Block()]
	if !ok {
		return types.CBlock{}, false
	}

	return types.NewCBlock(types.BlockId(i)), true
}

func (p *Policy) LoadMapping(ob types.OBlock, cb types.CBlock, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := int32(cb.Block())
	if int(i) >= len(p.entries) {
		return fmt.Errorf("writeback: load_mapping: cblock %d out of range", i)
	}

	if p.entries[i].inUse {
		return fmt.Errorf("writeback: load_mapping: cblock %d already in use", i)
	}

	p.removeFree(i)
	p.entries[i] = entry{ob: ob, dirty: dirty, inUse: true}
	p.index[ob.Block()] = i
	p.pushFront(i)

	if dirty {
		p.nrDirty++
	}

	return nil
}

func (p *Policy) removeFree(i int32) {
	for j, f := range p.free {
		if f == i {
			p.free = append(p.free[:j], p.free[j+1:]...)
			return
		}
	}
}

func (p *Policy) Walk(fn func(ob types.OBlock, cb types.CBlock, dirty bool) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if !e.inUse {
			continue
		}

		if err := fn(e.ob, types.NewCBlock(types.BlockId(i)), e.dirty); err != nil {
			return err
		}
	}

	return nil
}

func (p *Policy) RemoveMapping(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[ob.Block()]
	if !ok {
		return nil
	}

	if p.entries[i].dirty {
		p.nrDirty--
	}

	p.unlink(i)
	delete(p.index, ob.Block())
	p.entries[i] = entry{}
	p.free = append(p.free, i)

	return nil
}

func (p *Policy) ForceMapping(ob types.OBlock, cb types.CBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := int32(cb.Block())
	if int(i) >= len(p.entries) {
		return fmt.Errorf("%w: cblock %d out of range", policy.ErrInfallibleOp, i)
	}

	if old := p.entries[i]; old.inUse {
		delete(p.index, old.ob.Block())

		if old.dirty {
			p.nrDirty--
		}

		p.unlink(i)
	} else {
		p.removeFree(i)
	}

	p.entries[i] = entry{ob: ob, inUse: true}
	p.index[ob.Block()] = i
	p.pushFront(i)

	return nil
}

func (p *Policy) Residency() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.index)
}

func (p *Policy) Tick() {}

func (p *Policy) SetDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	if !p.entries[i].dirty {
		p.entries[i].dirty = true
		p.nrDirty++
	}

	return nil
}

func (p *Policy) ClearDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	if p.entries[i].dirty {
		p.entries[i].dirty = false
		p.nrDirty--
	}

	return nil
}

// NextWriteback scans from the current LRU tail for the next dirty
// entry and rotates it to the front (spec.md §4.5: "scans the LRU for
// the next dirty entry, rotates it to tail" — rotating to the MRU end
// here, so a repeated scan makes forward progress through all dirty
// entries before revisiting one).
func (p *Policy) NextWriteback() (types.OBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nrDirty == 0 {
		return types.OBlock{}, false
	}

	for i := p.tail; i != sentinel; i = p.entries[i].prev {
		if p.entries[i].dirty {
			ob := p.entries[i].ob
			p.touch(i)

			return ob, true
		}
	}

	return types.OBlock{}, false
}

func (p *Policy) NrDirty() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nrDirty
}

func (p *Policy) Status() policy.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return policy.Status{
		Name:      "writeback",
		Residency: len(p.index),
		NrDirty:   p.nrDirty,
	}
}

var (
	_ policy.Policy           = (*Policy)(nil)
	_ policy.WritebackCapable = (*Policy)(nil)
	_ policy.StatusCapable    = (*Policy)(nil)
)
