// Package arc implements spec.md §4.5's L5c adaptive replacement cache
// policy: T1/T2 resident queues, B1/B2 ghost histories, and the
// self-tuning target size p that shifts towards whichever queue is
// producing ghost hits.
//
// Grounded on other_examples' container/list-based LRU shape
// (dag-witness-cache.go.go's list.Element-keyed map + MoveToFront)
// generalised to ARC's four cooperating lists.
package arc

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/types"
)

// residentEntry is the payload of a T1/T2 list.Element.
type residentEntry struct {
	ob    types.OBlock
	cb    types.CBlock
	dirty bool
}

// residentRef locates ob's element without a linear list scan to
// discover which of T1/T2 holds it.
type residentRef struct {
	e    *list.Element
	inT2 bool
}

// ghostRef locates ob's element in B1/B2, same rationale as
// residentRef.
type ghostRef struct {
	e    *list.Element
	inB1 bool
}

// Policy is the ARC replacement policy.
type Policy struct {
	mu sync.Mutex

	c int // cache capacity in blocks
	p int // target size of T1, 0 <= p <= c

	t1, t2 *list.List
	b1, b2 *list.List

	residentIdx map[types.BlockId]residentRef
	ghostIdx    map[types.BlockId]ghostRef

	free []int32 // free CBlock slots
	cbOf map[types.BlockId]types.CBlock

	// interestingSize records the interesting-blocks filter size set by
	// New (cacheSize/2) or WithInterestingSize. No method reads it, so
	// it does not gate admission: one-off scans are admitted like any
	// other miss.
	interestingSize int
}

// Option configures a Policy at construction.
type Option func(*Policy)

// WithInterestingSize overrides the default interesting-blocks filter
// size (spec.md's Open Question decision: default cache_size/2).
func WithInterestingSize(n int) Option {
	return func(p *Policy) { p.interestingSize = n }
}

// New allocates an ARC policy over cacheSize cache blocks.
func New(cacheSize int, opts ...Option) *Policy {
	p := &Policy{
		c:               cacheSize,
		t1:              list.New(),
		t2:              list.New(),
		b1:              list.New(),
		b2:              list.New(),
		residentIdx:     make(map[types.BlockId]residentRef),
		ghostIdx:        make(map[types.BlockId]ghostRef),
		cbOf:            make(map[types.BlockId]types.CBlock),
		free:            make([]int32, cacheSize),
		interestingSize: cacheSize / 2,
	}

	for i := 0; i < cacheSize; i++ {
		p.free[i] = int32(cacheSize - 1 - i)
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}

func (p *Policy) allocCB() (types.CBlock, bool) {
	if n := len(p.free); n > 0 {
		i := p.free[n-1]
		p.free = p.free[:n-1]

		return types.NewCBlock(types.BlockId(i)), true
	}

	return types.CBlock{}, false
}

func (p *Policy) freeCB(cb types.CBlock) {
	p.free = append(p.free, int32(cb.Block()))
}

// replace evicts either T1's or T2's LRU entry into its ghost list,
// per the classic ARC REPLACE(x) subroutine.
func (p *Policy) replace(hitInB2 bool) {
	evictFromT1 := p.t1.Len() > 0 && (p.t1.Len() > p.p || (hitInB2 && p.t1.Len() == p.p))

	var src *list.List
	var dstGhost *list.List

	if evictFromT1 {
		src, dstGhost = p.t1, p.b1
	} else {
		src, dstGhost = p.t2, p.b2
	}

	e := src.Back()
	if e == nil {
		return
	}

	ent := e.Value.(residentEntry)
	src.Remove(e)
	delete(p.residentIdx, ent.ob.Block())
	delete(p.cbOf, ent.ob.Block())
	p.freeCB(ent.cb)

	ge := dstGhost.PushFront(ent.ob)
	p.ghostIdx[ent.ob.Block()] = ghostRef{e: ge, inB1: evictFromT1}
}

// Map implements policy.Policy.Map following the classic ARC decision
// tree (cases I-IV of the Megiddo/Modha algorithm).
func (p *Policy) Map(ob types.OBlock, canMigrate, _ bool) (policy.MapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.residentIdx[ob.Block()]; ok {
		ent := ref.e.Value.(residentEntry)

		// A T1 hit is promoted to T2 (it's been referenced twice now);
		// a T2 hit just moves to T2's MRU.
		if !ref.inT2 {
			p.t1.Remove(ref.e)
			ne := p.t2.PushFront(ent)
			p.residentIdx[ob.Block()] = residentRef{e: ne, inT2: true}
		} else {
			p.t2.MoveToFront(ref.e)
		}

		return policy.MapResult{Result: policy.Hit, CBlock: ent.cb}, nil
	}

	if !canMigrate {
		return policy.MapResult{Result: policy.Miss}, nil
	}

	if gref, ok := p.ghostIdx[ob.Block()]; ok {
		inB1 := gref.inB1

		if inB1 {
			p.p = minInt(p.c, p.p+maxInt(1, p.b2.Len()/maxInt(1, p.b1.Len())))
			p.b1.Remove(gref.e)
		} else {
			p.p = maxInt(0, p.p-maxInt(1, p.b1.Len()/maxInt(1, p.b2.Len())))
			p.b2.Remove(gref.e)
		}

		delete(p.ghostIdx, ob.Block())

		if p.t1.Len()+p.t2.Len() >= p.c {
			p.replace(!inB1)
		}

		return p.admitToT2(ob)
	}

	// Case IV: a genuine miss, not seen recently in any list.
	if p.t1.Len()+p.b1.Len() == p.c {
		if p.t1.Len() < p.c {
			if e := p.b1.Back(); e != nil {
				p.b1.Remove(e)
				delete(p.ghostIdx, e.Value.(types.OBlock).Block())
			}

			p.replace(false)
		} else {
			if e := p.t1.Back(); e != nil {
				ent := e.Value.(residentEntry)
				p.t1.Remove(e)
				delete(p.residentIdx, ent.ob.Block())
				delete(p.cbOf, ent.ob.Block())
				p.freeCB(ent.cb)
			}
		}
	} else if total := p.t1.Len() + p.t2.Len() + p.b1.Len() + p.b2.Len(); total >= p.c {
		if total == 2*p.c {
			if e := p.b2.Back(); e != nil {
				p.b2.Remove(e)
				delete(p.ghostIdx, e.Value.(types.OBlock).Block())
			}
		}

		if p.t1.Len()+p.t2.Len() >= p.c {
			p.replace(false)
		}
	}

	return p.admitToT1(ob)
}

func (p *Policy) admitToT1(ob types.OBlock) (policy.MapResult, error) {
	cb, ok := p.allocCB()
	if !ok {
		return policy.MapResult{}, fmt.Errorf("%w: arc has no free cblock for admission", policy.ErrInfallibleOp)
	}

	e := p.t1.PushFront(residentEntry{ob: ob, cb: cb})
	p.residentIdx[ob.Block()] = residentRef{e: e}
	p.cbOf[ob.Block()] = cb

	return policy.MapResult{Result: policy.New, CBlock: cb}, nil
}

func (p *Policy) admitToT2(ob types.OBlock) (policy.MapResult, error) {
	cb, ok := p.allocCB()
	if !ok {
		return policy.MapResult{}, fmt.Errorf("%w: arc has no free cblock for admission", policy.ErrInfallibleOp)
	}

	e := p.t2.PushFront(residentEntry{ob: ob, cb: cb})
	p.residentIdx[ob.Block()] = residentRef{e: e, inT2: true}
	p.cbOf[ob.Block()] = cb

	return policy.MapResult{Result: policy.New, CBlock: cb}, nil
}

func (p *Policy) Lookup(ob types.OBlock) (types.CBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.cbOf[ob.Block()]

	return cb, ok
}

func (p *Policy) LoadMapping(ob types.OBlock, cb types.CBlock, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeFreeCB(cb)
	e := p.t2.PushFront(residentEntry{ob: ob, cb: cb, dirty: dirty})
	p.residentIdx[ob.Block()] = residentRef{e: e, inT2: true}
	p.cbOf[ob.Block()] = cb

	return nil
}

func (p *Policy) removeFreeCB(cb types.CBlock) {
	target := int32(cb.Block())
	for i, f := range p.free {
		if f == target {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

func (p *Policy) Walk(fn func(ob types.OBlock, cb types.CBlock, dirty bool) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range []*list.List{p.t1, p.t2} {
		for e := l.Front(); e != nil; e = e.Next() {
			ent := e.Value.(residentEntry)
			if err := fn(ent.ob, ent.cb, ent.dirty); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Policy) RemoveMapping(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.residentIdx[ob.Block()]; ok {
		ent := ref.e.Value.(residentEntry)

		if !ref.inT2 {
			p.t1.Remove(ref.e)
		} else {
			p.t2.Remove(ref.e)
		}

		delete(p.residentIdx, ob.Block())
		delete(p.cbOf, ob.Block())
		p.freeCB(ent.cb)
	}

	return nil
}

func (p *Policy) ForceMapping(ob types.OBlock, cb types.CBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range []*list.List{p.t1, p.t2} {
		for e := l.Front(); e != nil; e = e.Next() {
			ent := e.Value.(residentEntry)
			if ent.cb.Block() == cb.Block() {
				l.Remove(e)
				delete(p.residentIdx, ent.ob.Block())
				delete(p.cbOf, ent.ob.Block())

				break
			}
		}
	}

	p.removeFreeCB(cb)
	e := p.t2.PushFront(residentEntry{ob: ob, cb: cb})
	p.residentIdx[ob.Block()] = residentRef{e: e, inT2: true}
	p.cbOf[ob.Block()] = cb

	return nil
}

func (p *Policy) Residency() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.t1.Len() + p.t2.Len()
}

func (p *Policy) Tick() {}

func (p *Policy) SetDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.residentIdx[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	ent := ref.e.Value.(residentEntry)
	ent.dirty = true
	ref.e.Value = ent

	return nil
}

func (p *Policy) ClearDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.residentIdx[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	ent := ref.e.Value.(residentEntry)
	ent.dirty = false
	ref.e.Value = ent

	return nil
}

func (p *Policy) NextWriteback() (types.OBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range []*list.List{p.t1, p.t2} {
		for e := l.Back(); e != nil; e = e.Prev() {
			ent := e.Value.(residentEntry)
			if ent.dirty {
				l.MoveToFront(e)
				return ent.ob, true
			}
		}
	}

	return types.OBlock{}, false
}

func (p *Policy) NrDirty() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, l := range []*list.List{p.t1, p.t2} {
		for e := l.Front(); e != nil; e = e.Next() {
			if e.Value.(residentEntry).dirty {
				n++
			}
		}
	}

	return n
}

func (p *Policy) Status() policy.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	dirty := 0

	for _, l := range []*list.List{p.t1, p.t2} {
		for e := l.Front(); e != nil; e = e.Next() {
			if e.Value.(residentEntry).dirty {
				dirty++
			}
		}
	}

	return policy.Status{
		Name:      "arc",
		Residency: p.t1.Len() + p.t2.Len(),
		NrDirty:   dirty,
		Extra: map[string]string{
			"p":  fmt.Sprintf("%d", p.p),
			"t1": fmt.Sprintf("%d", p.t1.Len()),
			"t2": fmt.Sprintf("%d", p.t2.Len()),
			"b1": fmt.Sprintf("%d", p.b1.Len()),
			"b2": fmt.Sprintf("%d", p.b2.Len()),
		},
	}
}

var (
	_ policy.Policy           = (*Policy)(nil)
	_ policy.WritebackCapable = (*Policy)(nil)
	_ policy.StatusCapable    = (*Policy)(nil)
)
