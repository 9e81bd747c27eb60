// Package mq implements spec.md §4.5's L5b multiqueue policy: two
// 16-level queues (pre_cache and cache), hit-count-driven promotion
// between them, periodic level decay, and sequential-I/O bypass —
// modelled on dm-cache-policy-mq.c's tunable, aging multiqueue
// algorithm.
package mq

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/types"
)

const (
	// PromoteThreshold is the hit count a pre_cache entry must reach
	// before it is considered for promotion into the cache proper.
	PromoteThreshold = 128

	// sequentialRunThreshold is the number of consecutive ascending
	// oblock accesses that classifies the current I/O stream as
	// sequential; sequential streams bypass the cache entirely so a
	// large scan doesn't evict working-set blocks (spec.md §8 S5).
	sequentialRunThreshold = 512
)

type entryVal struct {
	ob       types.OBlock
	hitCount uint32
	dirty    bool
}

// Policy is the multiqueue replacement policy.
type Policy struct {
	mu sync.Mutex

	cacheSize int
	cache     *leveledArena[entryVal] // indexed by CBlock
	cacheIdx  map[types.BlockId]int32

	precache    *leveledArena[entryVal]
	precacheIdx map[types.BlockId]int32

	demotePeriod int // ticks between periodic level decay
	ticksElapsed int

	haveLast bool
	lastOb   types.OBlock
	seqRun   int
}

// New allocates an mq policy over cacheSize cache blocks. precacheCap
// bounds the pre_cache queue's own arena (entries not yet promoted);
// demotePeriod is the number of Tick calls between periodic level
// decay passes.
func New(cacheSize, precacheCap, demotePeriod int) *Policy {
	if precacheCap <= 0 {
		precacheCap = cacheSize
	}

	if demotePeriod <= 0 {
		demotePeriod = 1
	}

	return &Policy{
		cacheSize:    cacheSize,
		cache:        newLeveledArena[entryVal](cacheSize),
		cacheIdx:     make(map[types.BlockId]int32, cacheSize),
		precache:     newLeveledArena[entryVal](precacheCap),
		precacheIdx:  make(map[types.BlockId]int32, precacheCap),
		demotePeriod: demotePeriod,
	}
}

func levelFor(hitCount uint32) uint8 {
	l := bits.Len32(hitCount)
	if l >= nrLevels {
		l = nrLevels - 1
	}

	return uint8(l)
}

// recordSequential updates the sequential-stream tracker and reports
// whether ob is part of a detected sequential run.
func (p *Policy) recordSequential(ob types.OBlock) bool {
	if p.haveLast && ob.Block() == p.lastOb.Block()+1 {
		p.seqRun++
	} else {
		p.seqRun = 1
	}

	p.haveLast = true
	p.lastOb = ob

	return p.seqRun >= sequentialRunThreshold
}

// Map implements policy.Policy.Map.
func (p *Policy) Map(ob types.OBlock, canMigrate, _ bool) (policy.MapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sequential := p.recordSequential(ob)

	if i, ok := p.cacheIdx[ob.Block()]; ok {
		e := p.cache.get(i)
		e.hitCount++
		p.cache.moveToLevel(i, levelFor(e.hitCount))

		return policy.MapResult{Result: policy.Hit, CBlock: types.NewCBlock(types.BlockId(i))}, nil
	}

	if sequential {
		return policy.MapResult{Result: policy.Miss}, nil
	}

	pi, inPrecache := p.precacheIdx[ob.Block()]
	if !inPrecache {
		if !canMigrate {
			return policy.MapResult{Result: policy.Miss}, nil
		}

		p.admitToPrecache(ob)

		return policy.MapResult{Result: policy.Miss}, nil
	}

	e := p.precache.get(pi)
	e.hitCount++
	p.precache.moveToLevel(pi, levelFor(e.hitCount))

	if !canMigrate || e.hitCount < PromoteThreshold {
		return policy.MapResult{Result: policy.Miss}, nil
	}

	return p.promote(ob, pi)
}

func (p *Policy) admitToPrecache(ob types.OBlock) {
	idx, evictedIdx, evicted := p.precache.insert(entryVal{ob: ob, hitCount: 1})
	if idx == sentinel {
		return // precache has zero capacity; nothing to do
	}

	if evicted {
		delete(p.precacheIdx, p.precache.get(evictedIdx).ob.Block())
	}

	p.precacheIdx[ob.Block()] = idx
}

// promote moves ob from the pre_cache queue into the cache proper,
// evicting the coldest cache-resident block if the cache is full.
func (p *Policy) promote(ob types.OBlock, precacheSlot int32) (policy.MapResult, error) {
	p.precache.remove(precacheSlot)
	delete(p.precacheIdx, ob.Block())

	if n := len(p.cache.free); n > 0 {
		idx := p.cache.free[n-1]
		p.cache.free = p.cache.free[:n-1]
		p.cache.slots[idx] = slot[entryVal]{val: entryVal{ob: ob, hitCount: PromoteThreshold}, used: true}
		p.cache.pushFront(idx, levelFor(PromoteThreshold))
		p.cacheIdx[ob.Block()] = idx

		return policy.MapResult{Result: policy.New, CBlock: types.NewCBlock(types.BlockId(idx))}, nil
	}

	victimIdx, ok := p.cache.oldestInLowestLevel()
	if !ok {
		return policy.MapResult{}, fmt.Errorf("%w: mq cache is full but no eviction candidate was found", policy.ErrInfallibleOp)
	}

	victim := *p.cache.get(victimIdx)
	delete(p.cacheIdx, victim.ob.Block())
	p.cache.unlink(victimIdx)

	p.cache.slots[victimIdx] = slot[entryVal]{val: entryVal{ob: ob, hitCount: PromoteThreshold}, used: true}
	p.cache.pushFront(victimIdx, levelFor(PromoteThreshold))
	p.cacheIdx[ob.Block()] = victimIdx

	return policy.MapResult{
		Result:    policy.Replace,
		CBlock:    types.NewCBlock(types.BlockId(victimIdx)),
		OldOBlock: victim.ob,
	}, nil
}

func (p *Policy) Lookup(ob types.OBlock) (types.CBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.cacheIdx[ob.Block()]
	if !ok {
		return types.CBlock{}, false
	}

	return types.NewCBlock(types.BlockId(i)), true
}

func (p *Policy) LoadMapping(ob types.OBlock, cb types.CBlock, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int32(cb.Block())
	if int(idx) >= p.cache.cap() {
		return fmt.Errorf("mq: load_mapping: cblock %d out of range", idx)
	}

	p.cache.installAt(idx, entryVal{ob: ob, hitCount: PromoteThreshold, dirty: dirty}, levelFor(PromoteThreshold))
	p.cacheIdx[ob.Block()] = idx

	return nil
}

func (p *Policy) Walk(fn func(ob types.OBlock, cb types.CBlock, dirty bool) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var walkErr error

	p.cache.each(func(i int32, v *entryVal) {
		if walkErr != nil {
			return
		}

		walkErr = fn(v.ob, types.NewCBlock(types.BlockId(i)), v.dirty)
	})

	return walkErr
}

func (p *Policy) RemoveMapping(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.cacheIdx[ob.Block()]; ok {
		delete(p.cacheIdx, ob.Block())
		p.cache.remove(i)

		return nil
	}

	if i, ok := p.precacheIdx[ob.Block()]; ok {
		delete(p.precacheIdx, ob.Block())
		p.precache.remove(i)
	}

	return nil
}

func (p *Policy) ForceMapping(ob types.OBlock, cb types.CBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int32(cb.Block())
	if int(idx) >= p.cache.cap() {
		return fmt.Errorf("%w: cblock %d out of range", policy.ErrInfallibleOp, idx)
	}

	if p.cache.slots[idx].used {
		delete(p.cacheIdx, p.cache.get(idx).ob.Block())
		p.cache.remove(idx)
	}

	p.cache.installAt(idx, entryVal{ob: ob, hitCount: PromoteThreshold}, levelFor(PromoteThreshold))
	p.cacheIdx[ob.Block()] = idx

	return nil
}

func (p *Policy) Residency() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cache.len()
}

// Tick applies the periodic demote-period level decay: every
// demotePeriod calls, every cache and pre_cache entry's level drops by
// one, so a block that stops being re-accessed gradually ages back
// towards eviction instead of squatting at a high level forever.
func (p *Policy) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ticksElapsed++
	if p.ticksElapsed < p.demotePeriod {
		return
	}

	p.ticksElapsed = 0

	decay := func(a *leveledArena[entryVal]) {
		type move struct {
			idx   int32
			level uint8
		}

		var moves []move

		a.each(func(i int32, v *entryVal) {
			if l := a.slots[i].level; l > 0 {
				moves = append(moves, move{idx: i, level: l - 1})
			}
		})

		for _, m := range moves {
			a.moveToLevel(m.idx, m.level)
		}
	}

	decay(p.cache)
	decay(p.precache)
}

func (p *Policy) SetDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.cacheIdx[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	p.cache.get(i).dirty = true

	return nil
}

func (p *Policy) ClearDirty(ob types.OBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.cacheIdx[ob.Block()]
	if !ok {
		return fmt.Errorf("%w: %d", policy.ErrNotResident, ob.Block())
	}

	p.cache.get(i).dirty = false

	return nil
}

// NextWriteback scans cache levels from coldest to warmest for the
// next dirty entry and moves it to the front of its level, so the next
// scan reaches the other dirty entries of that level before it again.
func (p *Policy) NextWriteback() (types.OBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for l := 0; l < nrLevels; l++ {
		for i := p.cache.tail[l]; i != sentinel; i = p.cache.slots[i].prev {
			if p.cache.slots[i].val.dirty {
				ob := p.cache.slots[i].val.ob
				p.cache.moveToLevel(i, p.cache.slots[i].level)

				return ob, true
			}
		}
	}

	return types.OBlock{}, false
}

func (p *Policy) NrDirty() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	p.cache.each(func(_ int32, v *entryVal) {
		if v.dirty {
			n++
		}
	})

	return n
}

// Message implements policy.MessageCapable with a single query key,
// demote_period, which reports the current demotion period; any other
// key (including promote_threshold, a package constant here) is an
// error.
func (p *Policy) Message(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("mq: message: no arguments")
	}

	switch args[0] {
	case "demote_period":
		p.mu.Lock()
		defer p.mu.Unlock()

		return fmt.Sprintf("%d", p.demotePeriod), nil
	default:
		return "", fmt.Errorf("mq: message: unknown key %q", args[0])
	}
}

func (p *Policy) Status() policy.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	dirty := 0
	p.cache.each(func(_ int32, v *entryVal) {
		if v.dirty {
			dirty++
		}
	})

	return policy.Status{
		Name:      "mq",
		Residency: p.cache.len(),
		NrDirty:   dirty,
		Extra: map[string]string{
			"cache_size":         fmt.Sprintf("%d", p.cacheSize),
			"precache_residency": fmt.Sprintf("%d", p.precache.len()),
		},
	}
}

var (
	_ policy.Policy           = (*Policy)(nil)
	_ policy.WritebackCapable = (*Policy)(nil)
	_ policy.MessageCapable   = (*Policy)(nil)
	_ policy.StatusCapable    = (*Policy)(nil)
)
