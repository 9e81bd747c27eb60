package mq

const (
	nrLevels = 16
	sentinel = int32(-1)
)

// slot is one arena entry plus its level-queue linkage.
type slot[T any] struct {
	val   T
	level uint8
	used  bool
	prev  int32
	next  int32
}

// leveledArena is a fixed-capacity arena of intrusive doubly-linked
// lists, one per level 0..nrLevels-1, grounded on the same
// arena-plus-int32-index shape pkg/policy/writeback uses for its LRU
// list — generalised here over T with Go generics, the same
// generalisation the teacher applies to its MDDB/Tx/Config types over
// a Document constraint.
type leveledArena[T any] struct {
	slots []slot[T]
	free  []int32
	head  [nrLevels]int32
	tail  [nrLevels]int32
}

func newLeveledArena[T any](capacity int) *leveledArena[T] {
	a := &leveledArena[T]{
		slots: make([]slot[T], capacity),
		free:  make([]int32, capacity),
	}

	for i := 0; i < capacity; i++ {
		a.free[i] = int32(capacity - 1 - i)
	}

	for l := 0; l < nrLevels; l++ {
		a.head[l] = sentinel
		a.tail[l] = sentinel
	}

	return a
}

func (a *leveledArena[T]) len() int {
	return len(a.slots) - len(a.free)
}

func (a *leveledArena[T]) cap() int {
	return len(a.slots)
}

func (a *leveledArena[T]) unlink(i int32) {
	s := &a.slots[i]
	l := s.level

	if s.prev != sentinel {
		a.slots[s.prev].next = s.next
	} else {
		a.head[l] = s.next
	}

	if s.next != sentinel {
		a.slots[s.next].prev = s.prev
	} else {
		a.tail[l] = s.prev
	}

	s.prev, s.next = sentinel, sentinel
}

func (a *leveledArena[T]) pushFront(i int32, level uint8) {
	s := &a.slots[i]
	s.level = level
	s.prev = sentinel
	s.next = a.head[level]

	if a.head[level] != sentinel {
		a.slots[a.head[level]].prev = i
	}

	a.head[level] = i
	if a.tail[level] == sentinel {
		a.tail[level] = i
	}
}

// moveToLevel relinks slot i, currently on some level, onto the front
// of level. Used both for promotion/demotion on hit and for the
// periodic demote-period decay.
func (a *leveledArena[T]) moveToLevel(i int32, level uint8) {
	a.unlink(i)
	a.pushFront(i, level)
}

// insert allocates a free slot (evicting the oldest entry in the
// lowest occupied level first if the arena is full) and installs val
// at level 0.
func (a *leveledArena[T]) insert(val T) (idx int32, evictedIdx int32, evicted bool) {
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		var ok bool

		idx, ok = a.oldestInLowestLevel()
		if !ok {
			return sentinel, sentinel, false
		}

		evictedIdx = idx
		evicted = true
		a.unlink(idx)
		a.slots[idx].used = false
	}

	a.slots[idx] = slot[T]{val: val, used: true}
	a.pushFront(idx, 0)

	return idx, evictedIdx, evicted
}

// remove frees slot i and returns it to the free list.
func (a *leveledArena[T]) remove(i int32) {
	a.unlink(i)
	a.slots[i] = slot[T]{}
	a.free = append(a.free, i)
}

// installAt installs val directly at a caller-chosen slot index,
// without consulting the free list, used when the index space is
// externally fixed (cache entries indexed by CBlock).
func (a *leveledArena[T]) installAt(idx int32, val T, level uint8) {
	a.removeFree(idx)
	a.slots[idx] = slot[T]{val: val, used: true}
	a.pushFront(idx, level)
}

func (a *leveledArena[T]) removeFree(i int32) {
	for j, f := range a.free {
		if f == i {
			a.free = append(a.free[:j], a.free[j+1:]...)
			return
		}
	}
}

func (a *leveledArena[T]) oldestInLowestLevel() (int32, bool) {
	for l := 0; l < nrLevels; l++ {
		if a.tail[l] != sentinel {
			return a.tail[l], true
		}
	}

	return sentinel, false
}

func (a *leveledArena[T]) get(i int32) *T {
	return &a.slots[i].val
}

func (a *leveledArena[T]) each(fn func(i int32, val *T)) {
	for i := range a.slots {
		if a.slots[i].used {
			fn(int32(i), &a.slots[i].val)
		}
	}
}
