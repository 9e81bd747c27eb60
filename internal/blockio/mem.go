package blockio

import (
	"fmt"
	"sync"

	"github.com/blockcache/dmcache/pkg/types"
)

// blockLock tracks the lock state of one block: zero or more readers,
// xor one writer, exactly as spec.md §6's "reader/writer lock" demands
// for metadata tree roots and, here, for every individual block.
type blockLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
}

func newBlockLock() *blockLock {
	l := &blockLock{}
	l.cond = sync.NewCond(&l.mu)

	return l
}

// Mem is an in-process BlockCache backed by a plain byte-slice map. It
// is intended for unit tests and for the HSM/cache-core packages'
// example code, mirroring the role the teacher's internal/fs.Chaos
// (and pkg/fs in-memory test doubles) play for exercising higher layers
// without touching a real disk.
type Mem struct {
	blockSize int
	nrBlocks  types.BlockId

	mu     sync.Mutex
	blocks map[types.BlockId][]byte
	locks  map[types.BlockId]*blockLock
	closed bool
}

// NewMem creates an in-memory block cache of nrBlocks blocks of
// blockSize bytes each, all initially zeroed lazily on first touch.
func NewMem(blockSize int, nrBlocks types.BlockId) *Mem {
	return &Mem{
		blockSize: blockSize,
		nrBlocks:  nrBlocks,
		blocks:    make(map[types.BlockId][]byte),
		locks:     make(map[types.BlockId]*blockLock),
	}
}

func (m *Mem) BlockSize() int            { return m.blockSize }
func (m *Mem) NrBlocks() types.BlockId   { return m.nrBlocks }

func (m *Mem) lockFor(b types.BlockId) *blockLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[b]
	if !ok {
		l = newBlockLock()
		m.locks[b] = l
	}

	return l
}

func (m *Mem) checkRange(b types.BlockId) error {
	if m.closed {
		return ErrClosed
	}

	if b >= m.nrBlocks {
		return fmt.Errorf("%w: block %d >= nr_blocks %d", ErrOutOfRange, b, m.nrBlocks)
	}

	return nil
}

func (m *Mem) dataFor(b types.BlockId) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.blocks[b]
	if !ok {
		d = make([]byte, m.blockSize)
		m.blocks[b] = d
	}

	return d
}

func (m *Mem) ReadLock(b types.BlockId, v Validator) (*LockedBlock, error) {
	if err := m.checkRange(b); err != nil {
		return nil, err
	}

	l := m.lockFor(b)

	l.mu.Lock()
	for l.writer {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()

	src := m.dataFor(b)
	cp := make([]byte, len(src))
	copy(cp, src)

	if err := v.Check(b, cp); err != nil {
		l.mu.Lock()
		l.readers--
		l.cond.Broadcast()
		l.mu.Unlock()

		return nil, err
	}

	return &LockedBlock{Loc: b, Data: cp}, nil
}

func (m *Mem) writeLock(b types.BlockId, v Validator, zeroFill bool) (*LockedBlock, error) {
	if err := m.checkRange(b); err != nil {
		return nil, err
	}

	l := m.lockFor(b)

	l.mu.Lock()
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()

	var data []byte
	if zeroFill {
		data = make([]byte, m.blockSize)
	} else {
		src := m.dataFor(b)
		data = make([]byte, len(src))
		copy(data, src)

		if err := v.Check(b, data); err != nil {
			m.releaseWriter(l)
			return nil, err
		}
	}

	return &LockedBlock{Loc: b, Data: data}, nil
}

func (m *Mem) WriteLock(b types.BlockId, v Validator) (*LockedBlock, error) {
	return m.writeLock(b, v, false)
}

func (m *Mem) NewBlock(b types.BlockId, v Validator) (*LockedBlock, error) {
	return m.writeLock(b, v, true)
}

func (m *Mem) releaseWriter(l *blockLock) {
	l.mu.Lock()
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (m *Mem) Unlock(blk *LockedBlock) error {
	l := m.lockFor(blk.Loc)

	l.mu.Lock()
	wasWriter := l.writer
	l.mu.Unlock()

	if wasWriter {
		m.mu.Lock()
		m.blocks[blk.Loc] = blk.Data
		m.mu.Unlock()
		m.releaseWriter(l)
	} else {
		l.mu.Lock()
		l.readers--
		l.cond.Broadcast()
		l.mu.Unlock()
	}

	return nil
}

// Flush is a no-op for Mem: writes are already visible to subsequent
// ReadLock/WriteLock calls the instant Unlock returns. It exists only to
// satisfy BlockCache so tests can swap in Mem without special-casing the
// transaction manager's commit path.
func (m *Mem) Flush() error { return nil }

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	return nil
}

// TryReadLock and TryWriteLock implement NonBlocking for Mem, backing
// the transaction manager's non_blocking_clone (spec.md §4.1).
func (m *Mem) TryReadLock(b types.BlockId, v Validator) (*LockedBlock, error) {
	if err := m.checkRange(b); err != nil {
		return nil, err
	}

	l := m.lockFor(b)

	l.mu.Lock()
	if l.writer {
		l.mu.Unlock()
		return nil, ErrAlreadyLocked
	}
	l.readers++
	l.mu.Unlock()

	src := m.dataFor(b)
	cp := make([]byte, len(src))
	copy(cp, src)

	if err := v.Check(b, cp); err != nil {
		l.mu.Lock()
		l.readers--
		l.cond.Broadcast()
		l.mu.Unlock()

		return nil, err
	}

	return &LockedBlock{Loc: b, Data: cp}, nil
}

func (m *Mem) TryWriteLock(b types.BlockId, v Validator) (*LockedBlock, error) {
	if err := m.checkRange(b); err != nil {
		return nil, err
	}

	l := m.lockFor(b)

	l.mu.Lock()
	if l.writer || l.readers > 0 {
		l.mu.Unlock()
		return nil, ErrAlreadyLocked
	}
	l.writer = true
	l.mu.Unlock()

	src := m.dataFor(b)
	data := make([]byte, len(src))
	copy(data, src)

	if err := v.Check(b, data); err != nil {
		m.releaseWriter(l)
		return nil, err
	}

	return &LockedBlock{Loc: b, Data: data}, nil
}

var _ BlockCache = (*Mem)(nil)
var _ NonBlocking = (*Mem)(nil)
