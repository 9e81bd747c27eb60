// Package cachecore implements spec.md §4.6's data-plane engine: the
// single serialised worker that drains three queues (incoming
// requests, copy-completion events, writeback deadlines), drives the
// per-cache-block state machine, and talks to the policy and HSM
// metadata layers on the caller's behalf.
//
// Grounded on the teacher's single-writer-lock-serialises-mutation
// shape (no package in the teacher literally queues a request list the
// way spec.md describes, but pkg/mddb's Tx model — only one write
// transaction mutates state at a time, everything else reads a
// snapshot — is the same "one serialised mutator" idiom this package
// generalizes into an explicit worker goroutine) and on
// pkg/fs/crash_writeback.go's writeback-as-a-distinct-deferred-pass
// structure, adapted from crash-simulation bookkeeping into real
// deadline-driven writeback scheduling via internal/clock.
package cachecore

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockcache/dmcache/internal/clock"
	"github.com/blockcache/dmcache/pkg/hsm"
	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/types"
)

// DefaultWritebackDelay is the deferred-writeback timer spec.md §4.6
// names: "schedule a writeback timer (default ~3s)".
const DefaultWritebackDelay = 3 * time.Second

// ErrClosed is returned by Submit once the engine has been stopped.
var ErrClosed = errors.New("cachecore: engine closed")

// ErrUnknownCBlock is returned when internal bookkeeping is asked about
// a cache block the engine never admitted; indicates caller misuse or
// a policy/core desync.
var ErrUnknownCBlock = errors.New("cachecore: unknown cache block")

// CopyDirection names which side of a copy job is the source.
type CopyDirection int

const (
	// OriginToCache fills a newly admitted or cold cache block by
	// reading the origin device.
	OriginToCache CopyDirection = iota
	// CacheToOrigin writes a dirty cache block back to the origin
	// device (the cleaner path).
	CacheToOrigin
)

// CopyJob describes one block-sized copy the external copy engine must
// perform.
type CopyJob struct {
	Dir CopyDirection
	OB  types.OBlock
	CB  types.CBlock
}

// CopyEngine is spec.md §1's external collaborator: an asynchronous
// block copier. Copy must eventually invoke done exactly once, from any
// goroutine; cachecore treats done's invocation as an endio event and
// re-synchronises it onto its own worker.
type CopyEngine interface {
	Copy(job CopyJob, done func(err error))
}

// Request is one incoming I/O against the cached device, already
// split to a single cache block by the host block layer (spec.md §4.6
// step 1: "the core is required to split any cross-boundary request
// upstream").
type Request struct {
	OB types.OBlock

	// Write marks a write request; false is a read.
	Write bool
	// FullBlock indicates the write's outstanding span covers the
	// entire cache block, so no origin read is needed to fill it
	// (spec.md §4.6 step 4).
	FullBlock bool
	// FUA and Flush request metadata to be committed durably before
	// the request completes (spec.md §4.6 step 6).
	FUA   bool
	Flush bool
	// Discard marks the origin region as having outstanding discards,
	// passed through to the policy's admission decision.
	Discard bool

	// Done is called exactly once when the request finishes, with a
	// non-nil error on failure (propagated as the spec's EIO class).
	Done func(error)
}

func (r *Request) complete(err error) {
	if r.Done != nil {
		r.Done(err)
	}
}

type blockFlags uint8

const (
	flagDirty blockFlags = 1 << iota
	flagActive
	flagForceDirty
)

// blockState is the in-flight cache-block object spec.md §4.6
// describes: flags plus a pending-request coalescing list.
type blockState struct {
	ob       types.OBlock
	pb       types.PBlock
	flags    blockFlags
	uptodate bool
	pending  []*Request
	refcount int

	// deferredReplace holds REPLACE requests that targeted this block
	// while it was still busy; they are retried once an endio event for
	// this block fires, rather than being re-popped on every iteration
	// of drain's own loop while nothing about the occupant has changed.
	deferredReplace []*Request

	// migrationParked/migrationCounted track this block's standing
	// against the engine's migration-concurrency cap (see admitCopy).
	migrationParked  bool
	migrationCounted bool
}

func (b *blockState) quiescent() bool {
	return b.refcount == 0 && b.flags&flagActive == 0
}

// EraTracker is the narrow collaborator pkg/era.Target satisfies;
// wiring it in lets the era peripheral tally which origin blocks were
// written without pkg/cachecore importing pkg/era itself (mirrors how
// CopyEngine keeps the copy engine out of this package's import set).
type EraTracker interface {
	MarkWrite(ob types.OBlock) error
}

// Config wires one Engine to its collaborators.
type Config struct {
	Dev            types.DevId
	HSM            *hsm.Handle
	Policy         policy.Policy
	Copier         CopyEngine
	Clock          clock.Clock
	Era            EraTracker
	CacheSize      int
	WritebackDelay time.Duration

	// MigrationThreshold caps how many origin-to-cache fill copies may
	// be in flight at once across the whole engine, the SPEC_FULL
	// addition restoring dm-cache's migration_threshold tunable that
	// the distillation dropped. Zero means DefaultMigrationThreshold.
	MigrationThreshold int
}

// DefaultMigrationThreshold mirrors dm-cache's kernel default of 2048
// (in its native unit of 4KiB regions); here it simply bounds
// concurrent admission copies since this package has no fixed region
// size of its own.
const DefaultMigrationThreshold = 2048

// Engine is the single-worker data-plane core for one opened cache
// instance, spec.md §4.6/§5's "single serialised worker task per
// metadata device".
type Engine struct {
	dev            types.DevId
	hsm            *hsm.Handle
	policy         policy.Policy
	copier         CopyEngine
	clk            clock.Clock
	cacheSize      int
	writebackDelay time.Duration

	era EraTracker

	migrationThreshold int
	activeMigrations   int
	parkedMigrations   []types.CBlock

	qmu      sync.Mutex
	incoming []*Request
	endio    []endioEvent
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// worker-owned state; only ever touched on the run() goroutine.
	blocks           map[types.CBlock]*blockState
	deadlines        map[types.CBlock]time.Time
	parkedNoSpace    []*Request
	parkedWouldBlock []*Request
	rng              *rand.Rand

	noSpace   atomic.Bool
	congested atomic.Bool
}

type endioEvent struct {
	cb  types.CBlock
	err error
}

// New constructs an Engine. Call Start to launch its worker goroutine.
func New(cfg Config) *Engine {
	delay := cfg.WritebackDelay
	if delay == 0 {
		delay = DefaultWritebackDelay
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	migThreshold := cfg.MigrationThreshold
	if migThreshold == 0 {
		migThreshold = DefaultMigrationThreshold
	}

	return &Engine{
		dev:                cfg.Dev,
		hsm:                cfg.HSM,
		policy:             cfg.Policy,
		copier:             cfg.Copier,
		clk:                clk,
		era:                cfg.Era,
		migrationThreshold: migThreshold,
		cacheSize:          cfg.CacheSize,
		writebackDelay:     delay,
		wake:               make(chan struct{}, 1),
		stop:               make(chan struct{}),
		blocks:             make(map[types.CBlock]*blockState),
		deadlines:          make(map[types.CBlock]time.Time),
		rng:                rand.New(rand.NewSource(1)),
	}
}

// Start launches the worker goroutine. Safe to call once per Engine.
func (e *Engine) Start() {
	e.running.Store(true)

	go e.run()
}

// Stop drains and halts the worker. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stop)
	})
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues req from the caller's thread: bounds-check, push
// under a lock, wake the worker — spec.md §5's "request ingress path
// runs on the caller's thread and does only: bounds check, enqueue
// onto the input list under a spinlock, request wake".
func (e *Engine) Submit(req *Request) error {
	if !e.running.Load() {
		return ErrClosed
	}

	e.qmu.Lock()
	e.incoming = append(e.incoming, req)
	e.qmu.Unlock()

	e.signal()

	return nil
}

// Tick wakes the worker to reconsider writeback deadlines and drive
// policy.Tick, without submitting a new request. internal/clock's
// injected clock (real or fake) is what Tick's deadline comparisons
// are made against, so tests can advance a Fake and call Tick instead
// of sleeping.
func (e *Engine) Tick() {
	e.signal()
}

func (e *Engine) run() {
	for {
		select {
		case <-e.stop:
			e.drain()
			return
		case <-e.wake:
		}

		e.drain()
	}
}

// drain processes one pass of all three queues. Only the worker
// goroutine calls it: on each wake (Submit, Tick, a copy completion)
// and once more on Stop.
func (e *Engine) drain() {
	for {
		reqs, evs := e.popQueues()
		if len(reqs) == 0 && len(evs) == 0 {
			break
		}

		for _, ev := range evs {
			e.processEndio(ev)
		}

		for _, req := range reqs {
			e.processRequest(req)
		}
	}

	e.processWriteback()
	e.policy.Tick()
	e.retryParkedNoSpace()
	e.retryParkedWouldBlock()
}

func (e *Engine) popQueues() ([]*Request, []endioEvent) {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	reqs := e.incoming
	e.incoming = nil

	evs := e.endio
	e.endio = nil

	return reqs, evs
}

// processRequest implements spec.md §4.6's per-request steps 2-6.
func (e *Engine) processRequest(req *Request) {
	mres, err := e.policy.Map(req.OB, true, req.Discard)
	if err != nil {
		req.complete(fmt.Errorf("cachecore: policy map: %w", err))
		return
	}

	switch mres.Result {
	case policy.Miss:
		// Policy declines to admit; service falls through to the
		// origin device directly (outside this engine's remit).
		req.complete(nil)
	case policy.Hit:
		e.serviceResident(mres.CBlock, req)
	case policy.New:
		e.admitNew(mres.CBlock, req)
	case policy.Replace:
		e.admitReplace(mres.CBlock, mres.OldOBlock, req)
	}
}

func (e *Engine) admitNew(cb types.CBlock, req *Request) {
	pb, _, err := e.hsm.Insert(e.dev, req.OB)
	if err != nil {
		if errors.Is(err, hsm.ErrNoSpace) {
			e.enterNoSpace(req)
			return
		}

		req.complete(fmt.Errorf("cachecore: insert: %w", err))

		return
	}

	bs := &blockState{ob: req.OB, pb: pb}
	e.blocks[cb] = bs
	e.beginBlockOp(cb, bs, req)
}

func (e *Engine) admitReplace(cb types.CBlock, oldOB types.OBlock, req *Request) {
	old, hasOld := e.blocks[cb]
	if hasOld && !old.quiescent() {
		// The occupant is still busy; refuse the swap this pass and
		// keep the policy's idea of residency in sync (spec.md §7's
		// "ForceMapping... used by the core to refuse a NEW/REPLACE
		// suggestion it can't honour"). The request is parked on the
		// occupant's own deferredReplace list rather than straight back
		// onto incoming: appending to incoming would just have drain's
		// own loop re-pop and re-refuse it on every iteration of this
		// same pass, spinning the worker until the occupant's copy
		// happens to land on another goroutine.
		if err := e.policy.ForceMapping(oldOB, cb); err != nil {
			req.complete(fmt.Errorf("cachecore: force mapping: %w", err))
			return
		}

		old.deferredReplace = append(old.deferredReplace, req)

		return
	}

	var pb types.PBlock
	if hasOld {
		pb = old.pb
	} else {
		// The engine has no in-memory record of cb (e.g. right after
		// reopening the metadata device), but the policy still
		// believes oldOB occupies it; the backing pool block must
		// already exist from a prior session, so recover it via the
		// forward map instead of bump-allocating a fresh one, which
		// would otherwise leak the old (dev, oldOB) entry forever.
		existingPB, _, found, err := e.hsm.Lookup(e.dev, oldOB, true)
		if err != nil {
			req.complete(fmt.Errorf("cachecore: lookup evicted: %w", err))
			return
		}

		if !found {
			req.complete(fmt.Errorf("%w: replace target %v for cblock %v", ErrUnknownCBlock, oldOB, cb))
			return
		}

		pb = existingPB
	}

	if err := e.hsm.Remove(e.dev, oldOB); err != nil && !errors.Is(err, hsm.ErrNotFound) {
		req.complete(fmt.Errorf("cachecore: remove evicted: %w", err))
		return
	}

	if err := e.hsm.InsertAt(e.dev, req.OB, pb, 0); err != nil {
		req.complete(fmt.Errorf("cachecore: insert_at: %w", err))
		return
	}

	delete(e.deadlines, cb)

	bs := &blockState{ob: req.OB, pb: pb}
	e.blocks[cb] = bs
	e.beginBlockOp(cb, bs, req)
}

// beginBlockOp decides whether req needs an origin copy first (spec.md
// §4.6 steps 3-4). req only ever joins cb's pending list when it has to
// wait for an async copy to land; a write that is already up to date is
// finished synchronously by markDirtyAndMaybeFlush, and a read that is
// already up to date completes immediately — neither touches pending.
func (e *Engine) beginBlockOp(cb types.CBlock, bs *blockState, req *Request) {
	needsCopy := !bs.uptodate && !(req.Write && req.FullBlock)

	if needsCopy {
		bs.pending = append(bs.pending, req)
		bs.refcount++

		if bs.flags&flagActive == 0 {
			e.admitCopy(cb, bs)
		}
		// else: a copy is already in flight for this block; req rides
		// along and completes with it via processEndio.

		return
	}

	if req.Write {
		// No async wait is needed here, so req never touches bs.pending
		// (only processEndio/failPending drain that list); refcount is
		// held up only for the duration of this call so a concurrent
		// quiescence check never sees the block as idle mid-update.
		bs.refcount++
		e.markDirtyAndMaybeFlush(cb, bs, req)
		bs.refcount--

		return
	}

	e.completeRequest(req, nil)
}

// admitCopy starts cb's origin-to-cache fill copy if the engine is
// under its migration-concurrency cap, or parks cb on
// parkedMigrations to retry once some other migration completes.
// Writeback copies (processWriteback) are not gated here: the
// migration_threshold tunable this restores throttles foreground
// admission traffic, and writeback already paces itself off
// deadlines.
func (e *Engine) admitCopy(cb types.CBlock, bs *blockState) {
	if e.activeMigrations >= e.migrationThreshold {
		if !bs.migrationParked {
			bs.migrationParked = true
			e.parkedMigrations = append(e.parkedMigrations, cb)
		}

		return
	}

	bs.migrationCounted = true
	e.activeMigrations++
	e.startCopy(cb, bs, CopyJob{Dir: OriginToCache, OB: bs.ob, CB: cb})
}

// retryParkedMigrations re-admits parked fill copies as headroom opens
// up under the migration-concurrency cap, driven by processEndio's own
// decrement rather than by polling.
func (e *Engine) retryParkedMigrations() {
	for len(e.parkedMigrations) > 0 && e.activeMigrations < e.migrationThreshold {
		cb := e.parkedMigrations[0]
		e.parkedMigrations = e.parkedMigrations[1:]

		bs, ok := e.blocks[cb]
		if !ok {
			continue
		}

		bs.migrationParked = false

		if bs.flags&flagActive != 0 || len(bs.pending) == 0 {
			continue
		}

		e.admitCopy(cb, bs)
	}
}

func (e *Engine) startCopy(cb types.CBlock, bs *blockState, job CopyJob) {
	bs.flags |= flagActive

	e.copier.Copy(job, func(err error) {
		e.qmu.Lock()
		e.endio = append(e.endio, endioEvent{cb: cb, err: err})
		e.qmu.Unlock()

		e.signal()
	})
}

// processEndio implements spec.md §4.6's completion pass: metadata
// updates in one transaction, commit, then release waiters.
func (e *Engine) processEndio(ev endioEvent) {
	bs, ok := e.blocks[ev.cb]
	if !ok {
		return
	}

	bs.flags &^= flagActive

	if bs.migrationCounted {
		bs.migrationCounted = false
		e.activeMigrations--
		e.retryParkedMigrations()
	}

	if ev.err != nil {
		e.failPending(bs, ev.err)
		return
	}

	wasForceDirty := bs.flags&flagForceDirty != 0
	bs.flags &^= flagForceDirty
	bs.flags &^= flagDirty // any completed copy (fill or writeback) clears DIRTY unless FORCE_DIRTY says otherwise
	bs.uptodate = true

	flags := types.FlagUptodate
	if wasForceDirty {
		flags |= types.FlagDirty
	}

	if err := e.hsm.Update(e.dev, bs.ob, flags); err != nil {
		e.failPending(bs, fmt.Errorf("cachecore: endio update: %w", err))
		return
	}

	if err := e.hsm.Commit(); err != nil {
		e.failPending(bs, fmt.Errorf("cachecore: endio commit: %w", err))
		return
	}

	if !wasForceDirty {
		if wc, ok := e.policy.(policy.WritebackCapable); ok {
			_ = wc.ClearDirty(bs.ob)
		}
	}

	if wasForceDirty {
		// A write raced the writeback copy; force a second writeback
		// pass instead of trusting the copy that just landed.
		bs.flags |= flagDirty
		e.armWriteback(ev.cb)
	}

	pending := bs.pending
	bs.pending = nil

	for _, req := range pending {
		bs.refcount--

		if req.Write {
			e.markDirtyAndMaybeFlush(ev.cb, bs, req)
			continue
		}

		e.completeRequest(req, nil)
	}

	e.releaseDeferredReplace(bs)
}

func (e *Engine) failPending(bs *blockState, err error) {
	pending := bs.pending
	bs.pending = nil

	for _, req := range pending {
		bs.refcount--
		req.complete(err)
	}

	e.releaseDeferredReplace(bs)
}

// releaseDeferredReplace re-queues any REPLACE requests that were
// parked against bs while it was busy. Re-running them through
// processRequest re-checks quiescence from scratch, so a request is
// only ever retried when something about its target actually changed
// (an endio event fired), never on a tight poll.
func (e *Engine) releaseDeferredReplace(bs *blockState) {
	if len(bs.deferredReplace) == 0 {
		return
	}

	deferred := bs.deferredReplace
	bs.deferredReplace = nil

	e.qmu.Lock()
	e.incoming = append(deferred, e.incoming...)
	e.qmu.Unlock()
}

// markDirtyAndMaybeFlush implements step 5 (set DIRTY, persist, arm
// writeback timer) and step 6 (FUA/FLUSH commits before completing).
func (e *Engine) markDirtyAndMaybeFlush(cb types.CBlock, bs *blockState, req *Request) {
	if bs.flags&flagActive != 0 {
		// A writeback copy is currently reading this block out to the
		// origin; a write landing now must force a second writeback
		// once that copy completes (spec.md §4.6: "FORCE_DIRTY is set
		// when a write arrives during an active cache→origin
		// writeback").
		bs.flags |= flagForceDirty
	}

	bs.flags |= flagDirty
	bs.uptodate = true

	if e.era != nil {
		// Best-effort: a misconfigured era tracker must never fail a
		// write the core itself considers successful.
		_ = e.era.MarkWrite(bs.ob)
	}

	e.dirtyWriteback(bs.ob)

	if err := e.hsm.Update(e.dev, bs.ob, types.FlagUptodate|types.FlagDirty); err != nil {
		req.complete(fmt.Errorf("cachecore: update dirty: %w", err))
		return
	}

	e.armWriteback(cb)

	if req.FUA || req.Flush {
		if err := e.hsm.Commit(); err != nil {
			req.complete(fmt.Errorf("cachecore: commit: %w", err))
			return
		}
	}

	e.completeRequest(req, nil)
}

func (e *Engine) dirtyWriteback(ob types.OBlock) {
	wc, ok := e.policy.(policy.WritebackCapable)
	if !ok {
		return
	}

	_ = wc.SetDirty(ob)
}

func (e *Engine) completeRequest(req *Request, err error) {
	req.complete(err)
}

func (e *Engine) armWriteback(cb types.CBlock) {
	e.deadlines[cb] = e.clk.Now().Add(e.writebackDelay)
}

// processWriteback implements the flush_due queue: any dirty cache
// block whose writeback deadline has passed starts a cache->origin
// copy.
func (e *Engine) processWriteback() {
	now := e.clk.Now()

	for cb, deadline := range e.deadlines {
		if now.Before(deadline) {
			continue
		}

		bs, ok := e.blocks[cb]
		if !ok || bs.flags&flagActive != 0 || bs.flags&flagDirty == 0 {
			delete(e.deadlines, cb)
			continue
		}

		delete(e.deadlines, cb)
		e.startCopy(cb, bs, CopyJob{Dir: CacheToOrigin, OB: bs.ob, CB: cb})
	}
}

func (e *Engine) enterNoSpace(req *Request) {
	e.noSpace.Store(true)
	e.congested.Store(true)
	e.parkedNoSpace = append(e.parkedNoSpace, req)
}

// retryParkedNoSpace implements spec.md §4.6's free-space-pressure
// relief: pick a pseudo-random provisioned block; if its in-flight
// object is quiescent, drop the mapping and retry parked requests.
func (e *Engine) retryParkedNoSpace() {
	if len(e.parkedNoSpace) == 0 {
		return
	}

	if len(e.blocks) > 0 {
		cbs := make([]types.CBlock, 0, len(e.blocks))
		for cb := range e.blocks {
			cbs = append(cbs, cb)
		}

		victim := cbs[e.rng.Intn(len(cbs))]
		bs := e.blocks[victim]

		if bs.quiescent() {
			if err := e.hsm.Remove(e.dev, bs.ob); err == nil {
				_ = e.policy.RemoveMapping(bs.ob)
				delete(e.blocks, victim)
				delete(e.deadlines, victim)
			}
		}
	}

	if e.hsm.GetProvisionedBlocks() < e.hsm.GetDataDevSize() {
		e.noSpace.Store(false)
		e.congested.Store(false)

		parked := e.parkedNoSpace
		e.parkedNoSpace = nil

		e.qmu.Lock()
		e.incoming = append(parked, e.incoming...)
		e.qmu.Unlock()
	}
}

func (e *Engine) serviceResident(cb types.CBlock, req *Request) {
	bs, ok := e.blocks[cb]
	if !ok {
		// The policy believes cb is resident but the core has no
		// record (e.g. after a restart with LoadMapping not yet run
		// for this slot); treat it as freshly admitted. mayBlock=false:
		// this runs on the single worker goroutine, and another
		// in-process caller (e.g. a concurrent dmcache-tool message
		// sharing the same open handle) may be mid-mutation on h; the
		// worker must not stall behind it, so a would-block result is
		// parked and retried on the next drain rather than waited out.
		pb, flags, found, err := e.hsm.Lookup(e.dev, req.OB, false)
		if err != nil {
			if errors.Is(err, hsm.ErrWouldBlock) {
				e.parkedWouldBlock = append(e.parkedWouldBlock, req)
				return
			}

			req.complete(fmt.Errorf("%w: cblock %v", ErrUnknownCBlock, cb))
			return
		}

		if !found {
			req.complete(fmt.Errorf("%w: cblock %v", ErrUnknownCBlock, cb))
			return
		}

		bs = &blockState{ob: req.OB, pb: pb, uptodate: flags&types.FlagUptodate != 0}
		if flags&types.FlagDirty != 0 {
			bs.flags |= flagDirty
		}

		e.blocks[cb] = bs
	}

	e.beginBlockOp(cb, bs, req)
}

// retryParkedWouldBlock re-submits requests serviceResident parked
// after a non-blocking hsm.Lookup reported ErrWouldBlock, giving the
// concurrent mutation that caused it a chance to finish before the next
// attempt.
func (e *Engine) retryParkedWouldBlock() {
	if len(e.parkedWouldBlock) == 0 {
		return
	}

	parked := e.parkedWouldBlock
	e.parkedWouldBlock = nil

	e.qmu.Lock()
	e.incoming = append(parked, e.incoming...)
	e.qmu.Unlock()
}

// NoSpace reports whether the engine currently has the NO_SPACE flag
// set (spec.md §4.6).
func (e *Engine) NoSpace() bool { return e.noSpace.Load() }

// Congested reports whether the device should currently be reported
// congested to upstream I/O schedulers.
func (e *Engine) Congested() bool { return e.congested.Load() }

// Status renders spec.md §6's CLI status line fields:
// <free_blocks> <used_blocks> <dirty_blocks>.
type Status struct {
	FreeBlocks  int
	UsedBlocks  int
	DirtyBlocks int
}

func (e *Engine) Status() Status {
	used := e.policy.Residency()

	dirty := 0
	if wc, ok := e.policy.(policy.WritebackCapable); ok {
		dirty = wc.NrDirty()
	}

	return Status{
		FreeBlocks:  e.cacheSize - used,
		UsedBlocks:  used,
		DirtyBlocks: dirty,
	}
}
