// Package policy defines the uniform cache-replacement contract
// spec.md §4.5 describes: a single Policy interface the cache core
// drives, with optional capability interfaces for the behaviours not
// every policy (or shim) provides — the idiomatic-Go rendering of "a
// policy missing writeback is not writeback-capable" that avoids a
// runtime variant tag.
//
// Grounded on the teacher's generic Document constraint
// (pkg/mddb/types.go's Document interface): a minimal required method
// set plus the expectation that richer behaviour comes from additional,
// separately-asserted interfaces rather than a god-interface every
// implementation must fully satisfy.
package policy

import (
	"errors"

	"github.com/blockcache/dmcache/pkg/types"
)

// Result classifies what Map decided for one lookup, spec.md §4.5's
// PolicyResult variant.
type Result int

const (
	// Hit means ob is already resident at the returned CBlock.
	Hit Result = iota
	// Miss means ob is not resident and the policy declines to admit it.
	Miss
	// New means ob is origin-only but the policy wants to admit it into
	// the returned (free) CBlock. The caller must quiesce further I/O to
	// ob, copy origin to cache, then call the mapping in.
	New
	// Replace means the policy wants to evict OldOBlock from the
	// returned CBlock and admit ob in its place.
	Replace
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "HIT"
	case Miss:
		return "MISS"
	case New:
		return "NEW"
	case Replace:
		return "REPLACE"
	default:
		return "UNKNOWN"
	}
}

// MapResult is Map's return value.
type MapResult struct {
	Result    Result
	CBlock    types.CBlock
	OldOBlock types.OBlock // only meaningful when Result == Replace
}

// ErrInfallibleOp is returned by RemoveMapping/ForceMapping only when
// the caller violates the contract itself (e.g. an out-of-range
// CBlock); spec.md §7 requires these to otherwise never fail.
var ErrInfallibleOp = errors.New("policy: infallible operation misused")

// ErrNotResident is returned by Lookup-style accessors for an ob the
// policy has no entry for.
var ErrNotResident = errors.New("policy: block not resident")

// Policy is the contract the cache core drives every replacement
// algorithm through, spec.md §4.5.
type Policy interface {
	// Map decides what to do about a request to ob. discarded indicates
	// the origin region has outstanding discards (policies may use this
	// to avoid copying stale data). canMigrate=false must never yield
	// New or Replace (spec.md §8 property 7).
	Map(ob types.OBlock, canMigrate, discarded bool) (MapResult, error)

	// Lookup is a side-effect-free residency check, used by read-only
	// callers (status reporting, tests) that must not perturb LRU/queue
	// position the way Map's HIT path does.
	Lookup(ob types.OBlock) (types.CBlock, bool)

	// LoadMapping installs a pre-existing (ob, cb) pair read back from
	// metadata at startup, without going through Map's admission logic.
	LoadMapping(ob types.OBlock, cb types.CBlock, dirty bool) error

	// Walk visits every resident mapping, for snapshot/dump tooling.
	Walk(fn func(ob types.OBlock, cb types.CBlock, dirty bool) error) error

	// RemoveMapping drops ob's entry, freeing its CBlock. Contractually
	// infallible (spec.md §7) except for caller misuse.
	RemoveMapping(ob types.OBlock) error

	// ForceMapping overwrites whatever is at cb with ob, used by the
	// core to refuse a NEW/REPLACE suggestion it can't honour.
	// Contractually infallible except for caller misuse.
	ForceMapping(ob types.OBlock, cb types.CBlock) error

	// Residency reports how many CBlocks currently hold a mapping.
	Residency() int

	// Tick drives periodic bookkeeping (mq's demote_period, for
	// instance); policies without periodic state make this a no-op.
	Tick()
}

// WritebackCapable is implemented by policies that track dirty state
// and can hand the core the next block due for writeback.
type WritebackCapable interface {
	SetDirty(ob types.OBlock) error
	ClearDirty(ob types.OBlock) error
	// NextWriteback returns the next dirty ob due for writeback and
	// rotates it to the back of the scan order, or ok=false if nothing
	// is dirty.
	NextWriteback() (ob types.OBlock, ok bool)
	NrDirty() int
}

// MessageCapable is implemented by policies exposing runtime-tunable
// parameters via the dm message interface (spec.md §4.5:
// dm-cache-policy-mq.c's tunable messages).
type MessageCapable interface {
	Message(args []string) (string, error)
}

// Status is a structured status snapshot, richer than dm-cache's
// single status line so the CLI can format it however it likes.
type Status struct {
	Name      string
	Residency int
	NrDirty   int
	Extra     map[string]string
}

// StatusCapable is implemented by every non-shim policy.
type StatusCapable interface {
	Status() Status
}
