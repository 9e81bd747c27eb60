// Package era implements the peripheral era/checkpoint target spec.md
// §6 names alongside the cache target: a time window during which
// written origin blocks are tallied, closed on "checkpoint" into an
// archived writeset a backup or cache-rollback workflow can later
// query, plus the metadata-snapshot messages ("take_metadata_snap",
// "drop_metadata_snap") that freeze/release the HSM superblock roots
// for a consistent backup read. Per spec.md's Non-goals this is
// bookkeeping only — no snapshot of user data ever happens here.
//
// Grounded on pkg/policy/mq.Policy's Message/Status shape (a single
// string-args dispatch method plus a structured status snapshot) for
// the dm-message surface, and on pkg/spacemap/bitmap.go's packed
// counter blocks for the idea of a fixed-size per-block bitmap, here
// reduced to 1 bit per block since era only needs "written or not".
package era

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/blockcache/dmcache/pkg/types"
)

// ErrUnknownEra is returned by WrittenSince for an era id that was
// never archived (already dropped, or never reached by Checkpoint).
var ErrUnknownEra = errors.New("era: unknown era id")

// ErrOutOfRange is returned by MarkWrite/WrittenSince for a block
// beyond the tracked range.
var ErrOutOfRange = errors.New("era: block out of range")

// metadataSnapshotter is the narrow slice of *hsm.Handle the era
// target needs for take_metadata_snap/drop_metadata_snap; kept as an
// interface here (rather than importing pkg/hsm) so pkg/era stays a
// leaf consumer of whatever handle a caller wires in, the way
// pkg/cachecore narrows its own CopyEngine collaborator.
type metadataSnapshotter interface {
	MetadataSnapshot() (uint64, error)
	DropMetadataSnapshot(id uint64) error
}

// bitset is a fixed-size, mutex-free 1-bit-per-block array; callers
// serialise access via Target's mutex.
type bitset []uint64

func newBitset(nrBlocks types.BlockId) bitset {
	words := (int(nrBlocks) + 63) / 64
	return make(bitset, words)
}

func (b bitset) set(i types.BlockId) {
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitset) test(i types.BlockId) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}

	return n
}

// Target tracks which origin blocks are written during the current
// era and keeps archived writesets for eras closed by Checkpoint,
// spec.md §6/GLOSSARY's "user-defined time window during which block
// writes are tallied for backup/cache-rollback workflows".
type Target struct {
	mu sync.Mutex

	hsm      metadataSnapshotter
	nrBlocks types.BlockId

	current  uint32
	writeset bitset

	archived map[uint32]bitset
	snapshot map[uint64]uint32 // open metadata-snapshot id -> era it was taken in, diagnostic only
}

// NewTarget creates an era target covering nrBlocks origin blocks,
// backed by hsm for the metadata-snapshot messages. hsm may be nil if
// the caller never intends to send take_metadata_snap/drop_metadata_snap.
func NewTarget(hsm metadataSnapshotter, nrBlocks types.BlockId) *Target {
	return &Target{
		hsm:      hsm,
		nrBlocks: nrBlocks,
		current:  1,
		writeset: newBitset(nrBlocks),
		archived: make(map[uint32]bitset),
		snapshot: make(map[uint64]uint32),
	}
}

// MarkWrite records that ob was written during the current era. Called
// by the cache core on every completed write, mirroring dm-era's
// in-core bitmap update on bio completion.
func (t *Target) MarkWrite(ob types.OBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	block := ob.Block()
	if block >= t.nrBlocks {
		return fmt.Errorf("era: mark write %d: %w", block, ErrOutOfRange)
	}

	t.writeset.set(block)

	return nil
}

// CurrentEra returns the era currently accumulating writes.
func (t *Target) CurrentEra() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current
}

// Checkpoint archives the current era's writeset under its id, starts
// a fresh empty writeset for a new era, and returns the id of the era
// just closed, spec.md §6's "checkpoint" message.
func (t *Target) Checkpoint() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	closed := t.current
	t.archived[closed] = t.writeset
	t.writeset = newBitset(t.nrBlocks)
	t.current++

	return closed, nil
}

// WrittenSince reports whether ob was written during era id, for a
// backup tool deciding which blocks changed since a prior checkpoint.
func (t *Target) WrittenSince(id uint32, ob types.OBlock) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.archived[id]
	if !ok {
		return false, fmt.Errorf("era: written since %d: %w", id, ErrUnknownEra)
	}

	block := ob.Block()
	if block >= t.nrBlocks {
		return false, fmt.Errorf("era: written since %d: %w", id, ErrOutOfRange)
	}

	return ws.test(block), nil
}

// ForgetEra drops an archived writeset once a backup workflow no
// longer needs it, bounding the archive's memory growth.
func (t *Target) ForgetEra(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.archived[id]; !ok {
		return fmt.Errorf("era: forget era %d: %w", id, ErrUnknownEra)
	}

	delete(t.archived, id)

	return nil
}

// TakeMetadataSnap implements spec.md §6's take_metadata_snap message:
// freezes the HSM superblock roots and records the era the snapshot
// was taken in, purely for status reporting.
func (t *Target) TakeMetadataSnap() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hsm == nil {
		return 0, fmt.Errorf("era: take_metadata_snap: no metadata handle configured")
	}

	id, err := t.hsm.MetadataSnapshot()
	if err != nil {
		return 0, fmt.Errorf("era: take_metadata_snap: %w", err)
	}

	t.snapshot[id] = t.current

	return id, nil
}

// DropMetadataSnap implements drop_metadata_snap: releases the
// reference a prior TakeMetadataSnap took.
func (t *Target) DropMetadataSnap(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hsm == nil {
		return fmt.Errorf("era: drop_metadata_snap: no metadata handle configured")
	}

	if err := t.hsm.DropMetadataSnapshot(id); err != nil {
		return fmt.Errorf("era: drop_metadata_snap: %w", err)
	}

	delete(t.snapshot, id)

	return nil
}

// Status is a structured snapshot of the era target's bookkeeping,
// mirroring policy.Status's "richer than one status line" approach so
// the CLI can format it however it likes.
type Status struct {
	CurrentEra    uint32
	ArchivedEras  []uint32
	WrittenCount  int // blocks marked written in the current era so far
	OpenSnapshots int
}

// Status reports the target's current bookkeeping state.
func (t *Target) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint32, 0, len(t.archived))
	for id := range t.archived {
		ids = append(ids, id)
	}

	return Status{
		CurrentEra:    t.current,
		ArchivedEras:  ids,
		WrittenCount:  t.writeset.count(),
		OpenSnapshots: len(t.snapshot),
	}
}

// Message dispatches the era target's message interface, spec.md §6:
// "HSM-adjacent era target accepts checkpoint, take_metadata_snap,
// drop_metadata_snap".
func (t *Target) Message(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("era: message: no arguments")
	}

	switch args[0] {
	case "checkpoint":
		closed, err := t.Checkpoint()
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%d", closed), nil

	case "take_metadata_snap":
		id, err := t.TakeMetadataSnap()
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%d", id), nil

	case "drop_metadata_snap":
		if len(args) != 2 {
			return "", fmt.Errorf("era: message: drop_metadata_snap requires an id argument")
		}

		var id uint64
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			return "", fmt.Errorf("era: message: drop_metadata_snap: invalid id %q", args[1])
		}

		if err := t.DropMetadataSnap(id); err != nil {
			return "", err
		}

		return "", nil

	default:
		return "", fmt.Errorf("era: message: unknown key %q", args[0])
	}
}
