// Package stack implements spec.md §4.5's L5d policy stack
// composition: a chain of named, versioned, hint-sized policy
// segments dispatched through a default-forwarder so debug/trace
// shims can be hot-inserted without changing the persisted metadata
// layout, per spec.md §8 property 8 ("for any stack S, canonical_name(S)
// and canonical_name(S ∪ hintless_shims) are equal").
//
// Grounded on the capability-dispatch shape pkg/policy itself uses
// (optional interfaces probed with a type assertion) generalized from
// "does this one policy implement WritebackCapable" to "does any
// segment in this chain implement WritebackCapable" — the same
// default-forwarder idea spec.md describes for dm-cache's policy
// stacking, applied across segments instead of within one policy.
package stack

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/types"
)

// HintProvider is implemented by a segment whose policy persists
// per-mapping hint bytes (e.g. mq's hit count, ARC's queue
// membership). Segments that don't implement it contribute HintSize
// zero bytes to a composite walk.
type HintProvider interface {
	HintBytes(ob types.OBlock) []byte
}

// Segment is one named link in a policy stack. Version is dm-cache's
// three-component policy version; HintSize is the per-mapping hint
// byte count this segment persists, zero for a hintless (e.g. trace)
// shim.
type Segment struct {
	Name     string
	Version  [3]uint32
	HintSize int
	Policy   policy.Policy
}

// ErrEmptyStack is returned by NewStack when given no segments.
var ErrEmptyStack = errors.New("stack: at least one segment is required")

// ErrNoCapableSegment is returned by a capability-forwarding method
// when no segment in the chain implements the requested capability.
var ErrNoCapableSegment = errors.New("stack: no segment implements the requested capability")

// Stack composes a chain of policy segments. Only the terminal
// (innermost, last) segment is assumed to own real mapping state —
// outer segments exist for naming/versioning/hinting and for
// optionally intercepting specific capabilities (a custom segment's
// Policy can itself implement WritebackCapable etc. to take over that
// capability instead of forwarding).
type Stack struct {
	mu       sync.Mutex
	segments []Segment
	terminal policy.Policy
}

// NewStack builds a stack from segments in outer-to-inner order (the
// order they'd appear left-to-right in a stack string, e.g.
// "trace+cleaner+mq").
func NewStack(segments ...Segment) (*Stack, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyStack
	}

	return &Stack{
		segments: segments,
		terminal: segments[len(segments)-1].Policy,
	}, nil
}

// DisplayName renders the raw stack string: every segment's name
// joined by "+", with a trailing "+" when there is exactly one
// segment (spec.md: "trailing + denotes a single policy rather than a
// stack").
func (s *Stack) DisplayName() string {
	names := make([]string, len(s.segments))
	for i, seg := range s.segments {
		names[i] = seg.Name
	}

	joined := strings.Join(names, "+")
	if len(s.segments) == 1 {
		joined += "+"
	}

	return joined
}

// CanonicalName concatenates (no separator) the names of every
// hint-bearing segment, skipping hintless ones, so inserting or
// removing a trace-only shim never changes the canonical name
// (spec.md §8 property 8, exercised by the S6 scenario).
func (s *Stack) CanonicalName() string {
	var b strings.Builder

	for _, seg := range s.segments {
		if seg.HintSize > 0 {
			b.WriteString(seg.Name)
		}
	}

	return b.String()
}

// CompositeVersion sums Version componentwise over every hint-bearing
// segment.
func (s *Stack) CompositeVersion() [3]uint32 {
	var v [3]uint32

	for _, seg := range s.segments {
		if seg.HintSize > 0 {
			v[0] += seg.Version[0]
			v[1] += seg.Version[1]
			v[2] += seg.Version[2]
		}
	}

	return v
}

// CompositeHintSize sums HintSize over every hint-bearing segment.
func (s *Stack) CompositeHintSize() int {
	total := 0

	for _, seg := range s.segments {
		if seg.HintSize > 0 {
			total += seg.HintSize
		}
	}

	return total
}

// Map implements policy.Policy.Map by forwarding to the terminal
// segment — the default-forwarder behaviour for the mandatory policy
// operations, since only the terminal segment owns mapping state.
func (s *Stack) Map(ob types.OBlock, canMigrate, discarded bool) (policy.MapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.Map(ob, canMigrate, discarded)
}

func (s *Stack) Lookup(ob types.OBlock) (types.CBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.Lookup(ob)
}

func (s *Stack) LoadMapping(ob types.OBlock, cb types.CBlock, dirty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.LoadMapping(ob, cb, dirty)
}

// Walk implements policy.Policy.Walk without hints; use WalkWithHints
// for the full per-segment hint-byte composition spec.md describes.
func (s *Stack) Walk(fn func(ob types.OBlock, cb types.CBlock, dirty bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.Walk(fn)
}

// WalkWithHints enumerates every resident mapping with a composite
// hint buffer: per-segment hint bytes, in canonical (hint-bearing,
// skip-hintless) order, concatenated into one buffer of
// CompositeHintSize() bytes per mapping.
func (s *Stack) WalkWithHints(fn func(ob types.OBlock, cb types.CBlock, dirty bool, hint []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.Walk(func(ob types.OBlock, cb types.CBlock, dirty bool) error {
		hint := make([]byte, 0, s.compositeHintSizeLocked())

		for _, seg := range s.segments {
			if seg.HintSize == 0 {
				continue
			}

			segBytes := make([]byte, seg.HintSize)

			if hp, ok := seg.Policy.(HintProvider); ok {
				copy(segBytes, hp.HintBytes(ob))
			}

			hint = append(hint, segBytes...)
		}

		return fn(ob, cb, dirty, hint)
	})
}

func (s *Stack) compositeHintSizeLocked() int {
	total := 0

	for _, seg := range s.segments {
		if seg.HintSize > 0 {
			total += seg.HintSize
		}
	}

	return total
}

func (s *Stack) RemoveMapping(ob types.OBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.RemoveMapping(ob)
}

func (s *Stack) ForceMapping(ob types.OBlock, cb types.CBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.ForceMapping(ob, cb)
}

func (s *Stack) Residency() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.terminal.Residency()
}

// Tick drives every segment's periodic bookkeeping, not just the
// terminal's — a trace shim might want its own tick-driven sampling,
// for instance.
func (s *Stack) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		seg.Policy.Tick()
	}
}

func (s *Stack) writebackCapable() (policy.WritebackCapable, bool) {
	for _, seg := range s.segments {
		if wc, ok := seg.Policy.(policy.WritebackCapable); ok {
			return wc, true
		}
	}

	return nil, false
}

func (s *Stack) SetDirty(ob types.OBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.writebackCapable()
	if !ok {
		return fmt.Errorf("%w: writeback", ErrNoCapableSegment)
	}

	return wc.SetDirty(ob)
}

func (s *Stack) ClearDirty(ob types.OBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.writebackCapable()
	if !ok {
		return fmt.Errorf("%w: writeback", ErrNoCapableSegment)
	}

	return wc.ClearDirty(ob)
}

func (s *Stack) NextWriteback() (types.OBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.writebackCapable()
	if !ok {
		return types.OBlock{}, false
	}

	return wc.NextWriteback()
}

func (s *Stack) NrDirty() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.writebackCapable()
	if !ok {
		return 0
	}

	return wc.NrDirty()
}

// Message dispatches to the first segment (outer to inner) whose name
// matches args[0]'s leading "segment:" prefix, or the first
// MessageCapable segment if no segment is explicitly named.
func (s *Stack) Message(args []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(args) > 0 {
		if name, rest, found := strings.Cut(args[0], ":"); found {
			for _, seg := range s.segments {
				if seg.Name != name {
					continue
				}

				mc, ok := seg.Policy.(policy.MessageCapable)
				if !ok {
					return "", fmt.Errorf("%w: message-capable", ErrNoCapableSegment)
				}

				return mc.Message(append([]string{rest}, args[1:]...))
			}

			return "", fmt.Errorf("stack: no segment named %q", name)
		}
	}

	for _, seg := range s.segments {
		if mc, ok := seg.Policy.(policy.MessageCapable); ok {
			return mc.Message(args)
		}
	}

	return "", fmt.Errorf("%w: message-capable", ErrNoCapableSegment)
}

// Status aggregates the terminal segment's residency/dirty counts
// under the stack's canonical name, with a per-segment breakdown in
// Extra for every segment that implements StatusCapable.
func (s *Stack) Status() policy.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := policy.Status{
		Name:  s.CanonicalName(),
		Extra: map[string]string{"raw_name": s.DisplayName()},
	}

	for _, seg := range s.segments {
		sc, ok := seg.Policy.(policy.StatusCapable)
		if !ok {
			continue
		}

		inner := sc.Status()
		st.Extra[seg.Name+".residency"] = fmt.Sprintf("%d", inner.Residency)
		st.Extra[seg.Name+".nr_dirty"] = fmt.Sprintf("%d", inner.NrDirty)

		if seg.Policy == s.terminal {
			st.Residency = inner.Residency
			st.NrDirty = inner.NrDirty
		}
	}

	return st
}

var (
	_ policy.Policy           = (*Stack)(nil)
	_ policy.WritebackCapable = (*Stack)(nil)
	_ policy.MessageCapable   = (*Stack)(nil)
	_ policy.StatusCapable    = (*Stack)(nil)
)
