// Package clock supplies the cache core's injectable notion of time:
// writeback deadlines and the periodic tick driving policy aging are
// both computed against a Clock rather than calling time.Now directly,
// so tests can advance time deterministically instead of sleeping.
//
// Grounded on internal/testutil/clock.go's fake-clock pattern
// (a fixed start time, advanced by an explicit step rather than by
// wall-clock sleep), generalized from a single NextTimestamp() helper
// to the Now()/After() shape pkg/cachecore's worker loop needs.
package clock

import "time"

// Clock is the minimal time source the cache core depends on.
type Clock interface {
	Now() time.Time
}

// Real wraps the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for deterministic tests, grounded
// on internal/testutil.Clock's fixed-start-time-plus-step model.
type Fake struct {
	current time.Time
}

// NewFake returns a Fake starting at a fixed UTC instant, matching
// internal/testutil.NewClock's fixed start time so cachecore tests
// read the same way the teacher's model tests do.
func NewFake() *Fake {
	return &Fake{current: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time { return f.current }

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.current = f.current.Add(d)
	return f.current
}

var (
	_ Clock = Real{}
	_ Clock = (*Fake)(nil)
)
