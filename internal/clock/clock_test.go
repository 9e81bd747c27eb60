package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/internal/clock"
)

func TestFake_AdvanceMovesTimeForward(t *testing.T) {
	t.Parallel()

	c := clock.NewFake()
	start := c.Now()

	got := c.Advance(5 * time.Minute)
	require.Equal(t, start.Add(5*time.Minute), got)
	require.Equal(t, got, c.Now())
}

func TestFake_NeverAdvancesOnItsOwn(t *testing.T) {
	t.Parallel()

	c := clock.NewFake()
	first := c.Now()

	time.Sleep(time.Millisecond)

	require.Equal(t, first, c.Now())
}

func TestReal_TracksWallClock(t *testing.T) {
	t.Parallel()

	var r clock.Real

	before := time.Now()
	got := r.Now()
	after := time.Now()

	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}
