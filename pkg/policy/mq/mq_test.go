package mq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockcache/dmcache/pkg/policy"
	"github.com/blockcache/dmcache/pkg/policy/mq"
	"github.com/blockcache/dmcache/pkg/types"
)

func TestMap_FirstTouchMissesAndEntersPrecache(t *testing.T) {
	t.Parallel()

	p := mq.New(4, 4, 1000)

	res, err := p.Map(types.NewOBlock(1), true, false)
	require.NoError(t, err)
	require.Equal(t, policy.Miss, res.Result)
	require.Equal(t, 0, p.Residency())
}

func TestMap_PromotesAfterThresholdHits(t *testing.T) {
	t.Parallel()

	p := mq.New(4, 4, 1000)
	ob := types.NewOBlock(7)

	var last policy.MapResult
	for last.Result != policy.New {
		res, err := p.Map(ob, true, false)
		require.NoError(t, err)
		last = res
	}

	cb, ok := p.Lookup(ob)
	require.True(t, ok)
	require.Equal(t, last.CBlock, cb)
}

func TestMap_NoMigrateNeverPromotesOrAdmits(t *testing.T) {
	t.Parallel()

	p := mq.New(4, 4, 1000)
	ob := types.NewOBlock(3)

	for i := 0; i < mq.PromoteThreshold+5; i++ {
		res, err := p.Map(ob, false, false)
		require.NoError(t, err)
		require.NotEqual(t, policy.New, res.Result)
		require.NotEqual(t, policy.Replace, res.Result)
	}

	_, ok := p.Lookup(ob)
	require.False(t, ok)
}

func TestMap_PromotionReplacesWhenCacheFull(t *testing.T) {
	t.Parallel()

	p := mq.New(1, 8, 1000)

	ob1 := types.NewOBlock(1)

	var res policy.MapResult
	var err error
	for res.Result != policy.New {
		res, err = p.Map(ob1, true, false)
		require.NoError(t, err)
	}

	ob2 := types.NewOBlock(2)

	res = policy.MapResult{}
	for res.Result != policy.Replace {
		res, err = p.Map(ob2, true, false)
		require.NoError(t, err)
	}

	require.Equal(t, ob1, res.OldOBlock)

	_, ok := p.Lookup(ob1)
	require.False(t, ok)
	_, ok = p.Lookup(ob2)
	require.True(t, ok)
}

// TestMap_SequentialStreamBypassesCache exercises the S5 scenario:
// a long ascending run of oblocks is classified as sequential I/O and
// never gets admitted, however many times it's scanned.
func TestMap_SequentialStreamBypassesCache(t *testing.T) {
	t.Parallel()

	p := mq.New(8, 8, 1000)

	for i := uint64(0); i < 2000; i++ {
		res, err := p.Map(types.NewOBlock(types.BlockId(i)), true, false)
		require.NoError(t, err)
		require.Equal(t, policy.Miss, res.Result)
	}

	require.Equal(t, 0, p.Residency())
}

func TestTick_DecaysLevelsWithoutLosingResidency(t *testing.T) {
	t.Parallel()

	p := mq.New(4, 4, 2)
	ob := types.NewOBlock(1)

	for i := 0; i < mq.PromoteThreshold+1; i++ {
		_, err := p.Map(ob, true, false)
		require.NoError(t, err)
	}

	require.Equal(t, 1, p.Residency())

	p.Tick()
	p.Tick()

	require.Equal(t, 1, p.Residency())

	_, ok := p.Lookup(ob)
	require.True(t, ok)
	require.NoError(t, p.SetDirty(ob))

	wbOb, ok := p.NextWriteback()
	require.True(t, ok)
	require.Equal(t, ob, wbOb)
}

func TestLoadMapping_InstallsDirectlyIntoCache(t *testing.T) {
	t.Parallel()

	p := mq.New(2, 2, 1000)
	ob := types.NewOBlock(9)
	cb := types.NewCBlock(1)

	require.NoError(t, p.LoadMapping(ob, cb, true))

	gotCB, ok := p.Lookup(ob)
	require.True(t, ok)
	require.Equal(t, cb, gotCB)
	require.Equal(t, 1, p.NrDirty())
}

func TestRemoveMapping_DropsFromCacheOrPrecache(t *testing.T) {
	t.Parallel()

	p := mq.New(2, 2, 1000)
	ob := types.NewOBlock(1)

	_, err := p.Map(ob, true, false)
	require.NoError(t, err)

	require.NoError(t, p.RemoveMapping(ob))

	_, ok := p.Lookup(ob)
	require.False(t, ok)
}

func TestMessage_ReportsDemotePeriod(t *testing.T) {
	t.Parallel()

	p := mq.New(2, 2, 42)

	got, err := p.Message([]string{"demote_period"})
	require.NoError(t, err)
	require.Equal(t, "42", got)

	_, err = p.Message([]string{"unknown"})
	require.Error(t, err)
}

func TestStatus_ReportsExtraFields(t *testing.T) {
	t.Parallel()

	p := mq.New(2, 2, 1000)
	st := p.Status()
	require.Equal(t, "mq", st.Name)
	require.Contains(t, st.Extra, "cache_size")
	require.Contains(t, st.Extra, "precache_residency")
}
