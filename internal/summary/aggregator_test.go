package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/bucket/buckettest"
	"github.com/marshallengine/marshall/internal/config"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

func newAggregator(t *testing.T, s *bucket.Store, batchCap int) *Aggregator {
	t.Helper()
	cfg := config.DefaultConfig().Summaries
	cfg.BatchCap = batchCap
	return NewAggregator(s, cfg, buckettest.ZoneHeight, time.Minute, zaptest.NewLogger(t))
}

func stateOf(t *testing.T, s *bucket.Store, id types.SharedID) types.UpdateState {
	t.Helper()
	sum, err := s.Summary(context.Background(), id)
	require.NoError(t, err)
	return sum.UpdateNeeded
}

func TestCompute(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	master := &types.CatalogEntry{SharedID: 7, Name: "SN2024aa", RADeg: f(266.40499), DecDeg: f(-28.93617)}
	dets := []types.CatalogEntry{
		{ObservationMJD: f(60300), Magnitude: f(19.2)},
		{ObservationMJD: f(60302), Magnitude: f(17.9)},
		{ObservationMJD: f(60305), Magnitude: f(18.4)},
		{ObservationMJD: f(60310), Magnitude: f(20.5), LimitingMag: true},
		{ObservationMJD: f(60298)},
	}

	sum := Compute(master, dets, 0.05)
	assert.Equal(t, types.SharedID(7), sum.SharedID)
	assert.Equal(t, "SN2024aa", sum.Name)
	assert.Equal(t, 4, sum.DetectionCount)
	assert.InDelta(t, 0, *sum.GLonDeg, 1e-3)
	assert.InDelta(t, 0, *sum.GLatDeg, 1e-3)
	assert.Equal(t, int64(1221), *sum.ZoneID)
	assert.Equal(t, 60298.0, *sum.EarliestMJD)
	assert.Equal(t, 60305.0, *sum.LatestMJD, "limits do not extend the detection window")
	assert.Equal(t, 17.9, *sum.PeakMag)
	assert.Equal(t, 18.4, *sum.CurrentMag)
	assert.Equal(t, 60305.0, *sum.CurrentMagMJD)
	assert.Nil(t, sum.BestRedshift)
	assert.Nil(t, sum.DistanceMpc)
}

func TestCompute_MasterWithoutPosition(t *testing.T) {
	sum := Compute(&types.CatalogEntry{SharedID: 1, Name: "SN2024zz"}, nil, 0.05)
	assert.Nil(t, sum.RADeg)
	assert.Nil(t, sum.GLonDeg)
	assert.Nil(t, sum.ZoneID)
	assert.Equal(t, 0, sum.DetectionCount)
}

func TestAggregator_StateMachine(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s,
		buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 10, Dec: 20, MJD: 60300, Mag: 18},
		buckettest.Master{SharedID: 1, Name: "ATLAS24xy", RA: 10.00005, Dec: 20.00003, MJD: 60301, Mag: 17.5, NotMaster: true},
	)
	a := newAggregator(t, s, 1000)

	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{1}))
	assert.Equal(t, types.UpdateNew, stateOf(t, s, 1))

	// a second touch before the first computation keeps the summary new
	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{1}))
	assert.Equal(t, types.UpdateNew, stateOf(t, s, 1))

	res, err := a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	sum, err := s.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.UpdateClean, sum.UpdateNeeded)
	assert.Equal(t, "SN2024aa", sum.Name)
	assert.Equal(t, 2, sum.DetectionCount)
	assert.Equal(t, 17.5, *sum.CurrentMag)
	require.NotNil(t, sum.GLatDeg)

	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{1}))
	assert.Equal(t, types.UpdateStale, stateOf(t, s, 1))

	res, err = a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, types.UpdateClean, stateOf(t, s, 1))

	// nothing left to do
	res, err = a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
}

func TestAggregator_BatchCapDefersStaleSummaries(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	var ids []types.SharedID
	for i := 1; i <= 5; i++ {
		id := types.SharedID(i)
		ids = append(ids, id)
		buckettest.Seed(t, s, buckettest.Master{SharedID: id, Name: id.String(), RA: float64(i), Dec: 0, MJD: 60300, Mag: 19})
	}

	a := newAggregator(t, s, 2)
	require.NoError(t, a.MarkTouched(ctx, ids))
	for i := 0; i < 3; i++ {
		_, err := a.Update(ctx, Scope{})
		require.NoError(t, err)
	}
	for _, id := range ids {
		require.Equal(t, types.UpdateClean, stateOf(t, s, id))
	}

	require.NoError(t, a.MarkTouched(ctx, ids))
	res, err := a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)

	for _, id := range ids {
		state := stateOf(t, s, id)
		assert.NotEqual(t, types.UpdateNew, state, "stale summaries never return to new")
		if id <= 2 {
			assert.Equal(t, types.UpdateClean, state)
		} else {
			assert.Equal(t, types.UpdateStale, state)
		}
	}
}

func TestAggregator_ScopeIgnoresUnknownIDs(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s, buckettest.Master{SharedID: 4, Name: "SN2024aa", RA: 1, Dec: 1})
	a := newAggregator(t, s, 10)
	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{4}))

	res, err := a.Update(ctx, Scope{SharedIDs: []types.SharedID{4, 99}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Skipped, "ids without a summary are ignored")
}

func TestAggregator_Distances(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s,
		buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 10, Dec: 20, MJD: 60300, Mag: 18},
		buckettest.Master{SharedID: 2, Name: "SN2024bb", RA: 30, Dec: 20, MJD: 60300, Mag: 18},
	)
	a := newAggregator(t, s, 10)
	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{1, 2}))
	_, err := a.Update(ctx, Scope{})
	require.NoError(t, err)

	require.NoError(t, a.RecordRedshift(ctx, 1, 0.1))
	require.NoError(t, a.RecordRedshift(ctx, 2, 0.0005))
	assert.Equal(t, types.UpdateStale, stateOf(t, s, 1))

	res, err := a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Distances)

	sum, err := s.Summary(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sum.DistanceMpc)
	assert.InDelta(t, 460.3, *sum.DistanceMpc, 0.5)
	assert.Equal(t, 0.1, *sum.BestRedshift, "recomputation keeps the redshift")

	sum, err = s.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, sum.DistanceMpc, "redshifts below the threshold get no distance")

	// recording the same redshift leaves the distance alone
	require.NoError(t, a.RecordRedshift(ctx, 1, 0.1))
	res, err = a.Update(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Distances)
	sum, err = s.Summary(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 460.3, *sum.DistanceMpc, 0.5)

	err = a.RecordRedshift(ctx, 42, 0.2)
	require.Error(t, err)
	assert.Equal(t, mErrors.ErrCategoryData, mErrors.GetCategory(err))
}

func TestAggregator_Refresh(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s,
		buckettest.Master{SharedID: 1, Name: "a", RA: 10, Dec: 20},
		buckettest.Master{SharedID: 2, Name: "b", RA: 11, Dec: 20},
	)
	a := newAggregator(t, s, 10)
	require.NoError(t, a.MarkTouched(ctx, []types.SharedID{2}))

	res, err := a.Refresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, types.UpdateClean, stateOf(t, s, 1))
	assert.Equal(t, types.UpdateNew, stateOf(t, s, 2), "refresh is scoped to one object")

	res, err = a.Refresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated, "refresh recomputes clean summaries too")
}
