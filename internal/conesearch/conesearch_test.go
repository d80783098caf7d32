package conesearch

import (
	"context"
	"errors"
	"testing"

	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/bucket/buckettest"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

var masterOnly = []bucket.Predicate{bucket.Eq("master_id_flag", true)}

func newSearcher(t *testing.T, masters ...buckettest.Master) *SQLSearcher {
	t.Helper()
	s := buckettest.Open(t)
	buckettest.Seed(t, s, masters...)
	return NewSQLSearcher(s, buckettest.ZoneHeight)
}

func TestSearch_RadiusBoundary(t *testing.T) {
	s := newSearcher(t, buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 10, Dec: 0})
	ctx := context.Background()

	q := Query{
		Points: []Point{{RADeg: 10, DecDeg: 0.00097}, {RADeg: 10, DecDeg: 0.00098}},
		Radius: unit.AngleFromSec(3.5),
		Where:  masterOnly,
	}
	matches, err := s.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, matches, 1, "3.49\" matches, 3.53\" does not")
	assert.Equal(t, 0, matches[0].Index)
	assert.Equal(t, types.SharedID(1), matches[0].Row.SharedID)
	assert.InDelta(t, 3.492, matches[0].Separation.Sec(), 1e-3)
}

func TestSearch_ExactRadiusIsInclusive(t *testing.T) {
	rows := []bucket.PositionedRow{{PrimaryKeyID: 1, SharedID: 1, RADeg: 10, DecDeg: 0}}
	p := Point{RADeg: 10, DecDeg: 0.001}
	sep := Separation(unit.AngleFromDeg(10), unit.AngleFromDeg(0.001), unit.AngleFromDeg(10), unit.AngleFromDeg(0))

	matches := selectMatches(0, p, rows, Query{Radius: sep})
	assert.Len(t, matches, 1)
}

func TestSearch_WrapsAtRAZero(t *testing.T) {
	s := newSearcher(t, buckettest.Master{SharedID: 7, Name: "wrap", RA: 359.9999, Dec: 20})
	matches, err := s.Search(context.Background(), Query{
		Points: []Point{{RADeg: 0.0001, DecDeg: 20}},
		Radius: unit.AngleFromSec(3.5),
		Where:  masterOnly,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.SharedID(7), matches[0].Row.SharedID)
}

func TestSearch_NearPole(t *testing.T) {
	s := newSearcher(t, buckettest.Master{SharedID: 8, Name: "polar", RA: 180, Dec: 89.9995})
	matches, err := s.Search(context.Background(), Query{
		Points: []Point{{RADeg: 0, DecDeg: 89.9995}},
		Radius: unit.AngleFromSec(3.7),
		Where:  masterOnly,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1, "across the pole the RA difference is 180 degrees")
}

func TestSearch_ClosestAndTieBreak(t *testing.T) {
	s := newSearcher(t,
		buckettest.Master{SharedID: 5, Name: "east", RA: 10.0005, Dec: 0},
		buckettest.Master{SharedID: 3, Name: "west", RA: 9.9995, Dec: 0},
		buckettest.Master{SharedID: 9, Name: "near", RA: 10.0001, Dec: 0.0001},
	)
	ctx := context.Background()

	matches, err := s.Search(ctx, Query{
		Points:  []Point{{RADeg: 10, DecDeg: 0}},
		Radius:  unit.AngleFromSec(3.5),
		Where:   masterOnly,
		Closest: true,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.SharedID(9), matches[0].Row.SharedID, "nearest wins")

	// north and south of the point are exactly equidistant
	s = newSearcher(t,
		buckettest.Master{SharedID: 5, Name: "north", RA: 10, Dec: 0.0005},
		buckettest.Master{SharedID: 3, Name: "south", RA: 10, Dec: -0.0005},
	)
	matches, err = s.Search(ctx, Query{
		Points:  []Point{{RADeg: 10, DecDeg: 0}},
		Radius:  unit.AngleFromSec(3.5),
		Where:   masterOnly,
		Closest: true,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.SharedID(3), matches[0].Row.SharedID, "equal separations go to the lowest shared id")
}

func TestSearch_DistinctAndMasterOnly(t *testing.T) {
	s := newSearcher(t,
		buckettest.Master{SharedID: 2, Name: "a", RA: 30, Dec: -10},
		buckettest.Master{SharedID: 2, Name: "a", RA: 30.0001, Dec: -10, NotMaster: true},
		buckettest.Master{SharedID: 4, Name: "b", RA: 30.0002, Dec: -10},
	)
	ctx := context.Background()
	q := Query{Points: []Point{{RADeg: 30, DecDeg: -10}}, Radius: unit.AngleFromSec(3.5), Distinct: true}

	matches, err := s.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, types.SharedID(2), matches[0].Row.SharedID)
	assert.Equal(t, types.SharedID(4), matches[1].Row.SharedID)

	q.Distinct = false
	q.Where = masterOnly
	matches, err = s.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "non-master rows are never returned")
}

type failingFinder struct{ err error }

func (f failingFinder) FindInRegion(context.Context, bucket.Region, []bucket.Predicate) ([]bucket.PositionedRow, error) {
	return nil, f.err
}

func TestSearch_BackendFailureIsRetryable(t *testing.T) {
	s := NewSQLSearcher(failingFinder{err: errors.New("connection reset")}, 0.05)
	_, err := s.Search(context.Background(), Query{
		Points: []Point{{RADeg: 1, DecDeg: 1}},
		Radius: unit.AngleFromSec(3.5),
	})
	require.Error(t, err)
	assert.True(t, mErrors.IsRetryable(err))
	assert.Equal(t, mErrors.CodeSearchFailed, mErrors.GetCode(err))

	s = NewSQLSearcher(failingFinder{err: context.DeadlineExceeded}, 0.05)
	_, err = s.Search(context.Background(), Query{
		Points: []Point{{RADeg: 1, DecDeg: 1}},
		Radius: unit.AngleFromSec(3.5),
	})
	assert.Equal(t, mErrors.CodeTimeout, mErrors.GetCode(err))
}

func TestRegion_WrapIntervals(t *testing.T) {
	r := Region(Point{RADeg: 0.0001, DecDeg: 0}, 3.5/3600, 0.05)
	require.Len(t, r.RAIntervals, 2)
	assert.Equal(t, 0.0, r.RAIntervals[0][0])
	assert.Equal(t, 360.0, r.RAIntervals[1][1])

	r = Region(Point{RADeg: 359.9999, DecDeg: 0}, 3.5/3600, 0.05)
	require.Len(t, r.RAIntervals, 2)

	r = Region(Point{RADeg: 180, DecDeg: 89.9999}, 3.5/3600, 0.05)
	assert.Nil(t, r.RAIntervals, "polar cones search every RA")
	assert.Equal(t, 90.0, r.DecHi)
}

func TestSearch_RejectsBadInput(t *testing.T) {
	s := NewSQLSearcher(failingFinder{}, 0.05)
	_, err := s.Search(context.Background(), Query{Points: []Point{{RADeg: 1, DecDeg: 1}}})
	assert.Error(t, err, "zero radius")

	_, err = s.Search(context.Background(), Query{Points: []Point{{RADeg: 400, DecDeg: 1}}, Radius: unit.AngleFromSec(1)})
	assert.ErrorIs(t, err, types.ErrMalformedCoordinates)
}
