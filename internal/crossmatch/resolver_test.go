package crossmatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/bucket/buckettest"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/internal/conesearch"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/internal/merge"
	"github.com/marshallengine/marshall/pkg/types"
)

func crossmatchConfig(radiusArcsec float64, batch int) config.CrossmatchConfig {
	cfg := config.DefaultConfig().Crossmatch
	cfg.RadiusArcsec = radiusArcsec
	cfg.BatchSize = batch
	return cfg
}

func newResolver(t testing.TB, s *bucket.Store, cfg config.CrossmatchConfig, searcher conesearch.Searcher) *Resolver {
	t.Helper()
	var logger *zap.Logger
	if tt, ok := t.(*testing.T); ok {
		logger = zaptest.NewLogger(tt)
	} else {
		logger = zap.NewNop()
	}
	if searcher == nil {
		searcher = conesearch.NewSQLSearcher(s, cfg.ZoneHeightDeg)
	}
	m := merge.NewMerger(s, cfg.ZoneHeightDeg, logger)
	return NewResolver(s, m, searcher, cfg, time.Minute, logger)
}

func sharedIDOf(t testing.TB, s *bucket.Store, name string) types.SharedID {
	t.Helper()
	ids, err := s.SharedIDsByName(context.Background(), name)
	require.NoError(t, err)
	require.Len(t, ids, 1, "expected %s to belong to one object", name)
	return ids[0]
}

var primary = Options{Survey: "atlas", ImportUnmatched: true}

func TestResolve_EndToEnd(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	schemaA, _ := buckettest.RegisterATLAS(t, s, "fs_tns")
	schemaB, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
	buckettest.Stage(t, s, schemaA, buckettest.Detection("SN2024aa", 10.0, 20.0, 60300))
	buckettest.Stage(t, s, schemaB, buckettest.Detection("ATLAS24xy", 10.00005, 20.00003, 60301))

	r := newResolver(t, s, crossmatchConfig(3.5, 200), nil)

	resA, err := r.Resolve(ctx, "fs_tns", Options{Survey: "tns", ImportUnmatched: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resA.Allocated.Count)

	resB, err := r.Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, 1, resB.SpatialMatched)
	assert.Equal(t, 0, resB.Allocated.Count)

	id := sharedIDOf(t, s, "SN2024aa")
	assert.Equal(t, id, sharedIDOf(t, s, "ATLAS24xy"))

	dets, err := s.Detections(ctx, id)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	masters := 0
	for _, d := range dets {
		if d.MasterIDFlag {
			masters++
			assert.Equal(t, "SN2024aa", d.Name)
		}
	}
	assert.Equal(t, 1, masters)
}

func TestResolve_NameMatchTakesPrecedence(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s,
		buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 50, Dec: 0},
		buckettest.Master{SharedID: 2, Name: "AT2024zzz", RA: 10, Dec: 0},
	)
	schema, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
	buckettest.Stage(t, s, schema, buckettest.Detection("SN2024aa", 10, 0, 60300))

	res, err := newResolver(t, s, crossmatchConfig(3.5, 200), nil).Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NameMatched)
	assert.Equal(t, 0, res.SpatialMatched)

	dets, err := s.Detections(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, dets, 2, "the new detection joined the named object, not the closer one")
}

func TestResolve_RadiusBoundary(t *testing.T) {
	const (
		masterDec = 0.0
		underDec  = 0.00097 // 3.492"
	)
	tests := []struct {
		name    string
		dec     float64
		radius  float64
		matched bool
	}{
		{"inside radius", underDec, 3.5, true},
		{"at radius", underDec, underDec * 3600, true},
		{"radius just under separation", underDec, 3.49, false},
		{"one arcsecond beyond", underDec + 1.0/3600, 3.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := buckettest.Open(t)
			buckettest.Seed(t, s, buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 10, Dec: masterDec})
			schema, cmap := buckettest.RegisterATLAS(t, s, "fs_atlas")
			buckettest.Stage(t, s, schema, buckettest.Detection("ATLAS24xy", 10, tt.dec, 60300))

			r := newResolver(t, s, crossmatchConfig(tt.radius, 200), nil)
			res, err := r.Resolve(context.Background(), "fs_atlas", Options{Survey: "atlas"})
			require.NoError(t, err)

			if tt.matched {
				assert.Equal(t, 1, res.SpatialMatched)
				assert.Equal(t, types.SharedID(1), sharedIDOf(t, s, "ATLAS24xy"))
				return
			}
			assert.Equal(t, 0, res.SpatialMatched)
			assert.Equal(t, []string{"ATLAS24xy"}, res.Unmatched)
			pending, err := s.PendingCount(context.Background(), cmap.Table)
			require.NoError(t, err)
			assert.Equal(t, int64(1), pending, "unmatched rows stay staged without an id")
		})
	}
}

type countingSearcher struct {
	inner conesearch.Searcher
	calls int
}

func (c *countingSearcher) Search(ctx context.Context, q conesearch.Query) ([]conesearch.Match, error) {
	c.calls++
	return c.inner.Search(ctx, q)
}

// stageGrid stages n candidates 36" apart along the equator and seeds masters
// under three of them.
func stageGrid(t *testing.T, n int) (*bucket.Store, map[string]types.SharedID) {
	s := buckettest.Open(t)
	known := map[string]types.SharedID{}
	knownIdx := map[int]types.SharedID{5: 1001, 200: 1002, 449: 1003}

	var masters []buckettest.Master
	rows := make([]bucket.StagingRow, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("cand%03d", i)
		ra := 1 + float64(i)*0.01
		rows[i] = buckettest.Detection(name, ra, 0, 60300)
		if id, ok := knownIdx[i]; ok {
			masters = append(masters, buckettest.Master{SharedID: id, Name: fmt.Sprintf("known%d", id), RA: ra, Dec: 0.0002})
			known[name] = id
		}
	}
	buckettest.Seed(t, s, masters...)
	schema, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
	buckettest.Stage(t, s, schema, rows...)
	return s, known
}

func TestResolve_BatchInvariance(t *testing.T) {
	const n = 450
	ctx := context.Background()

	assignments := make([]map[string]types.SharedID, 2)
	for run, batch := range []int{200, 450} {
		s, known := stageGrid(t, n)
		cfg := crossmatchConfig(3.5, batch)
		searcher := &countingSearcher{inner: conesearch.NewSQLSearcher(s, cfg.ZoneHeightDeg)}

		res, err := newResolver(t, s, cfg, searcher).Resolve(ctx, "fs_atlas", primary)
		require.NoError(t, err)
		assert.Equal(t, 3, res.SpatialMatched)
		assert.Equal(t, n-3, res.Allocated.Count)
		assert.Equal(t, (n+batch-1)/batch, searcher.calls)

		got := make(map[string]types.SharedID, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("cand%03d", i)
			got[name] = sharedIDOf(t, s, name)
		}
		for name, id := range known {
			assert.Equal(t, id, got[name], "%s should join its known object", name)
		}
		assignments[run] = got
	}
	assert.Equal(t, assignments[0], assignments[1])
}

func TestResolve_Idempotent(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s, buckettest.Master{SharedID: 3, Name: "SN2023abc", RA: 100, Dec: -20})
	schema, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
	rows := []bucket.StagingRow{
		buckettest.Detection("ATLAS23a", 100.0001, -20, 60300),
		buckettest.Detection("ATLAS24b", 200, 10, 60300),
		buckettest.Detection("ATLAS24b", 200.0001, 10, 60301),
	}
	buckettest.Stage(t, s, schema, rows...)

	r := newResolver(t, s, crossmatchConfig(3.5, 200), nil)
	first, err := r.Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.Copied)

	idA, idB := sharedIDOf(t, s, "ATLAS23a"), sharedIDOf(t, s, "ATLAS24b")

	// the feed re-delivers the same rows
	buckettest.Stage(t, s, schema, rows...)
	second, err := r.Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Copied)
	assert.Equal(t, 0, second.Allocated.Count)

	assert.Equal(t, idA, sharedIDOf(t, s, "ATLAS23a"))
	assert.Equal(t, idB, sharedIDOf(t, s, "ATLAS24b"))
	detsB, err := s.Detections(ctx, idB)
	require.NoError(t, err)
	assert.Len(t, detsB, 2)
}

func TestResolve_PaddedNameIsStable(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	schema, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
	buckettest.Stage(t, s, schema, buckettest.Detection("ATLAS24pad ", 30, 30, 60300))

	r := newResolver(t, s, crossmatchConfig(3.5, 200), nil)
	first, err := r.Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Allocated.Count)
	assert.Equal(t, int64(1), first.Copied)

	for i := 0; i < 2; i++ {
		again, err := r.Resolve(ctx, "fs_atlas", primary)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Allocated.Count, "run %d", i)
	}
	pending, err := s.PendingCount(ctx, "fs_atlas")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	assert.Equal(t, first.Allocated.First, sharedIDOf(t, s, "ATLAS24pad "))
}

func TestResolve_ImportUnmatchedOff(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	schema, cmap := buckettest.RegisterATLAS(t, s, "fs_atlas_fp")
	buckettest.Stage(t, s, schema, buckettest.Detection("ATLAS24new", 10, 10, 60300))

	res, err := newResolver(t, s, crossmatchConfig(3.5, 200), nil).
		Resolve(ctx, "fs_atlas_fp", Options{Survey: "atlas"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ATLAS24new"}, res.Unmatched)
	assert.Equal(t, 0, res.Allocated.Count)

	rows, err := s.StagedByName(ctx, cmap, "ATLAS24new")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].SharedID)
	assert.False(t, rows[0].Ingested)
}

func TestResolve_MissingColumnMap(t *testing.T) {
	s := buckettest.Open(t)
	res, err := newResolver(t, s, crossmatchConfig(3.5, 200), nil).
		Resolve(context.Background(), "fs_unknown", primary)
	require.NoError(t, err)
	assert.Equal(t, "fs_unknown", res.Table)
	assert.Empty(t, res.Unmatched)
	assert.Empty(t, res.Touched)
}

func TestResolve_NameOnlyTableSkipsCrossmatch(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s, buckettest.Master{SharedID: 8, Name: "SN2024aa", RA: 10, Dec: 10})
	schema := types.StagingSchema{
		Table:     "fs_tns_spectra",
		Columns:   []types.ColumnDef{{Name: "TNSName", Type: "TEXT"}},
		UniqueKey: []string{"TNSName"},
	}
	cmap := types.ColumnMap{Table: "fs_tns_spectra", Columns: map[types.Role]string{types.RoleName: "TNSName"}}
	require.NoError(t, s.RegisterStagingTable(ctx, schema, cmap))
	_, err := s.UpsertStaged(ctx, schema, []bucket.StagingRow{{"TNSName": "SN2024aa"}, {"TNSName": "SN2024zz"}})
	require.NoError(t, err)

	res, err := newResolver(t, s, crossmatchConfig(3.5, 200), nil).Resolve(ctx, "fs_tns_spectra", primary)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NameMatched)
	assert.Empty(t, res.Unmatched, "tables without positions have no spatial candidates")
	assert.Equal(t, []types.SharedID{8}, res.Touched)
}

type failingSearcher struct{ err error }

func (f failingSearcher) Search(context.Context, conesearch.Query) ([]conesearch.Match, error) {
	return nil, f.err
}

func TestResolve_SearchFailureIsRetryable(t *testing.T) {
	s := buckettest.Open(t)
	ctx := context.Background()
	buckettest.Seed(t, s, buckettest.Master{SharedID: 1, Name: "SN2024aa", RA: 10, Dec: 0})
	schema, cmap := buckettest.RegisterATLAS(t, s, "fs_atlas")
	buckettest.Stage(t, s, schema,
		buckettest.Detection("SN2024aa", 10, 0, 60300),
		buckettest.Detection("ATLAS24xy", 30, 0, 60300),
	)

	r := newResolver(t, s, crossmatchConfig(3.5, 200), failingSearcher{err: errors.New("backend down")})
	_, err := r.Resolve(ctx, "fs_atlas", primary)
	require.Error(t, err)
	assert.True(t, mErrors.IsRetryable(err))
	assert.False(t, mErrors.IsFatal(err))

	// the name-matched row was committed before the failure
	dets, err := s.Detections(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
	pending, err := s.PendingCount(ctx, cmap.Table)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// a re-run with a healthy backend completes the work
	res, err := newResolver(t, s, crossmatchConfig(3.5, 200), nil).Resolve(ctx, "fs_atlas", primary)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Allocated.Count)
}

// TestProperty_MonotonicAllocation tests that new shared ids are strictly
// greater than every id in the catalog before allocation and pairwise
// distinct.
func TestProperty_MonotonicAllocation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("allocated ids exceed the prior maximum", prop.ForAll(
		func(existing int64, fresh int) bool {
			s := buckettest.Open(t)
			buckettest.Seed(t, s, buckettest.Master{SharedID: types.SharedID(existing), Name: "old", RA: 300, Dec: 60})
			schema, _ := buckettest.RegisterATLAS(t, s, "fs_atlas")
			for i := 0; i < fresh; i++ {
				buckettest.Stage(t, s, schema, buckettest.Detection(fmt.Sprintf("new%02d", i), float64(i), -30, 60300))
			}

			res, err := newResolver(t, s, crossmatchConfig(3.5, 7), nil).Resolve(context.Background(), "fs_atlas", primary)
			if err != nil || res.Allocated.Count != fresh {
				return false
			}
			seen := map[types.SharedID]bool{}
			for _, id := range res.Allocated.IDs() {
				if int64(id) <= existing || seen[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.Int64Range(1, 100000),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestBuildCandidates(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	rows := []types.StagedDetection{
		{RowID: 1, Name: "b", RADeg: f(359.9999), DecDeg: f(10)},
		{RowID: 2, Name: "b", RADeg: f(0.0001), DecDeg: f(10)},
		{RowID: 3, Name: "a", RADeg: f(20), DecDeg: f(-5)},
		{RowID: 4, Name: "c", RADeg: f(361), DecDeg: f(0)},
		{RowID: 5, Name: "d", RADeg: f(5), DecDeg: f(5), LimitingMag: true},
	}
	var skipped []int64
	got := BuildCandidates(rows, func(d types.StagedDetection, err error) {
		skipped = append(skipped, d.RowID)
		assert.ErrorIs(t, err, types.ErrMalformedCoordinates)
	})

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
	assert.InDelta(t, 0, math.Min(got[1].RADeg, 360-got[1].RADeg), 1e-6, "RA wrap averages to ~0")
	assert.Equal(t, []int64{4}, skipped)
}
