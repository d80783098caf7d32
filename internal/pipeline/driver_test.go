package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/bucket/buckettest"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/internal/conesearch"
	"github.com/marshallengine/marshall/internal/crossmatch"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/internal/feeders"
	"github.com/marshallengine/marshall/internal/merge"
	"github.com/marshallengine/marshall/internal/observability"
	"github.com/marshallengine/marshall/internal/storage"
	"github.com/marshallengine/marshall/internal/summary"
	"github.com/marshallengine/marshall/pkg/types"
)

type stubFeeder struct {
	survey string
	tables []feeders.StagingTable
	rows   map[string][]bucket.StagingRow
	z      map[string]float64
	err    error
}

func (f *stubFeeder) Survey() string { return f.survey }
func (f *stubFeeder) Tables() []feeders.StagingTable { return f.tables }

func (f *stubFeeder) Fetch(ctx context.Context, withinLastDays int) (*feeders.Payload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &feeders.Payload{Raw: [][]byte{[]byte("raw")}, Rows: f.rows, Skipped: 1, Redshifts: f.z}, nil
}

func atlasTable(table, survey string, importUnmatched bool) feeders.StagingTable {
	return feeders.StagingTable{
		Schema:          buckettest.ATLASSchema(table),
		ColumnMap:       buckettest.ATLASColumnMap(table),
		Survey:          survey,
		ImportUnmatched: importUnmatched,
	}
}

type fixture struct {
	store   *bucket.Store
	driver  *Driver
	stats   *observability.RunStats
	archive *storage.Archive
}

func newFixture(t *testing.T, fs ...*stubFeeder) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := buckettest.Open(t)

	cfg := config.DefaultConfig()
	cfg.Crossmatch.ZoneHeightDeg = buckettest.ZoneHeight
	merger := merge.NewMerger(s, buckettest.ZoneHeight, logger)
	searcher := conesearch.NewSQLSearcher(s, buckettest.ZoneHeight)
	resolver := crossmatch.NewResolver(s, merger, searcher, cfg.Crossmatch, time.Minute, logger)
	aggregator := summary.NewAggregator(s, cfg.Summaries, buckettest.ZoneHeight, time.Minute, logger)

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	archive := storage.NewArchive(local)

	byName := make(map[string]*stubFeeder, len(fs))
	for _, f := range fs {
		byName[f.survey] = f
	}
	stats := observability.NewRunStats()
	d := NewDriver(Options{
		Store: s,
		Feeders: func(survey string) (feeders.Feeder, error) {
			f, ok := byName[survey]
			if !ok {
				return nil, mErrors.NewConfigError(mErrors.CodeInvalidSetting, "unknown survey "+survey)
			}
			return f, nil
		},
		Resolver:   resolver,
		Merger:     merger,
		Aggregator: aggregator,
		Archive:    archive,
		Stats:      stats,
		Timeout:    time.Minute,
		Logger:     logger,
	})
	return &fixture{store: s, driver: d, stats: stats, archive: archive}
}

func TestImport_PrimaryAndSecondaryTables(t *testing.T) {
	f := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{
			atlasTable("fs_atlas", "ATLAS", true),
			atlasTable("fs_atlas_forced_phot", "ATLAS FP", false),
		},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {
				buckettest.Detection("ATLAS24aaa", 150.0, 2.0, 60300),
				buckettest.Detection("ATLAS24aaa", 150.0, 2.0, 60301),
				buckettest.Detection("ATLAS24aab", 210.0, -10.0, 60302),
			},
			"fs_atlas_forced_phot": {
				buckettest.Detection("ATLAS24aaa", 150.0, 2.0, 60305),
				buckettest.Detection("ATLAS24zzz", 10.0, 10.0, 60305),
			},
		},
	}
	fx := newFixture(t, f)
	ctx := context.Background()

	report, err := fx.driver.Import(ctx, "atlas", 30)
	require.NoError(t, err)
	require.Len(t, report.Tables, 2)
	assert.Equal(t, int64(5), report.Staged)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Archived, 1)
	assert.Len(t, report.Touched(), 2)

	primary, secondary := report.Tables[0], report.Tables[1]
	assert.Equal(t, 2, primary.Allocated.Count)
	assert.Equal(t, int64(3), primary.Copied)
	assert.Equal(t, int64(1), secondary.Copied, "secondary tables never allocate")
	assert.Equal(t, 0, secondary.Allocated.Count)

	ids, err := fx.store.SharedIDsByName(ctx, "ATLAS24aaa")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	sum, err := fx.store.Summary(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, sum.DetectionCount)
	assert.Equal(t, types.UpdateClean, sum.UpdateNeeded)

	ids, err = fx.store.SharedIDsByName(ctx, "ATLAS24zzz")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Equal(t, int64(2), fx.stats.Get("atlas", observability.NewIDs))
	assert.Equal(t, int64(5), fx.stats.Get("atlas", observability.StagedRows))
	assert.Equal(t, int64(0), fx.stats.Get("atlas", observability.Errors))

	runs, err := fx.archive.Runs(ctx, "atlas")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestImport_RecordsRedshifts(t *testing.T) {
	f := &stubFeeder{
		survey: "tns",
		tables: []feeders.StagingTable{atlasTable("tns_sources", "TNS", true)},
		rows: map[string][]bucket.StagingRow{
			"tns_sources": {
				buckettest.Detection("SN2024aaa", 150.0, 2.0, 60300),
				buckettest.Detection("SN2024bbb", 210.0, -10.0, 60302),
			},
		},
		z: map[string]float64{"SN2024aaa": 0.05, "SN2024zzz": 0.1},
	}
	fx := newFixture(t, f)
	ctx := context.Background()

	report, err := fx.driver.Import(ctx, "tns", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redshifts, "names without an object are skipped")
	assert.Equal(t, 1, report.Summaries.Distances)

	ids, err := fx.store.SharedIDsByName(ctx, "SN2024aaa")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	sum, err := fx.store.Summary(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, sum.BestRedshift)
	assert.Equal(t, 0.05, *sum.BestRedshift)
	require.NotNil(t, sum.DistanceMpc)
	assert.Greater(t, *sum.DistanceMpc, 200.0)
	assert.Equal(t, types.UpdateClean, sum.UpdateNeeded)

	ids, err = fx.store.SharedIDsByName(ctx, "SN2024bbb")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	sum, err = fx.store.Summary(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, sum.BestRedshift)
}

func TestImport_RerunIsIdempotent(t *testing.T) {
	f := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{atlasTable("fs_atlas", "ATLAS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {buckettest.Detection("ATLAS24aaa", 150.0, 2.0, 60300)},
		},
	}
	fx := newFixture(t, f)
	ctx := context.Background()

	_, err := fx.driver.Import(ctx, "atlas", 30)
	require.NoError(t, err)
	report, err := fx.driver.Import(ctx, "atlas", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Tables[0].Allocated.Count)
	assert.Equal(t, int64(0), report.Tables[0].Copied)
	assert.Empty(t, report.Touched())
}

func TestImport_CrossSurveyMatch(t *testing.T) {
	ps := &stubFeeder{
		survey: "panstarrs",
		tables: []feeders.StagingTable{atlasTable("fs_panstarrs", "Pan-STARRS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_panstarrs": {buckettest.Detection("PS24abc", 150.0, 2.0, 60300)},
		},
	}
	atlas := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{atlasTable("fs_atlas", "ATLAS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {buckettest.Detection("ATLAS24aaa", 150.0002, 2.0002, 60301)},
		},
	}
	fx := newFixture(t, ps, atlas)
	ctx := context.Background()

	_, err := fx.driver.ImportAll(ctx, []string{"panstarrs", "atlas"}, 30)
	require.NoError(t, err)

	psIDs, err := fx.store.SharedIDsByName(ctx, "PS24abc")
	require.NoError(t, err)
	atlasIDs, err := fx.store.SharedIDsByName(ctx, "ATLAS24aaa")
	require.NoError(t, err)
	require.Len(t, psIDs, 1)
	assert.Equal(t, psIDs, atlasIDs)
	assert.Equal(t, int64(1), fx.stats.Get("atlas", observability.SpatialMatches))

	sum, err := fx.store.Summary(ctx, psIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, sum.DetectionCount)
	assert.Equal(t, "PS24abc", sum.Name)
}

func TestImportAll_ContinuesPastTransientFailures(t *testing.T) {
	broken := &stubFeeder{
		survey: "panstarrs",
		err:    mErrors.NewTransientError(mErrors.CodeDownloadFailed, "feed unavailable", errors.New("503")),
	}
	atlas := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{atlasTable("fs_atlas", "ATLAS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {buckettest.Detection("ATLAS24aaa", 150.0, 2.0, 60300)},
		},
	}
	fx := newFixture(t, broken, atlas)

	reports, err := fx.driver.ImportAll(context.Background(), []string{"panstarrs", "unknown", "atlas"}, 30)
	require.Error(t, err)
	require.Len(t, reports, 3)
	assert.Len(t, multierr.Errors(err), 2)
	assert.False(t, mErrors.IsFatal(err))
	assert.Len(t, reports[2].Touched(), 1)
	assert.Equal(t, int64(1), fx.stats.Get("panstarrs", observability.Errors))
}

func TestImportAll_StopsOnInvariantViolation(t *testing.T) {
	atlas := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{atlasTable("fs_atlas", "ATLAS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {buckettest.Detection("SN2024dup", 150.0, 2.0, 60300)},
		},
	}
	after := &stubFeeder{
		survey: "useradded",
		tables: []feeders.StagingTable{atlasTable("fs_user_added", "user-added", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_user_added": {buckettest.Detection("AT2024new", 30.0, 30.0, 60300)},
		},
	}
	fx := newFixture(t, atlas, after)
	buckettest.Seed(t, fx.store,
		buckettest.Master{SharedID: 500, Name: "SN2024dup", RA: 150, Dec: 2, MJD: 60290, Mag: 18},
		buckettest.Master{SharedID: 500, Name: "SN2024dup", RA: 150, Dec: 2, MJD: 60291, Mag: 18},
	)

	reports, err := fx.driver.ImportAll(context.Background(), []string{"atlas", "useradded"}, 30)
	require.Error(t, err)
	assert.True(t, mErrors.IsFatal(err))
	assert.Equal(t, mErrors.CodeDuplicateMaster, mErrors.GetCode(err))
	assert.Len(t, reports, 1, "surveys after the violation do not run")
}

func TestImportAll_InvariantAfterTransientIsFatal(t *testing.T) {
	broken := &stubFeeder{
		survey: "panstarrs",
		err:    mErrors.NewTransientError(mErrors.CodeDownloadFailed, "feed unavailable", errors.New("503")),
	}
	atlas := &stubFeeder{
		survey: "atlas",
		tables: []feeders.StagingTable{atlasTable("fs_atlas", "ATLAS", true)},
		rows: map[string][]bucket.StagingRow{
			"fs_atlas": {buckettest.Detection("SN2024dup", 150.0, 2.0, 60300)},
		},
	}
	fx := newFixture(t, broken, atlas)
	buckettest.Seed(t, fx.store,
		buckettest.Master{SharedID: 600, Name: "SN2024dup", RA: 150, Dec: 2, MJD: 60290, Mag: 18},
		buckettest.Master{SharedID: 600, Name: "SN2024dup", RA: 150, Dec: 2, MJD: 60291, Mag: 18},
	)

	_, err := fx.driver.ImportAll(context.Background(), []string{"panstarrs", "atlas"}, 30)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, mErrors.IsFatal(err))
}

func TestClean(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	buckettest.Seed(t, fx.store,
		buckettest.Master{SharedID: 10, Name: "SN2024a", RA: 10, Dec: 10, MJD: 60300, Mag: 18},
		buckettest.Master{SharedID: 11, Name: "SN2024b", RA: 20, Dec: 20, MJD: 60300, Mag: 18, NotMaster: true},
		buckettest.Master{SharedID: 11, Name: "SN2024b", RA: 20, Dec: 20, MJD: 60301, Mag: 17, NotMaster: true},
	)

	report, err := fx.driver.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Rescued)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.Summaries.Updated)

	sum, err := fx.store.Summary(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.DetectionCount)
	assert.Equal(t, types.UpdateClean, sum.UpdateNeeded)

	report, err = fx.driver.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Rescued)
	assert.Equal(t, 0, report.Created)
}

func TestClean_DuplicateMasterIsFatal(t *testing.T) {
	fx := newFixture(t)
	buckettest.Seed(t, fx.store,
		buckettest.Master{SharedID: 20, Name: "SN2024c", RA: 10, Dec: 10, MJD: 60300, Mag: 18},
		buckettest.Master{SharedID: 20, Name: "SN2024c", RA: 10, Dec: 10, MJD: 60301, Mag: 18},
	)

	_, err := fx.driver.Clean(context.Background())
	require.Error(t, err)
	assert.True(t, mErrors.IsFatal(err))
}

func TestRefresh_RejectsInvalidID(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.driver.Refresh(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, mErrors.ErrCategoryData, mErrors.GetCategory(err))
}
