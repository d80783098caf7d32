// Package pipeline drives an ingestion run: feeder download, staging,
// identity resolution with catalog merge, then summary updates.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/crossmatch"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/internal/feeders"
	"github.com/marshallengine/marshall/internal/merge"
	"github.com/marshallengine/marshall/internal/observability"
	"github.com/marshallengine/marshall/internal/storage"
	"github.com/marshallengine/marshall/internal/summary"
	"github.com/marshallengine/marshall/pkg/types"
)

// Store is the part of the bucket store the driver uses directly.
type Store interface {
	RegisterStagingTable(ctx context.Context, schema types.StagingSchema, cmap types.ColumnMap) error
	UpsertStaged(ctx context.Context, schema types.StagingSchema, rows []bucket.StagingRow) (int64, error)
	MissingSummaries(ctx context.Context) ([]types.SharedID, error)
	SharedIDsByName(ctx context.Context, name string) ([]types.SharedID, error)
}

// FeederFactory returns the feeder of a survey.
type FeederFactory func(survey string) (feeders.Feeder, error)

// Driver runs imports and maintenance passes.
type Driver struct {
	store      Store
	feeders    FeederFactory
	resolver   *crossmatch.Resolver
	merger     *merge.Merger
	aggregator *summary.Aggregator
	archive    *storage.Archive
	stats      *observability.RunStats
	timeout    time.Duration
	newRunID   func() string
	logger     *zap.Logger
}

// Options configures a Driver. Archive may be nil to skip archiving.
type Options struct {
	Store      Store
	Feeders    FeederFactory
	Resolver   *crossmatch.Resolver
	Merger     *merge.Merger
	Aggregator *summary.Aggregator
	Archive    *storage.Archive
	Stats      *observability.RunStats
	Timeout    time.Duration
	Logger     *zap.Logger
}

// NewDriver creates a driver.
func NewDriver(opts Options) *Driver {
	stats := opts.Stats
	if stats == nil {
		stats = observability.NewRunStats()
	}
	return &Driver{
		store:      opts.Store,
		feeders:    opts.Feeders,
		resolver:   opts.Resolver,
		merger:     opts.Merger,
		aggregator: opts.Aggregator,
		archive:    opts.Archive,
		stats:      stats,
		timeout:    opts.Timeout,
		newRunID:   func() string { return uuid.NewString() },
		logger:     opts.Logger.Named("pipeline"),
	}
}

// Stats returns the run counters.
func (d *Driver) Stats() *observability.RunStats {
	return d.stats
}

func (d *Driver) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// ImportReport describes one survey import.
type ImportReport struct {
	Survey    string
	RunID     string
	Staged    int64
	Skipped   int
	Archived  []string
	Tables    []*crossmatch.Result
	Redshifts int
	Summaries *summary.UpdateResult
}

// Touched returns every shared id that received rows during the import.
func (r *ImportReport) Touched() []types.SharedID {
	var ids []types.SharedID
	for _, t := range r.Tables {
		ids = append(ids, t.Touched...)
	}
	return types.SortSharedIDs(ids)
}

// Import downloads a survey's recent detections, stages them, resolves
// every staging table of the survey and updates the touched summaries.
func (d *Driver) Import(ctx context.Context, survey string, withinLastDays int) (report *ImportReport, err error) {
	start := time.Now()
	report = &ImportReport{Survey: survey, RunID: d.newRunID()}
	logger := d.logger.With(zap.String("survey", survey), zap.String("run", report.RunID))
	defer func() {
		d.stats.ObserveDuration(survey, time.Since(start))
		if err != nil {
			d.stats.Add(survey, observability.Errors, 1)
		}
	}()

	feeder, err := d.feeders(survey)
	if err != nil {
		return report, err
	}
	tables := feeder.Tables()
	if err := d.registerTables(ctx, tables); err != nil {
		return report, err
	}

	logger.Info("downloading feeder data", zap.Int("within_last_days", withinLastDays))
	payload, err := feeder.Fetch(ctx, withinLastDays)
	if err != nil {
		return report, err
	}
	report.Skipped = payload.Skipped
	d.stats.Add(survey, observability.SkippedRows, int64(payload.Skipped))
	d.archivePayload(ctx, survey, report, payload, logger)

	for _, t := range tables {
		n, err := d.stage(ctx, t, payload.Rows[t.Schema.Table])
		if err != nil {
			return report, err
		}
		report.Staged += n
	}
	d.stats.Add(survey, observability.StagedRows, report.Staged)
	logger.Info("staged feeder rows", zap.Int64("rows", report.Staged), zap.Int("skipped", payload.Skipped))

	for _, t := range tables {
		res, err := d.resolver.Resolve(ctx, t.Schema.Table, crossmatch.Options{
			Survey:          t.Survey,
			ImportUnmatched: t.ImportUnmatched,
		})
		if res != nil {
			report.Tables = append(report.Tables, res)
			d.recordResolve(survey, res)
		}
		if err != nil {
			return report, err
		}
	}

	if err := d.aggregator.MarkTouched(ctx, report.Touched()); err != nil {
		return report, err
	}
	n, err := d.recordRedshifts(ctx, payload.Redshifts, logger)
	report.Redshifts = n
	if err != nil {
		return report, err
	}
	sums, err := d.aggregator.Update(ctx, summary.Scope{})
	report.Summaries = sums
	if sums != nil {
		d.stats.Add(survey, observability.SummariesUpdated, int64(sums.Updated))
		d.stats.Add(survey, observability.Distances, int64(sums.Distances))
	}
	if err != nil {
		return report, err
	}

	logger.Info("import complete",
		zap.Int("objects", len(report.Touched())), zap.Duration("took", time.Since(start)))
	return report, nil
}

func (d *Driver) registerTables(ctx context.Context, tables []feeders.StagingTable) error {
	ctx, cancel := d.phaseContext(ctx)
	defer cancel()
	for _, t := range tables {
		if err := d.store.RegisterStagingTable(ctx, t.Schema, t.ColumnMap); err != nil {
			return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
				"failed to register staging table "+t.Schema.Table, err)
		}
	}
	return nil
}

func (d *Driver) stage(ctx context.Context, t feeders.StagingTable, rows []bucket.StagingRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := d.phaseContext(ctx)
	defer cancel()
	n, err := d.store.UpsertStaged(ctx, t.Schema, rows)
	if err != nil {
		return 0, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
			"failed to stage rows into "+t.Schema.Table, err)
	}
	return n, nil
}

// archivePayload keeps the raw downloads. A failed archive write is logged
// and does not stop the import.
func (d *Driver) archivePayload(ctx context.Context, survey string, report *ImportReport, p *feeders.Payload, logger *zap.Logger) {
	if d.archive == nil {
		return
	}
	for i, raw := range p.Raw {
		key, err := d.archive.Store(ctx, survey, fmt.Sprintf("%s-%d", report.RunID, i), raw)
		if err != nil {
			logger.Warn("failed to archive feeder payload", zap.Error(err))
			continue
		}
		report.Archived = append(report.Archived, key)
	}
}

// recordRedshifts attaches feeder redshifts to the objects carrying the
// named detections. Names that resolved to no object are skipped.
func (d *Driver) recordRedshifts(ctx context.Context, redshifts map[string]float64, logger *zap.Logger) (int, error) {
	names := make([]string, 0, len(redshifts))
	for name := range redshifts {
		names = append(names, name)
	}
	sort.Strings(names)

	recorded := 0
	for _, name := range names {
		pctx, cancel := d.phaseContext(ctx)
		ids, err := d.store.SharedIDsByName(pctx, name)
		cancel()
		if err != nil {
			return recorded, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
				"failed to look up "+name, err)
		}
		for _, id := range ids {
			err := d.aggregator.RecordRedshift(ctx, id, redshifts[name])
			if mErrors.GetCategory(err) == mErrors.ErrCategoryData {
				logger.Warn("skipping redshift", zap.String("name", name), zap.Error(err))
				continue
			}
			if err != nil {
				return recorded, err
			}
			recorded++
		}
	}
	return recorded, nil
}

func (d *Driver) recordResolve(survey string, res *crossmatch.Result) {
	d.stats.Add(survey, observability.NameMatches, res.NameMatched)
	d.stats.Add(survey, observability.SpatialMatches, int64(res.SpatialMatched))
	d.stats.Add(survey, observability.NewIDs, int64(res.Allocated.Count))
	d.stats.Add(survey, observability.CopiedRows, res.Copied)
	d.stats.Add(survey, observability.SkippedRows, int64(res.Skipped))
}

// ImportAll imports each survey in turn. Transient, data and configuration
// failures are logged and the remaining surveys still run; an invariant
// violation stops the run immediately. The returned error combines every
// failure.
func (d *Driver) ImportAll(ctx context.Context, surveys []string, withinLastDays int) ([]*ImportReport, error) {
	var reports []*ImportReport
	var errs error
	for _, survey := range surveys {
		report, err := d.Import(ctx, survey, withinLastDays)
		reports = append(reports, report)
		if err == nil {
			continue
		}
		if mErrors.IsFatal(err) {
			d.logger.Error("invariant violated, aborting run", zap.String("survey", survey), zap.Error(err))
			return reports, multierr.Append(errs, err)
		}
		if ctx.Err() != nil {
			return reports, multierr.Append(errs, err)
		}
		d.logger.Error("import failed, continuing with remaining surveys",
			zap.String("survey", survey),
			zap.String("category", string(mErrors.GetCategory(err))),
			zap.Bool("retryable", mErrors.IsRetryable(err)),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return reports, errs
}

// CleanReport describes a maintenance pass.
type CleanReport struct {
	Rescued   int64
	Created   int
	Summaries *summary.UpdateResult
}

// Clean repairs the catalog: objects without a master row get one, objects
// without a summary get one, master uniqueness is verified over the whole
// catalog and pending summaries are updated.
func (d *Driver) Clean(ctx context.Context) (*CleanReport, error) {
	report := &CleanReport{}

	pctx, cancel := d.phaseContext(ctx)
	rescued, err := d.merger.RescueOrphans(pctx)
	cancel()
	if err != nil {
		return report, err
	}
	report.Rescued = rescued

	pctx, cancel = d.phaseContext(ctx)
	missing, err := d.store.MissingSummaries(pctx)
	cancel()
	if err != nil {
		return report, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to find missing summaries", err)
	}
	if err := d.aggregator.MarkTouched(ctx, missing); err != nil {
		return report, err
	}
	report.Created = len(missing)

	pctx, cancel = d.phaseContext(ctx)
	err = d.merger.Verify(pctx, nil)
	cancel()
	if err != nil {
		return report, err
	}

	sums, err := d.aggregator.Update(ctx, summary.Scope{})
	report.Summaries = sums
	if err != nil {
		return report, err
	}

	d.logger.Info("clean complete",
		zap.Int64("rescued", report.Rescued), zap.Int("summaries_created", report.Created))
	return report, nil
}

// Refresh recomputes the summary of one object.
func (d *Driver) Refresh(ctx context.Context, id types.SharedID) (*summary.UpdateResult, error) {
	if !id.Valid() {
		return nil, mErrors.NewDataError(mErrors.CodeMalformedRow, fmt.Sprintf("invalid shared id %d", id), nil)
	}
	return d.aggregator.Refresh(ctx, id)
}
