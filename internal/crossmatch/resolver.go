// Package crossmatch resolves the identity of freshly staged feeder
// detections against the transient bucket. Each staging table is resolved
// in three phases: exact name match, spatial crossmatch against master rows,
// then allocation of new shared ids for whatever is left.
package crossmatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/soniakeys/unit"
	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/internal/conesearch"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/internal/merge"
	"github.com/marshallengine/marshall/pkg/types"
)

// Store is the part of the bucket store the resolver needs.
type Store interface {
	ColumnMap(ctx context.Context, table string) (types.ColumnMap, bool, error)
	MatchNames(ctx context.Context, cmap types.ColumnMap) (int64, error)
	UnresolvedPositions(ctx context.Context, cmap types.ColumnMap) ([]types.StagedDetection, error)
	AssignSharedIDs(ctx context.Context, cmap types.ColumnMap, assignments []bucket.Assignment) (int64, error)
	AllocateSharedIDs(ctx context.Context, cmap types.ColumnMap, names []string) (types.IDBlock, error)
}

// Copier moves resolved staged rows into the catalog between phases and
// maintains master rows.
type Copier interface {
	Copy(ctx context.Context, cmap types.ColumnMap, survey string) (*merge.CopyResult, error)
	AssignMasters(ctx context.Context, ids []types.SharedID) (int64, error)
	Verify(ctx context.Context, ids []types.SharedID) error
}

// Options control a single resolution.
type Options struct {
	// Survey is recorded on copied catalog rows
	Survey string

	// ImportUnmatched allocates new shared ids for detections that matched
	// nothing. Secondary tables (forced photometry, spectra) leave it off so
	// they only ever attach to known objects.
	ImportUnmatched bool
}

// Candidate is one distinct staged name with its averaged position.
type Candidate struct {
	Name   string
	RADeg  float64
	DecDeg float64
}

// Result reports what a resolution did.
type Result struct {
	Table string

	// NameMatched is the number of staged rows matched by name
	NameMatched int64

	// SpatialMatched is the number of candidate names matched spatially
	SpatialMatched int

	// Unmatched lists candidate names with no match, in candidate order
	Unmatched []string

	// Allocated is the block of new shared ids (empty when none)
	Allocated types.IDBlock

	// Copied is the number of catalog rows inserted
	Copied int64

	// Skipped is the number of staged rows rejected as malformed
	Skipped int

	// Touched lists every shared id that received rows, ascending
	Touched []types.SharedID
}

func (r *Result) absorb(c *merge.CopyResult) {
	r.Copied += c.Copied
	r.Skipped += c.Skipped
	r.Touched = types.SortSharedIDs(append(r.Touched, c.Touched...))
}

// Resolver runs the three resolution phases for staging tables.
type Resolver struct {
	store    Store
	copier   Copier
	searcher conesearch.Searcher

	radius    unit.Angle
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewResolver creates a resolver. timeout bounds each database phase and
// each cone search batch.
func NewResolver(store Store, copier Copier, searcher conesearch.Searcher, cfg config.CrossmatchConfig, timeout time.Duration, logger *zap.Logger) *Resolver {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 200
	}
	return &Resolver{
		store:     store,
		copier:    copier,
		searcher:  searcher,
		radius:    unit.AngleFromSec(cfg.RadiusArcsec),
		batchSize: batch,
		timeout:   timeout,
		logger:    logger.Named("crossmatch"),
	}
}

func (r *Resolver) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Resolve assigns shared ids to the pending detections of a staging table
// and copies them into the catalog. A table without a column map is
// skipped with a warning.
func (r *Resolver) Resolve(ctx context.Context, table string, opts Options) (*Result, error) {
	logger := r.logger.With(zap.String("table", table), zap.String("survey", opts.Survey))
	result := &Result{Table: table}

	cmap, ok, err := r.store.ColumnMap(ctx, table)
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
			fmt.Sprintf("failed to load column map of %s", table), err)
	}
	if !ok {
		logger.Warn("no column map for staging table, skipping",
			zap.Error(mErrors.NewConfigError(mErrors.CodeMissingColumnMap, "missing column map for "+table)))
		return result, nil
	}

	if err := r.matchNames(ctx, cmap, opts, result, logger); err != nil {
		return result, err
	}

	if err := r.crossmatch(ctx, cmap, opts, result, logger); err != nil {
		return result, err
	}

	if err := r.allocate(ctx, cmap, opts, result, logger); err != nil {
		return result, err
	}

	if len(result.Touched) > 0 {
		if _, err := r.copier.AssignMasters(ctx, result.Touched); err != nil {
			return result, err
		}
		if err := r.copier.Verify(ctx, result.Touched); err != nil {
			return result, err
		}
	}

	logger.Info("resolved staging table",
		zap.Int64("name_matched", result.NameMatched),
		zap.Int("spatially_matched", result.SpatialMatched),
		zap.Int("new_objects", result.Allocated.Count),
		zap.Int64("copied", result.Copied),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// matchNames is phase 1.
func (r *Resolver) matchNames(ctx context.Context, cmap types.ColumnMap, opts Options, result *Result, logger *zap.Logger) error {
	pctx, cancel := r.phaseContext(ctx)
	defer cancel()

	n, err := r.store.MatchNames(pctx, cmap)
	if err != nil {
		return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "name match failed", err)
	}
	result.NameMatched = n
	logger.Info(fmt.Sprintf("matched %d sources by name", n))

	return r.copy(ctx, cmap, opts, result)
}

// crossmatch is phase 2.
func (r *Resolver) crossmatch(ctx context.Context, cmap types.ColumnMap, opts Options, result *Result, logger *zap.Logger) error {
	if !cmap.HasCoordinates() {
		logger.Warn("staging table has no coordinate columns, skipping spatial crossmatch",
			zap.Error(mErrors.NewConfigError(mErrors.CodeMissingSetting, "no raDeg/decDeg mapping for "+cmap.Table)))
		return nil
	}

	pctx, cancel := r.phaseContext(ctx)
	rows, err := r.store.UnresolvedPositions(pctx, cmap)
	cancel()
	if err != nil {
		return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to read crossmatch candidates", err)
	}

	candidates := BuildCandidates(rows, func(d types.StagedDetection, err error) {
		logger.Warn("skipping detection with invalid position",
			zap.Int64("row", d.RowID), zap.String("name", d.Name),
			zap.Error(mErrors.NewDataError(mErrors.CodeMalformedCoordinates, "invalid staged position", err)))
	})

	matched, unmatched, err := r.searchBatches(ctx, candidates, logger)
	if err != nil {
		return err
	}
	result.Unmatched = unmatched

	if len(matched) > 0 {
		pctx, cancel := r.phaseContext(ctx)
		_, err := r.store.AssignSharedIDs(pctx, cmap, matched)
		cancel()
		if err != nil {
			return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to write back crossmatch results", err)
		}
	}
	result.SpatialMatched = len(matched)
	logger.Info(fmt.Sprintf("matched %d of %d sources by position", len(matched), len(candidates)))

	return r.copy(ctx, cmap, opts, result)
}

// searchBatches cone-searches candidates in sequential batches. It returns
// the matched assignments and the unmatched names, both in candidate order.
func (r *Resolver) searchBatches(ctx context.Context, candidates []Candidate, logger *zap.Logger) ([]bucket.Assignment, []string, error) {
	var matched []bucket.Assignment
	var unmatched []string

	for start := 0; start < len(candidates); start += r.batchSize {
		end := start + r.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		points := make([]conesearch.Point, len(batch))
		for i, c := range batch {
			points[i] = conesearch.Point{RADeg: c.RADeg, DecDeg: c.DecDeg}
		}

		sctx, cancel := r.phaseContext(ctx)
		matches, err := r.searcher.Search(sctx, conesearch.Query{
			Points:   points,
			Radius:   r.radius,
			Where:    []bucket.Predicate{bucket.Eq("master_id_flag", true)},
			Closest:  true,
			Distinct: true,
		})
		cancel()
		if err != nil {
			if mErrors.GetCategory(err) == "" {
				err = mErrors.NewTransientError(mErrors.CodeSearchFailed, "cone search failed", err)
			}
			return nil, nil, err
		}

		byIndex := make(map[int]types.SharedID, len(matches))
		for _, m := range matches {
			if _, seen := byIndex[m.Index]; !seen {
				byIndex[m.Index] = m.Row.SharedID
			}
		}
		for i, c := range batch {
			if id, ok := byIndex[i]; ok {
				matched = append(matched, bucket.Assignment{Name: c.Name, SharedID: id})
			} else {
				unmatched = append(unmatched, c.Name)
			}
		}

		logger.Debug("crossmatched batch",
			zap.Int("from", start), zap.Int("size", len(batch)), zap.Int("matched", len(byIndex)))
	}
	return matched, unmatched, nil
}

// allocate is phase 3.
func (r *Resolver) allocate(ctx context.Context, cmap types.ColumnMap, opts Options, result *Result, logger *zap.Logger) error {
	if len(result.Unmatched) == 0 {
		return nil
	}
	if !opts.ImportUnmatched {
		logger.Info(fmt.Sprintf("leaving %d unmatched sources for a later run", len(result.Unmatched)))
		return nil
	}

	pctx, cancel := r.phaseContext(ctx)
	block, err := r.store.AllocateSharedIDs(pctx, cmap, result.Unmatched)
	cancel()
	if err != nil {
		return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to allocate new shared ids", err)
	}
	result.Allocated = block
	logger.Info(fmt.Sprintf("allocated %d new shared ids", block.Count),
		zap.Stringer("first", block.First), zap.Stringer("last", block.Last()))

	return r.copy(ctx, cmap, opts, result)
}

func (r *Resolver) copy(ctx context.Context, cmap types.ColumnMap, opts Options, result *Result) error {
	pctx, cancel := r.phaseContext(ctx)
	defer cancel()

	c, err := r.copier.Copy(pctx, cmap, opts.Survey)
	if err != nil {
		return err
	}
	result.absorb(c)
	return nil
}

// BuildCandidates collapses staged detections into one candidate per name,
// averaging positions on the sphere, ordered by name. Detections with
// invalid coordinates are reported to skip and left out.
func BuildCandidates(rows []types.StagedDetection, skip func(types.StagedDetection, error)) []Candidate {
	type acc struct{ ras, decs []float64 }
	byName := make(map[string]*acc)
	var names []string

	for _, d := range rows {
		if !d.HasCoordinates() || d.LimitingMag {
			continue
		}
		if err := d.Validate(); err != nil {
			if skip != nil {
				skip(d, err)
			}
			continue
		}
		a, ok := byName[d.Name]
		if !ok {
			a = &acc{}
			byName[d.Name] = a
			names = append(names, d.Name)
		}
		a.ras = append(a.ras, *d.RADeg)
		a.decs = append(a.decs, *d.DecDeg)
	}

	sort.Strings(names)
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		a := byName[n]
		ra, dec, _ := astro.MeanPosition(a.ras, a.decs)
		out = append(out, Candidate{Name: n, RADeg: ra, DecDeg: dec})
	}
	return out
}
