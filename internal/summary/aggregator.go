// Package summary maintains the derived per-object rows of
// transient_bucket_summaries. Summaries are created when an object first
// gets a master row, marked stale when new detections arrive, and
// recomputed in capped batches by Update.
package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

// Store is the part of the bucket store the aggregator needs.
type Store interface {
	EnsureSummaries(ctx context.Context, ids []types.SharedID) (int64, error)
	MarkStale(ctx context.Context, ids []types.SharedID) (int64, error)
	PendingSummaries(ctx context.Context, limit int) ([]bucket.PendingSummary, error)
	Summary(ctx context.Context, id types.SharedID) (*types.ObjectSummary, error)
	SaveSummary(ctx context.Context, sum *types.ObjectSummary, readState types.UpdateState) (bool, error)
	Master(ctx context.Context, id types.SharedID) (*types.CatalogEntry, error)
	Detections(ctx context.Context, id types.SharedID) ([]types.CatalogEntry, error)
	PendingDistances(ctx context.Context, minRedshift float64, limit int) ([]bucket.RedshiftRef, error)
	SetDistance(ctx context.Context, id types.SharedID, distanceMpc float64) (bool, error)
	SetRedshift(ctx context.Context, id types.SharedID, z float64) error
}

// Scope restricts an update to the listed objects. The zero Scope works
// through the pending queue.
type Scope struct {
	SharedIDs []types.SharedID
}

// UpdateResult reports what an update pass did.
type UpdateResult struct {
	// Updated is the number of summaries recomputed and marked clean
	Updated int

	// Skipped counts selected summaries left pending: no master row, or the
	// flag changed while the summary was being recomputed
	Skipped int

	// Distances is the number of distances filled in
	Distances int
}

// Aggregator recomputes object summaries.
type Aggregator struct {
	store       Store
	cosmology   astro.Cosmology
	batchCap    int
	minRedshift float64
	zoneHeight  float64
	timeout     time.Duration
	logger      *zap.Logger
}

// NewAggregator creates an aggregator. timeout bounds each database phase.
func NewAggregator(store Store, cfg config.SummariesConfig, zoneHeightDeg float64, timeout time.Duration, logger *zap.Logger) *Aggregator {
	batchCap := cfg.BatchCap
	if batchCap < 1 {
		batchCap = 1000
	}
	return &Aggregator{
		store: store,
		cosmology: astro.Cosmology{
			H0:          cfg.H0,
			OmegaM:      cfg.OmegaM,
			OmegaLambda: cfg.OmegaLambda,
		},
		batchCap:    batchCap,
		minRedshift: cfg.MinRedshift,
		zoneHeight:  zoneHeightDeg,
		timeout:     timeout,
		logger:      logger.Named("summary"),
	}
}

func (a *Aggregator) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func storeError(msg string, err error) error {
	return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, msg, err)
}

// MarkTouched records that the listed objects received detections: missing
// summaries are created as new and clean ones become stale.
func (a *Aggregator) MarkTouched(ctx context.Context, ids []types.SharedID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := a.phaseContext(ctx)
	defer cancel()

	// stale first, so summaries created below stay new
	stale, err := a.store.MarkStale(ctx, ids)
	if err != nil {
		return storeError("failed to mark summaries stale", err)
	}
	created, err := a.store.EnsureSummaries(ctx, ids)
	if err != nil {
		return storeError("failed to create summaries", err)
	}
	a.logger.Debug("marked objects for update",
		zap.Int("objects", len(ids)), zap.Int64("created", created), zap.Int64("stale", stale))
	return nil
}

// Update recomputes at most the configured batch cap of pending summaries,
// then fills in missing distances. Summaries beyond the cap keep their flag
// for the next run.
func (a *Aggregator) Update(ctx context.Context, scope Scope) (*UpdateResult, error) {
	pending, err := a.selectPending(ctx, scope)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{}
	for _, p := range pending {
		ok, err := a.recompute(ctx, p)
		if err != nil {
			return result, err
		}
		if ok {
			result.Updated++
		} else {
			result.Skipped++
		}
	}

	n, err := a.updateDistances(ctx)
	result.Distances = n
	if err != nil {
		return result, err
	}

	a.logger.Info("updated object summaries",
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("distances", result.Distances))
	return result, nil
}

func (a *Aggregator) selectPending(ctx context.Context, scope Scope) ([]bucket.PendingSummary, error) {
	ctx, cancel := a.phaseContext(ctx)
	defer cancel()

	if len(scope.SharedIDs) == 0 {
		pending, err := a.store.PendingSummaries(ctx, a.batchCap)
		if err != nil {
			return nil, storeError("failed to select pending summaries", err)
		}
		return pending, nil
	}

	var pending []bucket.PendingSummary
	for _, id := range types.SortSharedIDs(append([]types.SharedID(nil), scope.SharedIDs...)) {
		if len(pending) == a.batchCap {
			break
		}
		sum, err := a.store.Summary(ctx, id)
		if errors.Is(err, bucket.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeError(fmt.Sprintf("failed to read summary of %d", id), err)
		}
		if sum.UpdateNeeded.NeedsUpdate() {
			pending = append(pending, bucket.PendingSummary{SharedID: id, State: sum.UpdateNeeded})
		}
	}
	return pending, nil
}

// recompute rebuilds one summary from its catalog rows and saves it with a
// guarded update. It reports whether the summary was saved.
func (a *Aggregator) recompute(ctx context.Context, p bucket.PendingSummary) (bool, error) {
	ctx, cancel := a.phaseContext(ctx)
	defer cancel()
	logger := a.logger.With(zap.Stringer("shared_id", p.SharedID))

	master, err := a.store.Master(ctx, p.SharedID)
	if errors.Is(err, bucket.ErrNotFound) {
		logger.Warn("object has no master row, leaving summary pending")
		return false, nil
	}
	if err != nil {
		return false, storeError("failed to read master row", err)
	}
	dets, err := a.store.Detections(ctx, p.SharedID)
	if err != nil {
		return false, storeError("failed to read detections", err)
	}

	sum := Compute(master, dets, a.zoneHeight)
	saved, err := a.store.SaveSummary(ctx, sum, p.State)
	if err != nil {
		return false, storeError("failed to save summary", err)
	}
	if !saved {
		logger.Debug("summary changed while recomputing, leaving it pending")
	}
	return saved, nil
}

func (a *Aggregator) updateDistances(ctx context.Context) (int, error) {
	ctx, cancel := a.phaseContext(ctx)
	defer cancel()

	refs, err := a.store.PendingDistances(ctx, a.minRedshift, a.batchCap)
	if err != nil {
		return 0, storeError("failed to select pending distances", err)
	}
	n := 0
	for _, r := range refs {
		d := a.cosmology.LuminosityDistance(r.Redshift)
		ok, err := a.store.SetDistance(ctx, r.SharedID, d)
		if err != nil {
			return n, storeError("failed to store distance", err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// RecordRedshift stores a best redshift for an object and marks its summary
// stale.
func (a *Aggregator) RecordRedshift(ctx context.Context, id types.SharedID, z float64) error {
	if z < 0 {
		return mErrors.NewDataError(mErrors.CodeMalformedRow, fmt.Sprintf("negative redshift %v for %d", z, id), nil)
	}
	ctx, cancel := a.phaseContext(ctx)
	defer cancel()

	if err := a.store.SetRedshift(ctx, id, z); err != nil {
		if errors.Is(err, bucket.ErrNotFound) {
			return mErrors.NewDataError(mErrors.CodeMalformedRow, fmt.Sprintf("no summary for %d", id), err)
		}
		return storeError("failed to record redshift", err)
	}
	return nil
}

// Refresh forces a recomputation of one object.
func (a *Aggregator) Refresh(ctx context.Context, id types.SharedID) (*UpdateResult, error) {
	if err := a.MarkTouched(ctx, []types.SharedID{id}); err != nil {
		return nil, err
	}
	return a.Update(ctx, Scope{SharedIDs: []types.SharedID{id}})
}
