// Package merge copies resolved feeder detections into the transient
// bucket and maintains the one-master-per-object invariant.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

// maxMJD bounds plausible observation dates (MJD 100000 is in 2132).
const maxMJD = 100000

// Store is the part of the bucket store the merger needs.
type Store interface {
	ResolvedStaged(ctx context.Context, cmap types.ColumnMap) ([]types.StagedDetection, error)
	CopyToCatalog(ctx context.Context, stagingTable string, entries []types.CatalogEntry) (int64, error)
	AssignMasters(ctx context.Context, ids []types.SharedID) (int64, error)
	RescueOrphans(ctx context.Context) (int64, error)
	MasterViolations(ctx context.Context, ids []types.SharedID) ([]bucket.MasterCount, error)
}

// CopyResult summarises one copy pass.
type CopyResult struct {
	// Copied is the number of catalog rows inserted
	Copied int64

	// Skipped is the number of staged rows rejected as malformed; they stay
	// un-ingested
	Skipped int

	// Touched lists the shared ids that received rows, ascending
	Touched []types.SharedID
}

// Merger copies staged rows into the catalog.
type Merger struct {
	store      Store
	zoneHeight float64
	logger     *zap.Logger
}

// NewMerger creates a merger indexing positions with zones of the given
// height in degrees.
func NewMerger(store Store, zoneHeightDeg float64, logger *zap.Logger) *Merger {
	return &Merger{
		store:      store,
		zoneHeight: zoneHeightDeg,
		logger:     logger.Named("merge"),
	}
}

// Copy moves every staged row of the table that carries a shared id and
// is not yet ingested into the catalog, marking it ingested in the same
// transaction. Malformed rows are logged and left behind.
func (m *Merger) Copy(ctx context.Context, cmap types.ColumnMap, survey string) (*CopyResult, error) {
	staged, err := m.store.ResolvedStaged(ctx, cmap)
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
			fmt.Sprintf("failed to read resolved rows of %s", cmap.Table), err)
	}

	result := &CopyResult{}
	entries := make([]types.CatalogEntry, 0, len(staged))
	var touched []types.SharedID
	for i := range staged {
		entry, err := m.toEntry(&staged[i], cmap.Table, survey)
		if err != nil {
			result.Skipped++
			m.logger.Warn("skipping staged row",
				zap.String("table", cmap.Table),
				zap.Int64("row", staged[i].RowID),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
		touched = append(touched, entry.SharedID)
	}

	if len(entries) > 0 {
		n, err := m.store.CopyToCatalog(ctx, cmap.Table, entries)
		if err != nil {
			return nil, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable,
				fmt.Sprintf("failed to copy %d rows of %s", len(entries), cmap.Table), err)
		}
		result.Copied = n
	}
	result.Touched = types.SortSharedIDs(touched)

	m.logger.Debug("copied staged rows",
		zap.String("table", cmap.Table),
		zap.Int64("copied", result.Copied),
		zap.Int("skipped", result.Skipped),
		zap.Int("objects", len(result.Touched)))
	return result, nil
}

func (m *Merger) toEntry(d *types.StagedDetection, table, survey string) (types.CatalogEntry, error) {
	if err := d.Validate(); err != nil {
		code := mErrors.CodeMalformedRow
		if errors.Is(err, types.ErrMalformedCoordinates) {
			code = mErrors.CodeMalformedCoordinates
		}
		return types.CatalogEntry{}, mErrors.NewDataError(code, "invalid staged detection", err)
	}

	entry := types.CatalogEntry{
		SharedID:       *d.SharedID,
		Name:           d.Name,
		Survey:         survey,
		RADeg:          d.RADeg,
		DecDeg:         d.DecDeg,
		Magnitude:      d.Magnitude,
		MagnitudeError: d.MagnitudeError,
		Filter:         d.Filter,
		ObservationMJD: d.ObservationMJD,
		LimitingMag:    d.LimitingMag,
		ObjectURL:      d.ObjectURL,
		SourceTable:    table,
		SourceRowID:    d.RowID,
	}

	if d.ObservationMJD != nil {
		mjd := *d.ObservationMJD
		if math.IsNaN(mjd) || mjd <= 0 || mjd > maxMJD {
			return types.CatalogEntry{}, mErrors.NewDataError(mErrors.CodeUnparseableDate,
				fmt.Sprintf("observation mjd %v out of range", mjd), nil)
		}
		t := astro.MJDToTime(mjd)
		entry.ObservationDate = &t
	}

	if d.HasCoordinates() {
		zone := astro.ZoneID(*d.DecDeg, m.zoneHeight)
		entry.ZoneID = &zone
	}
	return entry, nil
}

// AssignMasters gives every listed object without a master row exactly one.
func (m *Merger) AssignMasters(ctx context.Context, ids []types.SharedID) (int64, error) {
	n, err := m.store.AssignMasters(ctx, ids)
	if err != nil {
		return 0, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to assign master rows", err)
	}
	if n > 0 {
		m.logger.Debug("assigned master rows", zap.Int64("count", n))
	}
	return n, nil
}

// RescueOrphans assigns a master row to every live object missing one.
func (m *Merger) RescueOrphans(ctx context.Context) (int64, error) {
	n, err := m.store.RescueOrphans(ctx)
	if err != nil {
		return 0, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to rescue orphaned objects", err)
	}
	if n > 0 {
		m.logger.Info("rescued objects without a master row", zap.Int64("count", n))
	}
	return n, nil
}

// Verify checks that each listed object has exactly one live master row.
// A nil ids checks the whole catalog. Violations are returned as a fatal
// INVARIANT error.
func (m *Merger) Verify(ctx context.Context, ids []types.SharedID) error {
	violations, err := m.store.MasterViolations(ctx, ids)
	if err != nil {
		return mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to verify master rows", err)
	}
	if len(violations) == 0 {
		return nil
	}

	code := mErrors.CodeMissingMaster
	details := make(map[string]interface{}, len(violations))
	for _, v := range violations {
		if v.Masters > 1 {
			code = mErrors.CodeDuplicateMaster
		}
		details[v.SharedID.String()] = v.Masters
	}
	return mErrors.NewInvariantError(code,
		fmt.Sprintf("%d objects do not have exactly one master row", len(violations))).WithDetails(details)
}
