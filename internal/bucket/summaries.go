package bucket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marshallengine/marshall/pkg/types"
)

// PendingSummary is a summary waiting for the aggregator, with the
// update_needed value it was read with.
type PendingSummary struct {
	SharedID types.SharedID
	State    types.UpdateState
}

// RedshiftRef is a summary with a redshift but no distance yet.
type RedshiftRef struct {
	SharedID types.SharedID
	Redshift float64
}

const summarySelect = `SELECT shared_id, name, ra_deg, dec_deg, glon_deg, glat_deg, zone_id,
	best_redshift, distance_mpc, current_mag, current_mag_mjd, peak_mag,
	earliest_mjd, latest_mjd, detection_count, update_needed
	FROM transient_bucket_summaries`

// EnsureSummaries creates a summary with update_needed = 1 for every listed
// group that has a live master row and no summary yet. It returns the
// number of summaries created.
func (s *Store) EnsureSummaries(ctx context.Context, ids []types.SharedID) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids) {
		n, err := s.exec(ctx, s.dialect.InsertIgnore+` INTO transient_bucket_summaries
			(shared_id, name, ra_deg, dec_deg, zone_id, detection_count, update_needed)
			SELECT shared_id, name, ra_deg, dec_deg, zone_id, 0, 1 FROM transient_bucket
			WHERE master_id_flag = 1 AND replaced_by = 0
				AND shared_id IN (`+placeholders(len(chunk))+`)`,
			idArgs(chunk)...)
		if err != nil {
			return total, fmt.Errorf("bucket: failed to create summaries: %w", err)
		}
		total += n
	}
	return total, nil
}

// MissingSummaries returns the live groups with a master row but no summary.
func (s *Store) MissingSummaries(ctx context.Context) ([]types.SharedID, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT DISTINCT b.shared_id FROM transient_bucket b
		LEFT JOIN transient_bucket_summaries s ON s.shared_id = b.shared_id
		WHERE s.shared_id IS NULL AND b.master_id_flag = 1 AND b.replaced_by = 0
		ORDER BY b.shared_id`)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query missing summaries: %w", err)
	}
	defer rows.Close()

	var out []types.SharedID
	for rows.Next() {
		var id types.SharedID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan shared id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkStale moves clean summaries of the listed groups to update_needed = 2.
// New (1) and already stale (2) summaries are left alone.
func (s *Store) MarkStale(ctx context.Context, ids []types.SharedID) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids) {
		n, err := s.exec(ctx,
			"UPDATE transient_bucket_summaries SET update_needed = ? WHERE update_needed = ? AND shared_id IN ("+placeholders(len(chunk))+")",
			append([]interface{}{int(types.UpdateStale), int(types.UpdateClean)}, idArgs(chunk)...)...)
		if err != nil {
			return total, fmt.Errorf("bucket: failed to mark summaries stale: %w", err)
		}
		total += n
	}
	return total, nil
}

// PendingSummaries returns up to limit summaries with update_needed 1 or 2,
// ordered by shared id.
func (s *Store) PendingSummaries(ctx context.Context, limit int) ([]PendingSummary, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT shared_id, update_needed FROM transient_bucket_summaries
		WHERE update_needed IN (?, ?)
		ORDER BY shared_id
		LIMIT ?`, int(types.UpdateNew), int(types.UpdateStale), limit)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query pending summaries: %w", err)
	}
	defer rows.Close()

	var out []PendingSummary
	for rows.Next() {
		var p PendingSummary
		if err := rows.Scan(&p.SharedID, &p.State); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan pending summary: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary returns the summary of a group.
func (s *Store) Summary(ctx context.Context, id types.SharedID) (*types.ObjectSummary, error) {
	row := s.readDB.QueryRowContext(ctx, summarySelect+" WHERE shared_id = ?", int64(id))

	var sum types.ObjectSummary
	var name sql.NullString
	var zone sql.NullInt64
	err := row.Scan(
		&sum.SharedID, &name, &sum.RADeg, &sum.DecDeg, &sum.GLonDeg, &sum.GLatDeg, &zone,
		&sum.BestRedshift, &sum.DistanceMpc, &sum.CurrentMag, &sum.CurrentMagMJD, &sum.PeakMag,
		&sum.EarliestMJD, &sum.LatestMJD, &sum.DetectionCount, &sum.UpdateNeeded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: summary of %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("bucket: failed to read summary of %d: %w", id, err)
	}
	sum.Name = name.String
	if zone.Valid {
		z := zone.Int64
		sum.ZoneID = &z
	}
	return &sum, nil
}

// SaveSummary writes the recomputed fields of a summary and clears its
// update_needed flag, but only if the flag still holds the value it was
// read with. It reports whether the row was updated. Redshift and distance
// are not touched.
func (s *Store) SaveSummary(ctx context.Context, sum *types.ObjectSummary, readState types.UpdateState) (bool, error) {
	if !readState.NeedsUpdate() || !types.CanTransition(readState, types.UpdateClean) {
		return false, fmt.Errorf("bucket: summary %d cannot move from %s to clean", sum.SharedID, readState)
	}
	n, err := s.exec(ctx, `
		UPDATE transient_bucket_summaries SET
			name = ?, ra_deg = ?, dec_deg = ?, glon_deg = ?, glat_deg = ?, zone_id = ?,
			current_mag = ?, current_mag_mjd = ?, peak_mag = ?,
			earliest_mjd = ?, latest_mjd = ?, detection_count = ?,
			update_needed = ?, updated_at = ?
		WHERE shared_id = ? AND update_needed = ?`,
		sum.Name, sum.RADeg, sum.DecDeg, sum.GLonDeg, sum.GLatDeg, sum.ZoneID,
		sum.CurrentMag, sum.CurrentMagMJD, sum.PeakMag,
		sum.EarliestMJD, sum.LatestMJD, sum.DetectionCount,
		int(types.UpdateClean), s.now().Unix(),
		int64(sum.SharedID), int(readState),
	)
	if err != nil {
		return false, fmt.Errorf("bucket: failed to save summary of %d: %w", sum.SharedID, err)
	}
	return n == 1, nil
}

// PendingDistances returns up to limit summaries whose redshift exceeds
// minRedshift and whose distance is still NULL, ordered by shared id.
func (s *Store) PendingDistances(ctx context.Context, minRedshift float64, limit int) ([]RedshiftRef, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT shared_id, best_redshift FROM transient_bucket_summaries
		WHERE best_redshift > ? AND distance_mpc IS NULL
		ORDER BY shared_id
		LIMIT ?`, minRedshift, limit)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query pending distances: %w", err)
	}
	defer rows.Close()

	var out []RedshiftRef
	for rows.Next() {
		var r RedshiftRef
		if err := rows.Scan(&r.SharedID, &r.Redshift); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan redshift: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetDistance stores a distance if the summary has none. It reports whether
// the row was updated.
func (s *Store) SetDistance(ctx context.Context, id types.SharedID, distanceMpc float64) (bool, error) {
	n, err := s.exec(ctx,
		"UPDATE transient_bucket_summaries SET distance_mpc = ? WHERE shared_id = ? AND distance_mpc IS NULL",
		distanceMpc, int64(id))
	if err != nil {
		return false, fmt.Errorf("bucket: failed to set distance of %d: %w", id, err)
	}
	return n == 1, nil
}

// SetRedshift stores a best redshift for a group and marks a clean summary
// stale. A changed redshift clears the stored distance so it is recomputed.
func (s *Store) SetRedshift(ctx context.Context, id types.SharedID, z float64) error {
	n, err := s.exec(ctx, `
		UPDATE transient_bucket_summaries SET
			distance_mpc = CASE WHEN best_redshift = ? THEN distance_mpc ELSE NULL END,
			best_redshift = ?,
			update_needed = CASE WHEN update_needed = ? THEN ? ELSE update_needed END
		WHERE shared_id = ?`,
		z, z, int(types.UpdateClean), int(types.UpdateStale), int64(id))
	if err != nil {
		return fmt.Errorf("bucket: failed to set redshift of %d: %w", id, err)
	}
	if n == 0 {
		// MySQL reports unchanged rows as unaffected
		var one int
		err := s.readDB.QueryRowContext(ctx,
			"SELECT 1 FROM transient_bucket_summaries WHERE shared_id = ?", int64(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: summary of %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("bucket: failed to read summary of %d: %w", id, err)
		}
	}
	return nil
}
