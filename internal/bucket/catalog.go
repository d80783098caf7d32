package bucket

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marshallengine/marshall/pkg/types"
)

// inChunk bounds the number of ids bound into a single IN list.
const inChunk = 500

// MasterCount reports the number of live master rows of a shared id group.
type MasterCount struct {
	SharedID types.SharedID
	Masters  int
}

// Region is the prefilter of a cone search: a zone range, a declination
// band and up to two RA intervals (two when the window wraps through 0).
// A nil RAIntervals means every RA.
type Region struct {
	ZoneLo, ZoneHi int64
	DecLo, DecHi   float64
	RAIntervals    [][2]float64
}

// PositionedRow is a live catalog row with a position, as returned by a
// region query.
type PositionedRow struct {
	PrimaryKeyID int64
	SharedID     types.SharedID
	Name         string
	RADeg        float64
	DecDeg       float64
}

const entryColumns = `primary_key_id, shared_id, name, survey, ra_deg, dec_deg,
	magnitude, magnitude_error, filter_name, observation_mjd, observation_date,
	limiting_mag, object_url, master_id_flag, zone_id, source_table, source_row_id,
	replaced_by, created_at`

// CopyToCatalog inserts entries into the transient bucket and marks their
// staging rows ingested in the same transaction. Entries whose staging row
// was already copied are ignored. It returns the number of catalog rows
// inserted.
func (s *Store) CopyToCatalog(ctx context.Context, stagingTable string, entries []types.CatalogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	table, err := quote(stagingTable)
	if err != nil {
		return 0, fmt.Errorf("bucket: %w", err)
	}

	insert := s.dialect.InsertIgnore + ` INTO transient_bucket (
		shared_id, name, survey, ra_deg, dec_deg,
		magnitude, magnitude_error, filter_name, observation_mjd, observation_date,
		limiting_mag, object_url, master_id_flag, zone_id, source_table, source_row_id,
		replaced_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	mark := "UPDATE " + table + " SET `ingested` = 1 WHERE `primary_id` = ?"

	var inserted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		insStmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("bucket: failed to prepare catalog insert: %w", err)
		}
		defer insStmt.Close()

		markStmt, err := tx.PrepareContext(ctx, mark)
		if err != nil {
			return fmt.Errorf("bucket: failed to prepare ingested update: %w", err)
		}
		defer markStmt.Close()

		created := s.now().Unix()
		for i := range entries {
			e := &entries[i]
			if !e.SharedID.Valid() {
				return fmt.Errorf("bucket: catalog entry from %s row %d has no shared id", stagingTable, e.SourceRowID)
			}
			var obsDate *int64
			if e.ObservationDate != nil {
				u := e.ObservationDate.Unix()
				obsDate = &u
			}
			res, err := insStmt.ExecContext(ctx,
				int64(e.SharedID), e.Name, e.Survey, e.RADeg, e.DecDeg,
				e.Magnitude, e.MagnitudeError, e.Filter, e.ObservationMJD, obsDate,
				boolInt(e.LimitingMag), e.ObjectURL, boolInt(e.MasterIDFlag), e.ZoneID,
				stagingTable, e.SourceRowID, created,
			)
			if err != nil {
				return fmt.Errorf("bucket: failed to insert catalog entry for %s: %w", e.Name, err)
			}
			n, _ := res.RowsAffected()
			inserted += n

			if _, err := markStmt.ExecContext(ctx, e.SourceRowID); err != nil {
				return fmt.Errorf("bucket: failed to mark %s row %d ingested: %w", stagingTable, e.SourceRowID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// AssignMasters flags one master row in every listed group that has none.
// The master is the lowest primary key with a position, falling back to the
// lowest primary key. It returns the number of masters set.
func (s *Store) AssignMasters(ctx context.Context, ids []types.SharedID) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids) {
		n, err := s.assignMasters(ctx, chunk)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RescueOrphans flags a master row in every live group without one.
func (s *Store) RescueOrphans(ctx context.Context) (int64, error) {
	return s.assignMasters(ctx, nil)
}

func (s *Store) assignMasters(ctx context.Context, ids []types.SharedID) (int64, error) {
	var assigned int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// candidates are read first; MySQL rejects an UPDATE whose subquery
		// selects from the table being updated
		query := `
			SELECT shared_id, primary_key_id, ra_deg IS NOT NULL AND dec_deg IS NOT NULL
			FROM transient_bucket
			WHERE replaced_by = 0 AND shared_id IN (
				SELECT shared_id FROM transient_bucket
				WHERE replaced_by = 0 %s
				GROUP BY shared_id
				HAVING SUM(master_id_flag) = 0
			)
			ORDER BY shared_id, primary_key_id`
		var filter string
		var args []interface{}
		if ids != nil {
			if len(ids) == 0 {
				return nil
			}
			filter = "AND shared_id IN (" + placeholders(len(ids)) + ")"
			args = idArgs(ids)
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(query, filter), args...)
		if err != nil {
			return fmt.Errorf("bucket: failed to query groups without master: %w", err)
		}
		chosen := make(map[types.SharedID]int64)
		positioned := make(map[types.SharedID]bool)
		var order []types.SharedID
		for rows.Next() {
			var id types.SharedID
			var pk int64
			var hasPos bool
			if err := rows.Scan(&id, &pk, &hasPos); err != nil {
				rows.Close()
				return fmt.Errorf("bucket: failed to scan master candidate: %w", err)
			}
			if _, seen := chosen[id]; !seen {
				chosen[id] = pk
				positioned[id] = hasPos
				order = append(order, id)
				continue
			}
			if hasPos && !positioned[id] {
				chosen[id] = pk
				positioned[id] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("bucket: error iterating master candidates: %w", err)
		}
		rows.Close()

		for _, id := range order {
			if _, err := tx.ExecContext(ctx,
				"UPDATE transient_bucket SET master_id_flag = 1 WHERE primary_key_id = ?", chosen[id],
			); err != nil {
				return fmt.Errorf("bucket: failed to set master of %d: %w", id, err)
			}
			assigned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// MasterViolations returns every listed group whose live master count is
// not exactly one. A nil ids checks the whole catalog.
func (s *Store) MasterViolations(ctx context.Context, ids []types.SharedID) ([]MasterCount, error) {
	if ids == nil {
		return s.masterViolations(ctx, nil)
	}
	var out []MasterCount
	for _, chunk := range chunkIDs(ids) {
		v, err := s.masterViolations(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

func (s *Store) masterViolations(ctx context.Context, ids []types.SharedID) ([]MasterCount, error) {
	query := `
		SELECT shared_id, SUM(master_id_flag) FROM transient_bucket
		WHERE replaced_by = 0 %s
		GROUP BY shared_id
		HAVING SUM(master_id_flag) <> 1
		ORDER BY shared_id`
	var filter string
	var args []interface{}
	if ids != nil {
		filter = "AND shared_id IN (" + placeholders(len(ids)) + ")"
		args = idArgs(ids)
	}

	rows, err := s.readDB.QueryContext(ctx, fmt.Sprintf(query, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to count masters: %w", err)
	}
	defer rows.Close()

	var out []MasterCount
	for rows.Next() {
		var mc MasterCount
		if err := rows.Scan(&mc.SharedID, &mc.Masters); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan master count: %w", err)
		}
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: error iterating master counts: %w", err)
	}

	if ids != nil {
		// groups with no live rows at all do not show up in GROUP BY
		present, err := s.presentIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !present[id] {
				out = append(out, MasterCount{SharedID: id, Masters: 0})
			}
		}
	}
	return out, nil
}

func (s *Store) presentIDs(ctx context.Context, ids []types.SharedID) (map[types.SharedID]bool, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT DISTINCT shared_id FROM transient_bucket WHERE replaced_by = 0 AND shared_id IN ("+placeholders(len(ids))+")",
		idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query shared ids: %w", err)
	}
	defer rows.Close()

	present := make(map[types.SharedID]bool, len(ids))
	for rows.Next() {
		var id types.SharedID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan shared id: %w", err)
		}
		present[id] = true
	}
	return present, rows.Err()
}

// FindInRegion returns live positioned rows inside a cone search prefilter
// region that satisfy preds.
func (s *Store) FindInRegion(ctx context.Context, r Region, preds []Predicate) ([]PositionedRow, error) {
	var b strings.Builder
	b.WriteString(`SELECT primary_key_id, shared_id, name, ra_deg, dec_deg FROM transient_bucket
		WHERE replaced_by = 0 AND ra_deg IS NOT NULL AND dec_deg IS NOT NULL
			AND zone_id BETWEEN ? AND ? AND dec_deg BETWEEN ? AND ?`)
	args := []interface{}{r.ZoneLo, r.ZoneHi, r.DecLo, r.DecHi}

	if len(r.RAIntervals) > 0 {
		parts := make([]string, len(r.RAIntervals))
		for i, iv := range r.RAIntervals {
			parts[i] = "ra_deg BETWEEN ? AND ?"
			args = append(args, iv[0], iv[1])
		}
		b.WriteString(" AND (" + strings.Join(parts, " OR ") + ")")
	}

	where, predArgs, err := buildWhere(preds)
	if err != nil {
		return nil, err
	}
	if where != "" {
		b.WriteString(" AND " + where)
		args = append(args, predArgs...)
	}
	b.WriteString(" ORDER BY shared_id, primary_key_id")

	rows, err := s.readDB.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query region: %w", err)
	}
	defer rows.Close()

	var out []PositionedRow
	for rows.Next() {
		var r PositionedRow
		if err := rows.Scan(&r.PrimaryKeyID, &r.SharedID, &r.Name, &r.RADeg, &r.DecDeg); err != nil {
			return nil, fmt.Errorf("bucket: failed to scan region row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: error iterating region rows: %w", err)
	}
	return out, nil
}

// Detections returns the live rows of a shared id group ordered by
// observation MJD then primary key.
func (s *Store) Detections(ctx context.Context, id types.SharedID) ([]types.CatalogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+entryColumns+` FROM transient_bucket
		WHERE shared_id = ? AND replaced_by = 0
		ORDER BY observation_mjd, primary_key_id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query detections of %d: %w", id, err)
	}
	defer rows.Close()

	var out []types.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: error iterating detections: %w", err)
	}
	return out, nil
}

// Master returns the live master row of a shared id group.
func (s *Store) Master(ctx context.Context, id types.SharedID) (*types.CatalogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+entryColumns+` FROM transient_bucket
		WHERE shared_id = ? AND master_id_flag = 1 AND replaced_by = 0
		ORDER BY primary_key_id LIMIT 1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query master of %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("bucket: error reading master of %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: master of %d", ErrNotFound, id)
	}
	return scanEntry(rows)
}

// SharedIDsByName returns the distinct shared ids of live rows named name.
func (s *Store) SharedIDsByName(ctx context.Context, name string) ([]types.SharedID, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT DISTINCT shared_id FROM transient_bucket WHERE name = ? AND replaced_by = 0 ORDER BY shared_id", name)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query %s: %w", name, err)
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

func scanEntry(rows *sql.Rows) (*types.CatalogEntry, error) {
	var e types.CatalogEntry
	var obsDate sql.NullInt64
	var limiting, master int
	var createdAt int64
	var zone sql.NullInt64

	err := rows.Scan(
		&e.PrimaryKeyID, &e.SharedID, &e.Name, &e.Survey, &e.RADeg, &e.DecDeg,
		&e.Magnitude, &e.MagnitudeError, &e.Filter, &e.ObservationMJD, &obsDate,
		&limiting, &e.ObjectURL, &master, &zone, &e.SourceTable, &e.SourceRowID,
		&e.ReplacedBy, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to scan catalog entry: %w", err)
	}
	if obsDate.Valid {
		t := time.Unix(obsDate.Int64, 0).UTC()
		e.ObservationDate = &t
	}
	if zone.Valid {
		z := zone.Int64
		e.ZoneID = &z
	}
	e.LimitingMag = limiting != 0
	e.MasterIDFlag = master != 0
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func idArgs(ids []types.SharedID) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	return args
}

func chunkIDs(ids []types.SharedID) [][]types.SharedID {
	var chunks [][]types.SharedID
	for len(ids) > 0 {
		n := len(ids)
		if n > inChunk {
			n = inChunk
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
