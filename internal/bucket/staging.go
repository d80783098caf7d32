package bucket

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/marshallengine/marshall/pkg/types"
)

// StagingRow is one feeder row keyed by staging column name.
type StagingRow map[string]interface{}

// RegisterStagingTable creates a feeder staging table if needed and stores
// its column map.
func (s *Store) RegisterStagingTable(ctx context.Context, schema types.StagingSchema, cmap types.ColumnMap) error {
	if err := cmap.Validate(); err != nil {
		return fmt.Errorf("bucket: %w", err)
	}
	if cmap.Table != schema.Table {
		return fmt.Errorf("bucket: column map table %s does not match staging table %s", cmap.Table, schema.Table)
	}
	for _, role := range cmap.Roles() {
		col, _ := cmap.Column(role)
		if !schema.HasColumn(col) {
			return fmt.Errorf("bucket: column map for %s maps %s to undeclared column %s", schema.Table, role, col)
		}
	}
	nameCol, _ := cmap.Column(types.RoleName)

	stmts, err := StagingTableSQL(s.dialect, schema, nameCol)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("bucket: failed to create staging table %s: %w", schema.Table, err)
			}
		}
		return saveColumnMapTx(ctx, tx, cmap)
	})
}

func saveColumnMapTx(ctx context.Context, tx *sql.Tx, cmap types.ColumnMap) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM fs_column_maps WHERE table_name = ?", cmap.Table); err != nil {
		return fmt.Errorf("bucket: failed to clear column map for %s: %w", cmap.Table, err)
	}
	for _, role := range cmap.Roles() {
		col, _ := cmap.Column(role)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fs_column_maps (table_name, role, column_name) VALUES (?, ?, ?)",
			cmap.Table, string(role), col,
		); err != nil {
			return fmt.Errorf("bucket: failed to store column map for %s: %w", cmap.Table, err)
		}
	}
	return nil
}

// ColumnMap loads the column map of a staging table. It reports false when
// no map has been stored for the table.
func (s *Store) ColumnMap(ctx context.Context, table string) (types.ColumnMap, bool, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT role, column_name FROM fs_column_maps WHERE table_name = ?", table)
	if err != nil {
		return types.ColumnMap{}, false, fmt.Errorf("bucket: failed to query column map for %s: %w", table, err)
	}
	defer rows.Close()

	cmap := types.ColumnMap{Table: table, Columns: make(map[types.Role]string)}
	for rows.Next() {
		var role, col string
		if err := rows.Scan(&role, &col); err != nil {
			return types.ColumnMap{}, false, fmt.Errorf("bucket: failed to scan column map: %w", err)
		}
		cmap.Columns[types.Role(role)] = col
	}
	if err := rows.Err(); err != nil {
		return types.ColumnMap{}, false, fmt.Errorf("bucket: error iterating column map: %w", err)
	}
	if len(cmap.Columns) == 0 {
		return types.ColumnMap{}, false, nil
	}
	if err := cmap.Validate(); err != nil {
		return types.ColumnMap{}, false, fmt.Errorf("bucket: stored %w", err)
	}
	return cmap, true, nil
}

// UpsertStaged inserts feeder rows into a staging table, ignoring rows that
// collide with an existing row on the table's unique key. New rows start
// with ingested = 0 and a NULL shared_id. It returns the number of rows
// inserted.
func (s *Store) UpsertStaged(ctx context.Context, schema types.StagingSchema, rows []StagingRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	table, err := quote(schema.Table)
	if err != nil {
		return 0, fmt.Errorf("bucket: %w", err)
	}
	names := schema.ColumnNames()
	cols := make([]string, len(names))
	for i, n := range names {
		q, err := quote(n)
		if err != nil {
			return 0, fmt.Errorf("bucket: %w", err)
		}
		cols[i] = q
	}

	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		s.dialect.InsertIgnore, table, strings.Join(cols, ", "), placeholders(len(cols)))

	var inserted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("bucket: failed to prepare staging insert: %w", err)
		}
		defer stmt.Close()

		args := make([]interface{}, len(names))
		for _, row := range rows {
			for i, n := range names {
				args[i] = row[n]
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("bucket: failed to insert into %s: %w", schema.Table, err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// stagedSelect holds a SELECT over a staging table through its column map,
// with scan destinations per mapped role.
type stagedSelect struct {
	table string
	cols  []string
	roles []types.Role
}

func newStagedSelect(cmap types.ColumnMap) (*stagedSelect, error) {
	table, err := quote(cmap.Table)
	if err != nil {
		return nil, err
	}
	sel := &stagedSelect{
		table: table,
		cols:  []string{"`" + types.StagingPrimaryKey + "`", "`" + types.StagingIngested + "`", "`" + types.StagingSharedID + "`"},
	}
	for _, role := range cmap.Roles() {
		col, _ := cmap.Column(role)
		q, err := quote(col)
		if err != nil {
			return nil, err
		}
		sel.cols = append(sel.cols, q)
		sel.roles = append(sel.roles, role)
	}
	return sel, nil
}

func (sel *stagedSelect) query(where, orderBy string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(sel.cols, ", "), sel.table, where, orderBy)
}

func (sel *stagedSelect) scan(rows *sql.Rows) (types.StagedDetection, error) {
	var d types.StagedDetection
	var ingested int64
	var sharedID sql.NullInt64

	strs := make(map[types.Role]*sql.NullString)
	nums := make(map[types.Role]*sql.NullFloat64)
	dest := []interface{}{&d.RowID, &ingested, &sharedID}
	for _, role := range sel.roles {
		switch role {
		case types.RoleName, types.RoleFilter, types.RoleObjectURL:
			v := new(sql.NullString)
			strs[role] = v
			dest = append(dest, v)
		default:
			v := new(sql.NullFloat64)
			nums[role] = v
			dest = append(dest, v)
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return d, err
	}

	d.Ingested = ingested != 0
	if sharedID.Valid {
		id := types.SharedID(sharedID.Int64)
		d.SharedID = &id
	}
	for role, v := range strs {
		if !v.Valid {
			continue
		}
		switch role {
		case types.RoleName:
			d.Name = v.String
		case types.RoleFilter:
			f := v.String
			d.Filter = &f
		case types.RoleObjectURL:
			u := v.String
			d.ObjectURL = &u
		}
	}
	for role, v := range nums {
		if !v.Valid {
			continue
		}
		f := v.Float64
		switch role {
		case types.RoleRADeg:
			d.RADeg = &f
		case types.RoleDecDeg:
			d.DecDeg = &f
		case types.RoleMagnitude:
			d.Magnitude = &f
		case types.RoleMagnitudeError:
			d.MagnitudeError = &f
		case types.RoleObservationMJD:
			d.ObservationMJD = &f
		case types.RoleLimitingMag:
			d.LimitingMag = f != 0
		}
	}
	return d, nil
}

func (s *Store) readStaged(ctx context.Context, cmap types.ColumnMap, where, orderBy string) ([]types.StagedDetection, error) {
	sel, err := newStagedSelect(cmap)
	if err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	rows, err := s.readDB.QueryContext(ctx, sel.query(where, orderBy))
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query %s: %w", cmap.Table, err)
	}
	defer rows.Close()

	var out []types.StagedDetection
	for rows.Next() {
		d, err := sel.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("bucket: failed to scan %s row: %w", cmap.Table, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: error iterating %s: %w", cmap.Table, err)
	}
	return out, nil
}

// ResolvedStaged returns the staged rows that carry a shared id but have not
// been copied into the catalog, in primary key order.
func (s *Store) ResolvedStaged(ctx context.Context, cmap types.ColumnMap) ([]types.StagedDetection, error) {
	return s.readStaged(ctx, cmap,
		"`shared_id` IS NOT NULL AND `ingested` = 0",
		"`primary_id`")
}

// UnresolvedPositions returns the un-ingested staged detections without a
// shared id that have both coordinates and are not upper limits, ordered by
// name then primary key. Tables without mapped coordinates return nothing.
func (s *Store) UnresolvedPositions(ctx context.Context, cmap types.ColumnMap) ([]types.StagedDetection, error) {
	if !cmap.HasCoordinates() {
		return nil, nil
	}
	raCol, _ := cmap.Column(types.RoleRADeg)
	decCol, _ := cmap.Column(types.RoleDecDeg)
	nameCol, _ := cmap.Column(types.RoleName)

	where := fmt.Sprintf("`shared_id` IS NULL AND `ingested` = 0 AND `%s` IS NOT NULL AND `%s` IS NOT NULL",
		raCol, decCol)
	if limCol, ok := cmap.Column(types.RoleLimitingMag); ok {
		where += fmt.Sprintf(" AND (`%s` IS NULL OR `%s` = 0)", limCol, limCol)
	}
	return s.readStaged(ctx, cmap, where, fmt.Sprintf("`%s`, `primary_id`", nameCol))
}

// PendingCount returns the number of un-ingested rows of a staging table
// without a shared id.
func (s *Store) PendingCount(ctx context.Context, table string) (int64, error) {
	q, err := quote(table)
	if err != nil {
		return 0, fmt.Errorf("bucket: %w", err)
	}
	var n int64
	err = s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+q+" WHERE `shared_id` IS NULL AND `ingested` = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bucket: failed to count pending rows of %s: %w", table, err)
	}
	return n, nil
}

// StagedByName returns every staged row carrying name, in primary key order.
func (s *Store) StagedByName(ctx context.Context, cmap types.ColumnMap, name string) ([]types.StagedDetection, error) {
	sel, err := newStagedSelect(cmap)
	if err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	nameCol, _ := cmap.Column(types.RoleName)
	rows, err := s.readDB.QueryContext(ctx, sel.query(fmt.Sprintf("`%s` = ?", nameCol), "`primary_id`"), name)
	if err != nil {
		return nil, fmt.Errorf("bucket: failed to query %s: %w", cmap.Table, err)
	}
	defer rows.Close()

	var out []types.StagedDetection
	for rows.Next() {
		d, err := sel.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("bucket: failed to scan %s row: %w", cmap.Table, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: error iterating %s: %w", cmap.Table, err)
	}
	return out, nil
}
