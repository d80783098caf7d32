package bucket

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marshallengine/marshall/pkg/types"
)

// Assignment attaches a shared id to every pending staged row of a name.
type Assignment struct {
	Name     string
	SharedID types.SharedID
}

// MatchNames gives every pending staged row (shared_id NULL, ingested 0)
// whose name already appears on a live catalog row that row's shared id,
// the lowest one when the name maps to several. It returns the number of
// staged rows updated.
func (s *Store) MatchNames(ctx context.Context, cmap types.ColumnMap) (int64, error) {
	table, err := quote(cmap.Table)
	if err != nil {
		return 0, fmt.Errorf("bucket: %w", err)
	}
	nameCol, ok := cmap.Column(types.RoleName)
	if !ok {
		return 0, fmt.Errorf("bucket: column map for %s has no name column", cmap.Table)
	}
	name, err := quote(nameCol)
	if err != nil {
		return 0, fmt.Errorf("bucket: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s SET `+"`shared_id`"+` = (
			SELECT MIN(b.shared_id) FROM transient_bucket b
			WHERE b.name = %[1]s.%[2]s AND b.replaced_by = 0
		)
		WHERE `+"`shared_id`"+` IS NULL AND `+"`ingested`"+` = 0
			AND EXISTS (
				SELECT 1 FROM transient_bucket b
				WHERE b.name = %[1]s.%[2]s AND b.replaced_by = 0
			)`, table, name)

	n, err := s.exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("bucket: failed to match names in %s: %w", cmap.Table, err)
	}
	return n, nil
}

// AssignSharedIDs writes matched shared ids back to the pending staged rows
// of each name in one transaction. Rows that already carry an id are left
// alone. It returns the number of staged rows updated.
func (s *Store) AssignSharedIDs(ctx context.Context, cmap types.ColumnMap, assignments []Assignment) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	query, err := assignQuery(cmap)
	if err != nil {
		return 0, err
	}

	var updated int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := assignTx(ctx, tx, query, assignments)
		updated = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// AllocateSharedIDs allocates a contiguous block of new shared ids, one per
// name in input order, assigns them to the pending staged rows of those
// names and advances the sequence, all in one write transaction. The block
// starts at the larger of the sequence value and one past the highest id in
// the catalog, so ids are never reused.
func (s *Store) AllocateSharedIDs(ctx context.Context, cmap types.ColumnMap, names []string) (types.IDBlock, error) {
	if len(names) == 0 {
		return types.IDBlock{}, nil
	}
	query, err := assignQuery(cmap)
	if err != nil {
		return types.IDBlock{}, err
	}

	var block types.IDBlock
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			"SELECT next_value FROM marshall_sequences WHERE name = ?"+s.dialect.LockSuffix,
			sharedIDSequence,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("bucket: failed to read shared id sequence: %w", err)
		}

		var maxID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(shared_id), 0) FROM transient_bucket",
		).Scan(&maxID); err != nil {
			return fmt.Errorf("bucket: failed to read highest shared id: %w", err)
		}

		first := next
		if maxID+1 > first {
			first = maxID + 1
		}
		block = types.IDBlock{First: types.SharedID(first), Count: len(names)}

		assignments := make([]Assignment, len(names))
		for i, id := range block.IDs() {
			assignments[i] = Assignment{Name: names[i], SharedID: id}
		}
		if _, err := assignTx(ctx, tx, query, assignments); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE marshall_sequences SET next_value = ? WHERE name = ?",
			int64(block.Last())+1, sharedIDSequence,
		); err != nil {
			return fmt.Errorf("bucket: failed to advance shared id sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.IDBlock{}, err
	}
	return block, nil
}

// NextSharedID returns the value the sequence would hand out next.
func (s *Store) NextSharedID(ctx context.Context) (types.SharedID, error) {
	var next, maxID int64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT next_value FROM marshall_sequences WHERE name = ?", sharedIDSequence).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("bucket: failed to read shared id sequence: %w", err)
	}
	err = s.readDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(shared_id), 0) FROM transient_bucket").Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("bucket: failed to read highest shared id: %w", err)
	}
	if maxID+1 > next {
		next = maxID + 1
	}
	return types.SharedID(next), nil
}

func assignQuery(cmap types.ColumnMap) (string, error) {
	table, err := quote(cmap.Table)
	if err != nil {
		return "", fmt.Errorf("bucket: %w", err)
	}
	nameCol, ok := cmap.Column(types.RoleName)
	if !ok {
		return "", fmt.Errorf("bucket: column map for %s has no name column", cmap.Table)
	}
	name, err := quote(nameCol)
	if err != nil {
		return "", fmt.Errorf("bucket: %w", err)
	}
	return fmt.Sprintf("UPDATE %s SET `shared_id` = ? WHERE %s = ? AND `shared_id` IS NULL AND `ingested` = 0",
		table, name), nil
}

func assignTx(ctx context.Context, tx *sql.Tx, query string, assignments []Assignment) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("bucket: failed to prepare shared id assignment: %w", err)
	}
	defer stmt.Close()

	var updated int64
	for _, a := range assignments {
		if !a.SharedID.Valid() {
			return 0, fmt.Errorf("bucket: refusing to assign invalid shared id %d to %s", a.SharedID, a.Name)
		}
		res, err := stmt.ExecContext(ctx, int64(a.SharedID), a.Name)
		if err != nil {
			return 0, fmt.Errorf("bucket: failed to assign shared id %d to %s: %w", a.SharedID, a.Name, err)
		}
		n, _ := res.RowsAffected()
		updated += n
	}
	return updated, nil
}
