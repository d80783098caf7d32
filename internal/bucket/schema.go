// Package bucket is the durable store of the marshall: the transient
// bucket catalog, its object summaries, the shared-id sequence, the feeder
// staging tables and their column maps. It speaks SQLite and MySQL.
package bucket

import (
	"fmt"
	"strings"

	"github.com/marshallengine/marshall/pkg/types"
)

// Table names of the catalog.
const (
	TableTransientBucket = "transient_bucket"
	TableSummaries       = "transient_bucket_summaries"
	TableSequences       = "marshall_sequences"
	TableColumnMaps      = "fs_column_maps"
)

// sharedIDSequence is the sequence row used to allocate shared ids.
const sharedIDSequence = "shared_id"

// transientBucketColumns are shared by both dialects after the primary key.
const transientBucketColumns = `
    shared_id BIGINT NOT NULL,
    name VARCHAR(100) NOT NULL,
    survey VARCHAR(50) NOT NULL,
    ra_deg DOUBLE,
    dec_deg DOUBLE,
    magnitude DOUBLE,
    magnitude_error DOUBLE,
    filter_name VARCHAR(20),
    observation_mjd DOUBLE,
    observation_date BIGINT,
    limiting_mag TINYINT NOT NULL DEFAULT 0,
    object_url VARCHAR(512),
    master_id_flag TINYINT NOT NULL DEFAULT 0,
    zone_id BIGINT,
    source_table VARCHAR(64) NOT NULL,
    source_row_id BIGINT NOT NULL,
    replaced_by BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL`

// summaryColumns are shared by both dialects.
const summaryColumns = `
    shared_id BIGINT NOT NULL PRIMARY KEY,
    name VARCHAR(100),
    ra_deg DOUBLE,
    dec_deg DOUBLE,
    glon_deg DOUBLE,
    glat_deg DOUBLE,
    zone_id BIGINT,
    best_redshift DOUBLE,
    distance_mpc DOUBLE,
    current_mag DOUBLE,
    current_mag_mjd DOUBLE,
    peak_mag DOUBLE,
    earliest_mjd DOUBLE,
    latest_mjd DOUBLE,
    detection_count INTEGER NOT NULL DEFAULT 0,
    update_needed TINYINT NOT NULL DEFAULT 1,
    updated_at BIGINT`

// AllSchemaSQL returns the statements that initialise the catalog.
func AllSchemaSQL(d Dialect) []string {
	if d.Name == MySQL.Name {
		return mysqlSchema()
	}
	return sqliteSchema()
}

func sqliteSchema() []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    primary_key_id %s,%s,\n    UNIQUE (source_table, source_row_id)\n)",
			TableTransientBucket, SQLite.AutoIncrementPK, transientBucketColumns),

		// name match and group lookups
		`CREATE INDEX IF NOT EXISTS idx_tb_shared_id ON transient_bucket(shared_id, master_id_flag)`,
		`CREATE INDEX IF NOT EXISTS idx_tb_name ON transient_bucket(name)`,

		// cone search prefilter over live master rows
		`CREATE INDEX IF NOT EXISTS idx_tb_zone ON transient_bucket(zone_id, dec_deg, ra_deg)
			WHERE master_id_flag = 1 AND replaced_by = 0`,

		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n)", TableSummaries, summaryColumns),
		`CREATE INDEX IF NOT EXISTS idx_tbs_update_needed ON transient_bucket_summaries(update_needed, shared_id)`,

		`CREATE TABLE IF NOT EXISTS marshall_sequences (
    name VARCHAR(64) NOT NULL PRIMARY KEY,
    next_value BIGINT NOT NULL
)`,
		`INSERT OR IGNORE INTO marshall_sequences (name, next_value) VALUES ('shared_id', 1)`,

		`CREATE TABLE IF NOT EXISTS fs_column_maps (
    table_name VARCHAR(64) NOT NULL,
    role VARCHAR(32) NOT NULL,
    column_name VARCHAR(64) NOT NULL,
    PRIMARY KEY (table_name, role)
)`,
	}
}

func mysqlSchema() []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    primary_key_id %s,%s,\n    UNIQUE KEY uq_tb_source (source_table, source_row_id),\n    KEY idx_tb_shared_id (shared_id, master_id_flag),\n    KEY idx_tb_name (name),\n    KEY idx_tb_zone (master_id_flag, zone_id, dec_deg, ra_deg)\n) ENGINE=InnoDB",
			TableTransientBucket, MySQL.AutoIncrementPK, transientBucketColumns),

		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s,\n    KEY idx_tbs_update_needed (update_needed, shared_id)\n) ENGINE=InnoDB", TableSummaries, summaryColumns),

		`CREATE TABLE IF NOT EXISTS marshall_sequences (
    name VARCHAR(64) NOT NULL PRIMARY KEY,
    next_value BIGINT NOT NULL
) ENGINE=InnoDB`,
		`INSERT IGNORE INTO marshall_sequences (name, next_value) VALUES ('shared_id', 1)`,

		`CREATE TABLE IF NOT EXISTS fs_column_maps (
    table_name VARCHAR(64) NOT NULL,
    role VARCHAR(32) NOT NULL,
    column_name VARCHAR(64) NOT NULL,
    PRIMARY KEY (table_name, role)
) ENGINE=InnoDB`,
	}
}

// StagingTableSQL returns the statements creating a feeder staging table:
// the fixed primary_id, ingested and shared_id columns plus the survey
// columns, with a unique key for idempotent upserts.
func StagingTableSQL(d Dialect, schema types.StagingSchema, nameColumn string) ([]string, error) {
	table, err := quote(schema.Table)
	if err != nil {
		return nil, fmt.Errorf("bucket: staging table: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("bucket: staging table %s has no columns", schema.Table)
	}

	defs := []string{fmt.Sprintf("    `%s` %s", types.StagingPrimaryKey, d.AutoIncrementPK)}
	for _, col := range schema.Columns {
		switch col.Name {
		case types.StagingPrimaryKey, types.StagingIngested, types.StagingSharedID:
			return nil, fmt.Errorf("bucket: staging table %s redeclares fixed column %s", schema.Table, col.Name)
		}
		q, err := quote(col.Name)
		if err != nil {
			return nil, fmt.Errorf("bucket: staging table %s: %w", schema.Table, err)
		}
		def := "    " + q + " " + d.ColumnType(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs,
		fmt.Sprintf("    `%s` TINYINT NOT NULL DEFAULT 0", types.StagingIngested),
		fmt.Sprintf("    `%s` BIGINT", types.StagingSharedID),
	)

	if len(schema.UniqueKey) > 0 {
		keyCols := make([]string, len(schema.UniqueKey))
		for i, k := range schema.UniqueKey {
			if !schema.HasColumn(k) {
				return nil, fmt.Errorf("bucket: staging table %s: unique key column %s not declared", schema.Table, k)
			}
			keyCols[i] = "`" + k + "`"
		}
		defs = append(defs, "    UNIQUE ("+strings.Join(keyCols, ", ")+")")
	}

	nameCol, err := quote(nameColumn)
	if err != nil {
		return nil, fmt.Errorf("bucket: staging table %s name column: %w", schema.Table, err)
	}

	if d.Name == MySQL.Name {
		defs = append(defs,
			fmt.Sprintf("    KEY idx_%s_pending (`%s`, `%s`)", schema.Table, types.StagingIngested, types.StagingSharedID),
			fmt.Sprintf("    KEY idx_%s_name (%s)", schema.Table, nameCol),
		)
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n) ENGINE=InnoDB", table, strings.Join(defs, ",\n")),
		}, nil
	}

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", table, strings.Join(defs, ",\n")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS `idx_%s_pending` ON %s(`%s`, `%s`)",
			schema.Table, table, types.StagingIngested, types.StagingSharedID),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS `idx_%s_name` ON %s(%s)", schema.Table, table, nameCol),
	}, nil
}
