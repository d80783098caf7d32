// Package buckettest provides SQLite-backed stores and fixtures for tests of
// packages built on the bucket store.
package buckettest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

// ZoneHeight is the declination zone height fixtures are indexed with.
const ZoneHeight = 0.05

// SeedTable is the staging table fixture catalog rows claim to come from.
const SeedTable = "fs_seed"

// Config returns a database configuration for a fresh SQLite file under
// the test's temp dir.
func Config(t testing.TB) config.DatabaseConfig {
	t.Helper()
	cfg := config.DefaultConfig().Database
	cfg.DSN = filepath.Join(t.TempDir(), "marshall.db")
	return cfg
}

// Open opens a store on a fresh SQLite file and closes it at cleanup.
func Open(t testing.TB) *bucket.Store {
	t.Helper()
	return OpenConfig(t, Config(t))
}

// OpenConfig opens a store on cfg and closes it at cleanup.
func OpenConfig(t testing.TB, cfg config.DatabaseConfig) *bucket.Store {
	t.Helper()
	s, err := bucket.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ATLASSchema is a staging table shaped like the ATLAS feeder's.
func ATLASSchema(table string) types.StagingSchema {
	return types.StagingSchema{
		Table: table,
		Columns: []types.ColumnDef{
			{Name: "candidateID", Type: "TEXT"},
			{Name: "ra_deg", Type: "REAL", Nullable: true},
			{Name: "dec_deg", Type: "REAL", Nullable: true},
			{Name: "mag", Type: "REAL", Nullable: true},
			{Name: "dm", Type: "REAL", Nullable: true},
			{Name: "filter", Type: "TEXT", Nullable: true},
			{Name: "mjd", Type: "REAL", Nullable: true},
			{Name: "limiting_mag", Type: "INTEGER", Nullable: true},
			{Name: "url", Type: "TEXT", Nullable: true},
		},
		UniqueKey: []string{"candidateID", "mjd", "filter"},
	}
}

// ATLASColumnMap maps ATLASSchema columns to roles.
func ATLASColumnMap(table string) types.ColumnMap {
	return types.ColumnMap{Table: table, Columns: map[types.Role]string{
		types.RoleName:           "candidateID",
		types.RoleRADeg:          "ra_deg",
		types.RoleDecDeg:         "dec_deg",
		types.RoleMagnitude:      "mag",
		types.RoleMagnitudeError: "dm",
		types.RoleFilter:         "filter",
		types.RoleObservationMJD: "mjd",
		types.RoleLimitingMag:    "limiting_mag",
		types.RoleObjectURL:      "url",
	}}
}

// RegisterATLAS creates an ATLAS-shaped staging table and its column map.
func RegisterATLAS(t testing.TB, s *bucket.Store, table string) (types.StagingSchema, types.ColumnMap) {
	t.Helper()
	schema, cmap := ATLASSchema(table), ATLASColumnMap(table)
	if err := s.RegisterStagingTable(context.Background(), schema, cmap); err != nil {
		t.Fatalf("failed to register %s: %v", table, err)
	}
	return schema, cmap
}

// Detection builds a staging row for RegisterATLAS tables.
func Detection(name string, ra, dec, mjd float64) bucket.StagingRow {
	return bucket.StagingRow{
		"candidateID":  name,
		"ra_deg":       ra,
		"dec_deg":      dec,
		"mag":          18.5,
		"dm":           0.05,
		"filter":       "o",
		"mjd":          mjd,
		"limiting_mag": 0,
	}
}

// Stage upserts rows into an ATLAS-shaped staging table.
func Stage(t testing.TB, s *bucket.Store, schema types.StagingSchema, rows ...bucket.StagingRow) {
	t.Helper()
	if _, err := s.UpsertStaged(context.Background(), schema, rows); err != nil {
		t.Fatalf("failed to stage rows: %v", err)
	}
}

// Master describes a fixture catalog row.
type Master struct {
	SharedID  types.SharedID
	Name      string
	RA, Dec   float64
	MJD       float64
	Mag       float64
	Limit     bool
	NotMaster bool
}

// Seed inserts fixture catalog rows directly, as if copied from SeedTable.
func Seed(t testing.TB, s *bucket.Store, rows ...Master) {
	t.Helper()
	ctx := context.Background()
	if err := s.RegisterStagingTable(ctx, ATLASSchema(SeedTable), ATLASColumnMap(SeedTable)); err != nil {
		t.Fatalf("failed to register seed table: %v", err)
	}

	entries := make([]types.CatalogEntry, len(rows))
	for i, r := range rows {
		ra, dec, mjd, mag := r.RA, r.Dec, r.MJD, r.Mag
		zone := astro.ZoneID(dec, ZoneHeight)
		entries[i] = types.CatalogEntry{
			SharedID:       r.SharedID,
			Name:           r.Name,
			Survey:         "seed",
			RADeg:          &ra,
			DecDeg:         &dec,
			Magnitude:      &mag,
			ObservationMJD: &mjd,
			LimitingMag:    r.Limit,
			MasterIDFlag:   !r.NotMaster,
			ZoneID:         &zone,
			SourceRowID:    nextSeedRow(),
		}
	}
	if _, err := s.CopyToCatalog(ctx, SeedTable, entries); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}
}

var seedRow atomic.Int64

func nextSeedRow() int64 {
	return seedRow.Add(1)
}
