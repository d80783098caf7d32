package feeders

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

const userAddedTable = "fs_user_added"

var userAddedSchema = types.StagingSchema{
	Table: userAddedTable,
	Columns: []types.ColumnDef{
		{Name: "candidateID", Type: "TEXT"},
		{Name: "ra_deg", Type: "REAL", Nullable: true},
		{Name: "dec_deg", Type: "REAL", Nullable: true},
		{Name: "mag", Type: "REAL", Nullable: true},
		{Name: "magErr", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "observationMJD", Type: "REAL", Nullable: true},
		{Name: "objectURL", Type: "TEXT", Nullable: true},
		{Name: "survey", Type: "TEXT", Nullable: true},
		{Name: "author", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"candidateID", "observationMJD", "filter"},
}

var userAddedColumns = types.ColumnMap{Table: userAddedTable, Columns: map[types.Role]string{
	types.RoleName:           "candidateID",
	types.RoleRADeg:          "ra_deg",
	types.RoleDecDeg:         "dec_deg",
	types.RoleMagnitude:      "mag",
	types.RoleMagnitudeError: "magErr",
	types.RoleFilter:         "filter",
	types.RoleObservationMJD: "observationMJD",
	types.RoleObjectURL:      "objectURL",
}}

// UserAdded imports sources added by hand through the marshall web form
// export.
type UserAdded struct {
	base
	urls []string
}

func newUserAdded(src *CSVSource, fc config.FeederConfig, logger *zap.Logger) Feeder {
	return &UserAdded{
		base: base{
			survey: "useradded",
			tables: []StagingTable{{
				Schema:          userAddedSchema,
				ColumnMap:       userAddedColumns,
				Survey:          "user-added",
				ImportUnmatched: true,
			}},
			source: src,
			now:    time.Now,
			logger: logger,
		},
		urls: fc.URLs,
	}
}

// Fetch downloads the user-added export.
func (f *UserAdded) Fetch(ctx context.Context, withinLastDays int) (*Payload, error) {
	p := newPayload()
	limit := f.windowStart(withinLastDays)
	if err := f.collect(ctx, p, userAddedTable, f.urls, func(rec Record) (bucket.StagingRow, bool, error) {
		return mapUserAdded(rec, limit)
	}); err != nil {
		return nil, err
	}
	return p, nil
}

func mapUserAdded(rec Record, mjdLimit float64) (bucket.StagingRow, bool, error) {
	name := rec.Str("candidateID")
	if name == "" {
		return nil, false, fmt.Errorf("empty candidateID")
	}
	mjd, err := rec.RequireFloat("observationMJD")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	ra, err := rec.RequireFloat("ra_deg")
	if err != nil {
		return nil, false, err
	}
	dec, err := rec.RequireFloat("dec_deg")
	if err != nil {
		return nil, false, err
	}
	if err := types.ValidateCoordinates(ra, dec); err != nil {
		return nil, false, err
	}
	mag, err := rec.Float("mag")
	if err != nil {
		return nil, false, err
	}
	magErr, err := rec.Float("magErr")
	if err != nil {
		return nil, false, err
	}

	row := bucket.StagingRow{
		"candidateID":    name,
		"ra_deg":         ra,
		"dec_deg":        dec,
		"observationMJD": mjd,
	}
	setFloat(row, "mag", mag)
	setFloat(row, "magErr", magErr)
	setStr(row, "filter", rec.Str("filter"))
	setStr(row, "objectURL", rec.Str("objectURL"))
	setStr(row, "survey", rec.Str("survey"))
	setStr(row, "author", rec.Str("author"))
	return row, true, nil
}
