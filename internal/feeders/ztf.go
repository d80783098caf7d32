package feeders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

const ztfTable = "fs_ztf"

// ztfSchema matches the table the ZTF alert broker listener writes.
var ztfSchema = types.StagingSchema{
	Table: ztfTable,
	Columns: []types.ColumnDef{
		{Name: "objectId", Type: "TEXT"},
		{Name: "raDeg", Type: "REAL", Nullable: true},
		{Name: "decDeg", Type: "REAL", Nullable: true},
		{Name: "magpsf", Type: "REAL", Nullable: true},
		{Name: "sigmapsf", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "mjd", Type: "REAL", Nullable: true},
		{Name: "limitingMag", Type: "INTEGER", Nullable: true},
		{Name: "surveyUrl", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"objectId", "mjd", "filter"},
}

var ztfColumns = types.ColumnMap{Table: ztfTable, Columns: map[types.Role]string{
	types.RoleName:           "objectId",
	types.RoleRADeg:          "raDeg",
	types.RoleDecDeg:         "decDeg",
	types.RoleMagnitude:      "magpsf",
	types.RoleMagnitudeError: "sigmapsf",
	types.RoleFilter:         "filter",
	types.RoleObservationMJD: "mjd",
	types.RoleLimitingMag:    "limitingMag",
	types.RoleObjectURL:      "surveyUrl",
}}

// ZTF resolves the fs_ztf table, which the alert broker listener fills
// outside marshall. Fetch downloads nothing.
type ZTF struct {
	base
}

func newZTF(_ *CSVSource, _ config.FeederConfig, logger *zap.Logger) Feeder {
	return &ZTF{base: base{
		survey: "ztf",
		tables: []StagingTable{{
			Schema:          ztfSchema,
			ColumnMap:       ztfColumns,
			Survey:          "ZTF",
			ImportUnmatched: true,
		}},
		now:    time.Now,
		logger: logger,
	}}
}

// Fetch returns an empty payload; the staged rows are already in place.
func (f *ZTF) Fetch(ctx context.Context, withinLastDays int) (*Payload, error) {
	f.logger.Debug("ztf rows are staged by the broker listener, nothing to download")
	return newPayload(), nil
}
