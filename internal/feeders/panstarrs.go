package feeders

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

const (
	panstarrsTable   = "fs_panstarrs"
	panstarrsSiteURL = "https://star.pst.qub.ac.uk/sne/"
)

var panstarrsSchema = types.StagingSchema{
	Table: panstarrsTable,
	Columns: []types.ColumnDef{
		{Name: "candidateID", Type: "TEXT"},
		{Name: "ra_deg", Type: "REAL", Nullable: true},
		{Name: "dec_deg", Type: "REAL", Nullable: true},
		{Name: "mag", Type: "REAL", Nullable: true},
		{Name: "magerr", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "observationMJD", Type: "REAL", Nullable: true},
		{Name: "objectURL", Type: "TEXT", Nullable: true},
		{Name: "subsurvey", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"candidateID", "observationMJD", "filter"},
}

var panstarrsColumns = types.ColumnMap{Table: panstarrsTable, Columns: map[types.Role]string{
	types.RoleName:           "candidateID",
	types.RoleRADeg:          "ra_deg",
	types.RoleDecDeg:         "dec_deg",
	types.RoleMagnitude:      "mag",
	types.RoleMagnitudeError: "magerr",
	types.RoleFilter:         "filter",
	types.RoleObservationMJD: "observationMJD",
	types.RoleObjectURL:      "objectURL",
}}

// PanSTARRS imports the Pan-STARRS summary and recurrence streams.
type PanSTARRS struct {
	base
	urls []string
}

func newPanSTARRS(src *CSVSource, fc config.FeederConfig, logger *zap.Logger) Feeder {
	return &PanSTARRS{
		base: base{
			survey: "panstarrs",
			tables: []StagingTable{{
				Schema:          panstarrsSchema,
				ColumnMap:       panstarrsColumns,
				Survey:          "Pan-STARRS",
				ImportUnmatched: true,
			}},
			source: src,
			now:    time.Now,
			logger: logger,
		},
		urls: fc.URLs,
	}
}

// Fetch downloads every configured stream. Each url's sub-survey (ps13pi,
// ps23pi, pso3, ...) is taken from its path and used for object links.
func (f *PanSTARRS) Fetch(ctx context.Context, withinLastDays int) (*Payload, error) {
	p := newPayload()
	limit := f.windowStart(withinLastDays)

	// one collect per url so each mapper knows its sub-survey
	for _, u := range f.urls {
		sub := panstarrsSubSurvey(u)
		if err := f.collect(ctx, p, panstarrsTable, []string{u}, func(rec Record) (bucket.StagingRow, bool, error) {
			return mapPanSTARRS(rec, sub, limit)
		}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// panstarrsSubSurvey returns the path segment following "sne" in a stream
// url, or "" when there is none.
func panstarrsSubSurvey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "sne" {
			return parts[i+1]
		}
	}
	return ""
}

func mapPanSTARRS(rec Record, sub string, mjdLimit float64) (bucket.StagingRow, bool, error) {
	name := rec.Str("ps1_designation")
	if name == "" {
		return nil, false, fmt.Errorf("empty ps1_designation")
	}
	mjd, err := rec.RequireFloat("mjd_obs")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	ra, err := rec.RequireFloat("ra_psf")
	if err != nil {
		return nil, false, err
	}
	if ra < 0 {
		ra += 360
	}
	dec, err := rec.RequireFloat("dec_psf")
	if err != nil {
		return nil, false, err
	}
	if err := types.ValidateCoordinates(ra, dec); err != nil {
		return nil, false, err
	}
	mag, err := rec.Float("cal_psf_mag")
	if err != nil {
		return nil, false, err
	}
	magErr, err := rec.Float("psf_inst_mag_sig")
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
	setFloat(row, "magerr", magErr)
	setStr(row, "filter", rec.Str("filter"))
	setStr(row, "subsurvey", sub)

	id := rec.Str("transient_object_id")
	if id == "" {
		id = rec.Str("id")
	}
	if sub != "" && id != "" {
		row["objectURL"] = panstarrsSiteURL + sub + "/psdb/candidate/" + id
	}
	return row, true, nil
}
