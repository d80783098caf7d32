package feeders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

const (
	atlasTable       = "fs_atlas"
	atlasForcedTable = "fs_atlas_forced_phot"
	atlasCandidate   = "https://star.pst.qub.ac.uk/sne/atlas4/candidate/"
)

var atlasSchema = types.StagingSchema{
	Table: atlasTable,
	Columns: []types.ColumnDef{
		{Name: "candidateID", Type: "TEXT"},
		{Name: "ra_deg", Type: "REAL", Nullable: true},
		{Name: "dec_deg", Type: "REAL", Nullable: true},
		{Name: "mag", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "observationMJD", Type: "REAL", Nullable: true},
		{Name: "suggestedType", Type: "TEXT", Nullable: true},
		{Name: "objectURL", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"candidateID", "observationMJD", "filter"},
}

var atlasColumns = types.ColumnMap{Table: atlasTable, Columns: map[types.Role]string{
	types.RoleName:           "candidateID",
	types.RoleRADeg:          "ra_deg",
	types.RoleDecDeg:         "dec_deg",
	types.RoleMagnitude:      "mag",
	types.RoleFilter:         "filter",
	types.RoleObservationMJD: "observationMJD",
	types.RoleObjectURL:      "objectURL",
}}

var atlasForcedSchema = types.StagingSchema{
	Table: atlasForcedTable,
	Columns: []types.ColumnDef{
		{Name: "atlas_designation", Type: "TEXT"},
		{Name: "ra_deg", Type: "REAL", Nullable: true},
		{Name: "dec_deg", Type: "REAL", Nullable: true},
		{Name: "mjd_obs", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "mag", Type: "REAL", Nullable: true},
		{Name: "dm", Type: "REAL", Nullable: true},
		{Name: "limiting_mag", Type: "INTEGER", Nullable: true},
	},
	UniqueKey: []string{"atlas_designation", "mjd_obs", "filter"},
}

var atlasForcedColumns = types.ColumnMap{Table: atlasForcedTable, Columns: map[types.Role]string{
	types.RoleName:           "atlas_designation",
	types.RoleRADeg:          "ra_deg",
	types.RoleDecDeg:         "dec_deg",
	types.RoleObservationMJD: "mjd_obs",
	types.RoleFilter:         "filter",
	types.RoleMagnitude:      "mag",
	types.RoleMagnitudeError: "dm",
	types.RoleLimitingMag:    "limiting_mag",
}}

// ATLAS imports the ATLAS summary stream and, when configured, its forced
// photometry. Forced photometry never creates objects.
type ATLAS struct {
	base
	urls       []string
	forcedURLs []string
}

func newATLAS(src *CSVSource, fc config.FeederConfig, logger *zap.Logger) Feeder {
	tables := []StagingTable{{
		Schema:          atlasSchema,
		ColumnMap:       atlasColumns,
		Survey:          "ATLAS",
		ImportUnmatched: true,
	}}
	if len(fc.ForcedPhotURLs) > 0 {
		tables = append(tables, StagingTable{
			Schema:    atlasForcedSchema,
			ColumnMap: atlasForcedColumns,
			Survey:    "ATLAS FP",
		})
	}
	return &ATLAS{
		base: base{
			survey: "atlas",
			tables: tables,
			source: src,
			now:    time.Now,
			logger: logger,
		},
		urls:       fc.URLs,
		forcedURLs: fc.ForcedPhotURLs,
	}
}

// Fetch downloads the summary stream and forced photometry.
func (f *ATLAS) Fetch(ctx context.Context, withinLastDays int) (*Payload, error) {
	p := newPayload()
	limit := f.windowStart(withinLastDays)

	if err := f.collect(ctx, p, atlasTable, f.urls, func(rec Record) (bucket.StagingRow, bool, error) {
		return mapATLAS(rec, limit)
	}); err != nil {
		return nil, err
	}
	if len(f.forcedURLs) > 0 {
		if err := f.collect(ctx, p, atlasForcedTable, f.forcedURLs, func(rec Record) (bucket.StagingRow, bool, error) {
			return mapATLASForced(rec, limit)
		}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var flagDateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseFlagDate(v string) (float64, error) {
	for _, layout := range flagDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return astro.TimeToMJD(t), nil
		}
	}
	return 0, fmt.Errorf("unparseable followup_flag_date %q", v)
}

// atlasCandidateURL builds the candidate page link from the first of the
// target, ref and diff stamp names (<id>_<mjd>_...).
func atlasCandidateURL(rec Record) string {
	for _, col := range []string{"target", "ref", "diff"} {
		stamp := rec.Str(col)
		if stamp == "" {
			continue
		}
		if id, _, ok := strings.Cut(stamp, "_"); ok && id != "" {
			return atlasCandidate + id
		}
	}
	return ""
}

// mapATLAS keeps a candidate when either its earliest detection or its
// follow-up flag date falls inside the window.
func mapATLAS(rec Record, mjdLimit float64) (bucket.StagingRow, bool, error) {
	name := rec.Str("name")
	if name == "" {
		return nil, false, fmt.Errorf("empty name")
	}
	mjd, err := rec.RequireFloat("earliest_mjd")
	if err != nil {
		return nil, false, err
	}
	if mjdLimit > 0 && mjd < mjdLimit {
		flag := rec.Str("followup_flag_date")
		if flag == "" {
			return nil, false, nil
		}
		flagMJD, err := parseFlagDate(flag)
		if err != nil {
			return nil, false, err
		}
		if flagMJD < mjdLimit {
			return nil, false, nil
		}
	}

	ra, err := rec.RequireFloat("ra")
	if err != nil {
		return nil, false, err
	}
	dec, err := rec.RequireFloat("dec")
	if err != nil {
		return nil, false, err
	}
	if err := types.ValidateCoordinates(ra, dec); err != nil {
		return nil, false, err
	}
	mag, err := rec.Float("earliest_mag")
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
	setStr(row, "filter", rec.Str("earliest_filter"))
	setStr(row, "suggestedType", rec.Str("object_classification"))
	setStr(row, "objectURL", atlasCandidateURL(rec))
	return row, true, nil
}

// mapATLASForced maps one forced photometry epoch. Epochs without a
// measured magnitude are stored as upper limits.
func mapATLASForced(rec Record, mjdLimit float64) (bucket.StagingRow, bool, error) {
	name := rec.Str("atlas_designation")
	if name == "" {
		return nil, false, fmt.Errorf("empty atlas_designation")
	}
	mjd, err := rec.RequireFloat("mjd_obs")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	ra, err := rec.Float("ra")
	if err != nil {
		return nil, false, err
	}
	dec, err := rec.Float("dec")
	if err != nil {
		return nil, false, err
	}
	if ra != nil && dec != nil {
		if err := types.ValidateCoordinates(*ra, *dec); err != nil {
			return nil, false, err
		}
	}
	mag, err := rec.Float("marshall_mag")
	if err != nil {
		return nil, false, err
	}
	dm, err := rec.Float("marshall_mag_error")
	if err != nil {
		return nil, false, err
	}
	limit, err := rec.Float("marshall_limiting_mag")
	if err != nil {
		return nil, false, err
	}

	row := bucket.StagingRow{
		"atlas_designation": name,
		"mjd_obs":           mjd,
		"limiting_mag":      0,
	}
	setFloat(row, "ra_deg", ra)
	setFloat(row, "dec_deg", dec)
	setStr(row, "filter", rec.Str("filter"))
	switch {
	case mag != nil:
		row["mag"] = *mag
		setFloat(row, "dm", dm)
	case limit != nil:
		row["mag"] = *limit
		row["limiting_mag"] = 1
	}
	return row, true, nil
}
