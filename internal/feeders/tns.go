package feeders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	"github.com/marshallengine/marshall/pkg/types"
)

const (
	tnsSourcesTable    = "tns_sources"
	tnsPhotometryTable = "tns_photometry"
	tnsSpectraTable    = "tns_spectra"
	tnsObjectURL       = "https://www.wis-tns.org/object/"
)

var tnsSourcesSchema = types.StagingSchema{
	Table: tnsSourcesTable,
	Columns: []types.ColumnDef{
		{Name: "TNSName", Type: "TEXT"},
		{Name: "raDeg", Type: "REAL", Nullable: true},
		{Name: "decDeg", Type: "REAL", Nullable: true},
		{Name: "discoveryMag", Type: "REAL", Nullable: true},
		{Name: "discoveryMagFilter", Type: "TEXT", Nullable: true},
		{Name: "discoveryMJD", Type: "REAL", Nullable: true},
		{Name: "discSurvey", Type: "TEXT", Nullable: true},
		{Name: "specType", Type: "TEXT", Nullable: true},
		{Name: "transRedshift", Type: "REAL", Nullable: true},
		{Name: "objectUrl", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"TNSName"},
}

var tnsSourcesColumns = types.ColumnMap{Table: tnsSourcesTable, Columns: map[types.Role]string{
	types.RoleName:           "TNSName",
	types.RoleRADeg:          "raDeg",
	types.RoleDecDeg:         "decDeg",
	types.RoleMagnitude:      "discoveryMag",
	types.RoleFilter:         "discoveryMagFilter",
	types.RoleObservationMJD: "discoveryMJD",
	types.RoleObjectURL:      "objectUrl",
}}

var tnsPhotometrySchema = types.StagingSchema{
	Table: tnsPhotometryTable,
	Columns: []types.ColumnDef{
		{Name: "TNSName", Type: "TEXT"},
		{Name: "mjd", Type: "REAL", Nullable: true},
		{Name: "mag", Type: "REAL", Nullable: true},
		{Name: "magErr", Type: "REAL", Nullable: true},
		{Name: "filter", Type: "TEXT", Nullable: true},
		{Name: "limitingMag", Type: "INTEGER", Nullable: true},
		{Name: "survey", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"TNSName", "mjd", "filter"},
}

var tnsPhotometryColumns = types.ColumnMap{Table: tnsPhotometryTable, Columns: map[types.Role]string{
	types.RoleName:           "TNSName",
	types.RoleObservationMJD: "mjd",
	types.RoleMagnitude:      "mag",
	types.RoleMagnitudeError: "magErr",
	types.RoleFilter:         "filter",
	types.RoleLimitingMag:    "limitingMag",
}}

var tnsSpectraSchema = types.StagingSchema{
	Table: tnsSpectraTable,
	Columns: []types.ColumnDef{
		{Name: "TNSName", Type: "TEXT"},
		{Name: "mjd", Type: "REAL", Nullable: true},
		{Name: "specType", Type: "TEXT", Nullable: true},
		{Name: "transRedshift", Type: "REAL", Nullable: true},
		{Name: "survey", Type: "TEXT", Nullable: true},
		{Name: "reportUrl", Type: "TEXT", Nullable: true},
	},
	UniqueKey: []string{"TNSName", "mjd"},
}

var tnsSpectraColumns = types.ColumnMap{Table: tnsSpectraTable, Columns: map[types.Role]string{
	types.RoleName:           "TNSName",
	types.RoleObservationMJD: "mjd",
	types.RoleObjectURL:      "reportUrl",
}}

// TNS imports the Transient Name Server sources and, when configured, the
// photometry and classification spectra reported for them. Photometry and
// spectra only attach to known objects; spectra also carry the redshifts
// used for summary distances.
type TNS struct {
	base
	urls           []string
	photometryURLs []string
	spectraURLs    []string
}

func newTNS(src *CSVSource, fc config.FeederConfig, logger *zap.Logger) Feeder {
	tables := []StagingTable{{
		Schema:          tnsSourcesSchema,
		ColumnMap:       tnsSourcesColumns,
		Survey:          "TNS",
		ImportUnmatched: true,
	}}
	if len(fc.PhotometryURLs) > 0 {
		tables = append(tables, StagingTable{
			Schema:    tnsPhotometrySchema,
			ColumnMap: tnsPhotometryColumns,
			Survey:    "TNS",
		})
	}
	if len(fc.SpectraURLs) > 0 {
		tables = append(tables, StagingTable{
			Schema:    tnsSpectraSchema,
			ColumnMap: tnsSpectraColumns,
			Survey:    "TNS",
		})
	}
	return &TNS{
		base: base{
			survey: "tns",
			tables: tables,
			source: src,
			now:    time.Now,
			logger: logger,
		},
		urls:           fc.URLs,
		photometryURLs: fc.PhotometryURLs,
		spectraURLs:    fc.SpectraURLs,
	}
}

// redshiftPicker keeps the redshift of the most recent report per name.
type redshiftPicker struct {
	z   map[string]float64
	mjd map[string]float64
}

func newRedshiftPicker() *redshiftPicker {
	return &redshiftPicker{z: make(map[string]float64), mjd: make(map[string]float64)}
}

func (r *redshiftPicker) offer(name string, z *float64, mjd float64) {
	if z == nil || *z < 0 {
		return
	}
	if prev, ok := r.mjd[name]; ok && prev > mjd {
		return
	}
	r.z[name] = *z
	r.mjd[name] = mjd
}

// Fetch downloads sources, photometry and spectra.
func (f *TNS) Fetch(ctx context.Context, withinLastDays int) (*Payload, error) {
	p := newPayload()
	limit := f.windowStart(withinLastDays)
	sourceZ, spectrumZ := newRedshiftPicker(), newRedshiftPicker()

	if err := f.collect(ctx, p, tnsSourcesTable, f.urls, func(rec Record) (bucket.StagingRow, bool, error) {
		return mapTNSSource(rec, limit, sourceZ)
	}); err != nil {
		return nil, err
	}
	if len(f.photometryURLs) > 0 {
		if err := f.collect(ctx, p, tnsPhotometryTable, f.photometryURLs, func(rec Record) (bucket.StagingRow, bool, error) {
			return mapTNSPhotometry(rec, limit)
		}); err != nil {
			return nil, err
		}
	}
	if len(f.spectraURLs) > 0 {
		if err := f.collect(ctx, p, tnsSpectraTable, f.spectraURLs, func(rec Record) (bucket.StagingRow, bool, error) {
			return mapTNSSpectrum(rec, limit, spectrumZ)
		}); err != nil {
			return nil, err
		}
	}

	// a classification spectrum outranks the redshift on the source record
	for name, z := range sourceZ.z {
		p.setRedshift(name, z)
	}
	for name, z := range spectrumZ.z {
		p.setRedshift(name, z)
	}
	return p, nil
}

// tnsName normalises "SN 2024abc" to "SN2024abc".
func tnsName(rec Record) (string, error) {
	name := strings.ReplaceAll(rec.Str("TNSName"), " ", "")
	if name == "" {
		return "", fmt.Errorf("empty TNSName")
	}
	return name, nil
}

func mapTNSSource(rec Record, mjdLimit float64, zs *redshiftPicker) (bucket.StagingRow, bool, error) {
	name, err := tnsName(rec)
	if err != nil {
		return nil, false, err
	}
	mjd, err := rec.RequireFloat("discoveryMJD")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	ra, err := rec.RequireFloat("raDeg")
	if err != nil {
		return nil, false, err
	}
	dec, err := rec.RequireFloat("decDeg")
	if err != nil {
		return nil, false, err
	}
	if err := types.ValidateCoordinates(ra, dec); err != nil {
		return nil, false, err
	}
	mag, err := rec.Float("discoveryMag")
	if err != nil {
		return nil, false, err
	}
	z, err := rec.Float("transRedshift")
	if err != nil {
		return nil, false, err
	}

	row := bucket.StagingRow{
		"TNSName":      name,
		"raDeg":        ra,
		"decDeg":       dec,
		"discoveryMJD": mjd,
		"objectUrl":    tnsObjectURL + strings.TrimLeft(name, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"),
	}
	setFloat(row, "discoveryMag", mag)
	setFloat(row, "transRedshift", z)
	setStr(row, "discoveryMagFilter", rec.Str("discoveryMagFilter"))
	setStr(row, "discSurvey", rec.Str("discSurvey"))
	setStr(row, "specType", rec.Str("specType"))
	zs.offer(name, z, mjd)
	return row, true, nil
}

func mapTNSPhotometry(rec Record, mjdLimit float64) (bucket.StagingRow, bool, error) {
	name, err := tnsName(rec)
	if err != nil {
		return nil, false, err
	}
	mjd, err := rec.RequireFloat("mjd")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	mag, err := rec.Float("mag")
	if err != nil {
		return nil, false, err
	}
	magErr, err := rec.Float("magErr")
	if err != nil {
		return nil, false, err
	}
	limit, err := rec.Float("limitingMag")
	if err != nil {
		return nil, false, err
	}

	row := bucket.StagingRow{"TNSName": name, "mjd": mjd, "limitingMag": 0}
	if limit != nil && *limit != 0 {
		row["limitingMag"] = 1
	}
	setFloat(row, "mag", mag)
	setFloat(row, "magErr", magErr)
	setStr(row, "filter", rec.Str("filter"))
	setStr(row, "survey", rec.Str("survey"))
	return row, true, nil
}

func mapTNSSpectrum(rec Record, mjdLimit float64, zs *redshiftPicker) (bucket.StagingRow, bool, error) {
	name, err := tnsName(rec)
	if err != nil {
		return nil, false, err
	}
	mjd, err := rec.RequireFloat("mjd")
	if err != nil {
		return nil, false, err
	}
	if mjd < mjdLimit {
		return nil, false, nil
	}
	z, err := rec.Float("transRedshift")
	if err != nil {
		return nil, false, err
	}
	if z != nil && *z < 0 {
		return nil, false, fmt.Errorf("negative redshift %v", *z)
	}

	row := bucket.StagingRow{"TNSName": name, "mjd": mjd}
	setFloat(row, "transRedshift", z)
	setStr(row, "specType", rec.Str("specType"))
	setStr(row, "survey", rec.Str("survey"))
	setStr(row, "reportUrl", rec.Str("reportUrl"))
	zs.offer(name, z, mjd)
	return row, true, nil
}
