// Package feeders downloads survey data streams and maps them onto the
// staging tables the identity resolver consumes. Each survey has one
// primary staging table, whose unmatched detections become new objects,
// and optionally secondary tables that only attach to known objects.
package feeders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	"github.com/marshallengine/marshall/internal/config"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

// StagingTable is a staging table a feeder writes to, with the column map
// the resolver reads it through.
type StagingTable struct {
	Schema    types.StagingSchema
	ColumnMap types.ColumnMap

	// Survey is the label recorded on catalog rows copied from the table
	Survey string

	// ImportUnmatched allocates new objects for unmatched detections
	ImportUnmatched bool
}

// Payload is the result of one feeder download.
type Payload struct {
	// Raw holds the downloaded bodies in source order
	Raw [][]byte

	// Rows maps a staging table name to its mapped rows
	Rows map[string][]bucket.StagingRow

	// Skipped counts source rows rejected as malformed
	Skipped int

	// Redshifts maps an object name to the redshift reported for it
	Redshifts map[string]float64
}

func newPayload() *Payload {
	return &Payload{Rows: make(map[string][]bucket.StagingRow)}
}

func (p *Payload) setRedshift(name string, z float64) {
	if p.Redshifts == nil {
		p.Redshifts = make(map[string]float64)
	}
	p.Redshifts[name] = z
}

// Feeder is a survey data stream.
type Feeder interface {
	// Survey returns the survey name used on the command line
	Survey() string

	// Tables returns the staging tables, primary first
	Tables() []StagingTable

	// Fetch downloads and maps the detections of the last withinLastDays
	// days
	Fetch(ctx context.Context, withinLastDays int) (*Payload, error)
}

type constructor func(src *CSVSource, fc config.FeederConfig, logger *zap.Logger) Feeder

type registration struct {
	ctor constructor

	// download is false for feeders whose staging table is filled by
	// another process
	download bool
}

var registry = map[string]registration{
	"panstarrs": {newPanSTARRS, true},
	"atlas":     {newATLAS, true},
	"useradded": {newUserAdded, true},
	"tns":       {newTNS, true},
	"ztf":       {newZTF, false},
}

// Known returns the names of the supported surveys.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the feeder of a survey from its configuration.
func New(survey string, cfg *config.Config, logger *zap.Logger) (Feeder, error) {
	name := strings.ToLower(survey)
	reg, ok := registry[name]
	if !ok {
		return nil, mErrors.NewConfigError(mErrors.CodeInvalidSetting,
			fmt.Sprintf("unknown survey %q (known: %s)", survey, strings.Join(Known(), ", ")))
	}
	logger = logger.Named("feeder").With(zap.String("survey", name))
	fc, ok := cfg.Feeder(name)
	if !reg.download {
		return reg.ctor(nil, fc, logger), nil
	}
	if !ok || len(fc.URLs) == 0 {
		return nil, mErrors.NewConfigError(mErrors.CodeMissingSetting,
			fmt.Sprintf("no feeder urls configured for %s", name))
	}
	src, err := NewCSVSource(fc, logger)
	if err != nil {
		return nil, err
	}
	return reg.ctor(src, fc, logger), nil
}

// base holds what every survey feeder shares.
type base struct {
	survey string
	tables []StagingTable
	source *CSVSource
	now    func() time.Time
	logger *zap.Logger
}

func (b *base) Survey() string { return b.survey }

func (b *base) Tables() []StagingTable { return b.tables }

// mapper turns one CSV record into a staging row. keep is false for rows
// outside the import window.
type mapper func(rec Record) (row bucket.StagingRow, keep bool, err error)

// collect downloads urls and maps every record into table.
func (b *base) collect(ctx context.Context, p *Payload, table string, urls []string, m mapper) error {
	bodies, err := b.source.Download(ctx, urls)
	if err != nil {
		return err
	}
	p.Raw = append(p.Raw, bodies...)

	for i, body := range bodies {
		records, malformed, err := ParseCSV(body, b.source.Delimiter())
		if err != nil {
			return mErrors.NewDataError(mErrors.CodeMalformedRow,
				fmt.Sprintf("unreadable csv from %s", urls[i]), err)
		}
		if malformed > 0 {
			b.logger.Warn("skipped csv lines with the wrong field count",
				zap.String("url", urls[i]), zap.Int("lines", malformed))
		}
		p.Skipped += malformed

		for n, rec := range records {
			row, keep, err := m(rec)
			if err != nil {
				p.Skipped++
				b.logger.Warn("skipping malformed feeder row",
					zap.String("table", table), zap.Int("line", n+2), zap.Error(err))
				continue
			}
			if keep {
				p.Rows[table] = append(p.Rows[table], row)
			}
		}
	}
	return nil
}

func (b *base) windowStart(withinLastDays int) float64 {
	if withinLastDays <= 0 {
		return 0
	}
	return astro.MJDWindowStart(b.now(), withinLastDays)
}
