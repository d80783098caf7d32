// Package lightcurve exports the detections of one object.
package lightcurve

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/marshallengine/marshall/internal/bucket"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", mErrors.NewConfigError(mErrors.CodeInvalidSetting,
		fmt.Sprintf("unknown lightcurve format %q (must be csv or json)", s))
}

// Store is the part of the bucket store the exporter reads.
type Store interface {
	Master(ctx context.Context, id types.SharedID) (*types.CatalogEntry, error)
	Detections(ctx context.Context, id types.SharedID) ([]types.CatalogEntry, error)
}

// Point is one exported detection.
type Point struct {
	MJD            *float64 `json:"mjd"`
	Magnitude      *float64 `json:"mag"`
	MagnitudeError *float64 `json:"mag_err"`
	Filter         string   `json:"filter"`
	Survey         string   `json:"survey"`
	Name           string   `json:"name"`
	LimitingMag    bool     `json:"limiting_mag"`
}

// Lightcurve is the JSON document of an export.
type Lightcurve struct {
	SharedID types.SharedID `json:"shared_id"`
	Name     string         `json:"name"`
	Points   []Point        `json:"points"`
}

// Exporter writes lightcurves.
type Exporter struct {
	store Store
}

// NewExporter creates an exporter.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// Load returns the live detections of an object in MJD order.
func (e *Exporter) Load(ctx context.Context, id types.SharedID) (*Lightcurve, error) {
	master, err := e.store.Master(ctx, id)
	if errors.Is(err, bucket.ErrNotFound) {
		return nil, mErrors.NewDataError(mErrors.CodeMalformedRow, fmt.Sprintf("object %s not found", id), err)
	}
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to read master row", err)
	}
	dets, err := e.store.Detections(ctx, id)
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDatabaseUnavailable, "failed to read detections", err)
	}

	lc := &Lightcurve{SharedID: id, Name: master.Name, Points: make([]Point, 0, len(dets))}
	for _, d := range dets {
		p := Point{
			MJD:            d.ObservationMJD,
			Magnitude:      d.Magnitude,
			MagnitudeError: d.MagnitudeError,
			Survey:         d.Survey,
			Name:           d.Name,
			LimitingMag:    d.LimitingMag,
		}
		if d.Filter != nil {
			p.Filter = *d.Filter
		}
		lc.Points = append(lc.Points, p)
	}
	return lc, nil
}

// Export writes the lightcurve of id to w.
func (e *Exporter) Export(ctx context.Context, id types.SharedID, w io.Writer, format Format) error {
	if _, err := ParseFormat(string(format)); err != nil {
		return err
	}
	lc, err := e.Load(ctx, id)
	if err != nil {
		return err
	}
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(lc)
	}
	return writeCSV(w, lc)
}

var csvHeader = []string{"mjd", "mag", "mag_err", "filter", "limiting_mag", "survey", "name"}

func writeCSV(w io.Writer, lc *Lightcurve) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range lc.Points {
		limit := "0"
		if p.LimitingMag {
			limit = "1"
		}
		rec := []string{formatFloat(p.MJD), formatFloat(p.Magnitude), formatFloat(p.MagnitudeError),
			p.Filter, limit, p.Survey, p.Name}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
