package types

import (
	"fmt"
	"math"
	"time"
)

// StagedDetection is one row of a feeder survey staging table, read through
// the table's ColumnMap. Optional columns are nil when the table does not
// map them or the row holds NULL.
type StagedDetection struct {
	// RowID is the staging table primary key (primary_id)
	RowID int64

	// Name is the survey-assigned candidate name
	Name string

	RADeg  *float64
	DecDeg *float64

	Magnitude      *float64
	MagnitudeError *float64
	Filter         *string
	ObservationMJD *float64

	// LimitingMag is true when the row is a non-detection (upper limit)
	LimitingMag bool

	ObjectURL *string

	// Ingested is true once the row has been copied into the transient bucket
	Ingested bool

	// SharedID is nil until the identity resolver assigns the row an object
	SharedID *SharedID
}

// HasCoordinates reports whether both RA and Dec are present.
func (d *StagedDetection) HasCoordinates() bool {
	return d.RADeg != nil && d.DecDeg != nil
}

// Validate checks the fields the catalog relies on. A detection without
// coordinates is valid (name-only surveys); one with out-of-range or
// non-finite coordinates is not.
func (d *StagedDetection) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: staged row %d has an empty name", ErrMalformedRow, d.RowID)
	}
	if (d.RADeg == nil) != (d.DecDeg == nil) {
		return fmt.Errorf("%w: staged row %d (%s) has only one of ra/dec", ErrMalformedCoordinates, d.RowID, d.Name)
	}
	if d.HasCoordinates() {
		if err := ValidateCoordinates(*d.RADeg, *d.DecDeg); err != nil {
			return fmt.Errorf("staged row %d (%s): %w", d.RowID, d.Name, err)
		}
	}
	return nil
}

// ValidateCoordinates checks that ra lies in [0, 360) and dec in [-90, 90].
func ValidateCoordinates(raDeg, decDeg float64) error {
	if math.IsNaN(raDeg) || math.IsInf(raDeg, 0) || math.IsNaN(decDeg) || math.IsInf(decDeg, 0) {
		return fmt.Errorf("%w: non-finite position (%v, %v)", ErrMalformedCoordinates, raDeg, decDeg)
	}
	if raDeg < 0 || raDeg >= 360 {
		return fmt.Errorf("%w: ra %.6f outside [0, 360)", ErrMalformedCoordinates, raDeg)
	}
	if decDeg < -90 || decDeg > 90 {
		return fmt.Errorf("%w: dec %.6f outside [-90, 90]", ErrMalformedCoordinates, decDeg)
	}
	return nil
}

// CatalogEntry is one transient bucket row: a single detection of an object
// by a survey, copied from a staging table.
type CatalogEntry struct {
	PrimaryKeyID int64
	SharedID     SharedID
	Name         string
	Survey       string

	RADeg  *float64
	DecDeg *float64

	Magnitude       *float64
	MagnitudeError  *float64
	Filter          *string
	ObservationMJD  *float64
	ObservationDate *time.Time
	LimitingMag     bool
	ObjectURL       *string

	// MasterIDFlag marks the one canonical row of the SharedID group
	MasterIDFlag bool

	// ZoneID is the declination zone of the position (spatial index column)
	ZoneID *int64

	// SourceTable and SourceRowID identify the staging row this was copied from
	SourceTable string
	SourceRowID int64

	// ReplacedBy is the soft-delete marker: 0 for live rows
	ReplacedBy int64

	CreatedAt time.Time
}

