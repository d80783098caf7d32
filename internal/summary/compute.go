package summary

import (
	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/pkg/types"
)

// Compute derives the summary fields of an object from its master row and
// live detections. Upper limits do not count as detections. Redshift and
// distance are left nil; they are owned by RecordRedshift and the distance
// pass.
func Compute(master *types.CatalogEntry, dets []types.CatalogEntry, zoneHeightDeg float64) *types.ObjectSummary {
	sum := &types.ObjectSummary{
		SharedID:     master.SharedID,
		Name:         master.Name,
		UpdateNeeded: types.UpdateClean,
	}

	if master.RADeg != nil && master.DecDeg != nil {
		ra, dec := *master.RADeg, *master.DecDeg
		l, b := astro.EquatorialToGalactic(ra, dec)
		zone := astro.ZoneID(dec, zoneHeightDeg)
		sum.RADeg, sum.DecDeg = &ra, &dec
		sum.GLonDeg, sum.GLatDeg = &l, &b
		sum.ZoneID = &zone
	}

	for i := range dets {
		d := &dets[i]
		if d.LimitingMag {
			continue
		}
		sum.DetectionCount++

		if d.ObservationMJD != nil {
			mjd := *d.ObservationMJD
			if sum.EarliestMJD == nil || mjd < *sum.EarliestMJD {
				sum.EarliestMJD = floatPtr(mjd)
			}
			if sum.LatestMJD == nil || mjd > *sum.LatestMJD {
				sum.LatestMJD = floatPtr(mjd)
			}
		}

		if d.Magnitude == nil {
			continue
		}
		mag := *d.Magnitude
		if sum.PeakMag == nil || mag < *sum.PeakMag {
			sum.PeakMag = floatPtr(mag)
		}
		if d.ObservationMJD != nil && (sum.CurrentMagMJD == nil || *d.ObservationMJD >= *sum.CurrentMagMJD) {
			sum.CurrentMag = floatPtr(mag)
			sum.CurrentMagMJD = floatPtr(*d.ObservationMJD)
		}
	}
	return sum
}

func floatPtr(v float64) *float64 {
	return &v
}
