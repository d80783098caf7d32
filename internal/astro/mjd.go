package astro

import (
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

// mjdOffset is JD - MJD.
const mjdOffset = 2400000.5

// MJDToTime converts a modified Julian date to a UTC time.
func MJDToTime(mjd float64) time.Time {
	return julian.JDToTime(mjd + mjdOffset).UTC()
}

// TimeToMJD converts a time to a modified Julian date.
func TimeToMJD(t time.Time) float64 {
	return julian.TimeToJD(t.UTC()) - mjdOffset
}

// MJDWindowStart returns the MJD withinLastDays before now.
func MJDWindowStart(now time.Time, withinLastDays int) float64 {
	return TimeToMJD(now) - float64(withinLastDays)
}
