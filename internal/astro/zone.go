package astro

import "math"

// ZoneID returns the declination zone of dec for zones of the given height:
// floor((dec + 90) / height). Dec +90 falls into the last zone.
func ZoneID(decDeg, heightDeg float64) int64 {
	z := int64(math.Floor((decDeg + 90) / heightDeg))
	if last := MaxZone(heightDeg); z > last {
		z = last
	}
	if z < 0 {
		z = 0
	}
	return z
}

// MaxZone returns the highest zone id for the given zone height.
func MaxZone(heightDeg float64) int64 {
	return int64(math.Ceil(180/heightDeg)) - 1
}

// ZoneRange returns the inclusive range of zones overlapping the
// declination band [decDeg-radiusDeg, decDeg+radiusDeg], clamped to the
// poles.
func ZoneRange(decDeg, radiusDeg, heightDeg float64) (lo, hi int64) {
	return ZoneID(math.Max(decDeg-radiusDeg, -90), heightDeg),
		ZoneID(math.Min(decDeg+radiusDeg, 90), heightDeg)
}

// RAWindow returns the half width in degrees of the RA interval containing
// every point within radiusDeg of a position at decDeg. It reports false
// when the cone reaches a pole, in which case every RA qualifies.
func RAWindow(decDeg, radiusDeg float64) (halfWidth float64, bounded bool) {
	if math.Abs(decDeg)+radiusDeg >= 89.999 {
		return 360, false
	}
	sinR := math.Sin(radiusDeg * math.Pi / 180)
	cosD := math.Cos(decDeg * math.Pi / 180)
	if sinR >= cosD {
		return 360, false
	}
	halfWidth = math.Asin(sinR/cosD) * 180 / math.Pi
	if halfWidth >= 180 {
		return 360, false
	}
	return halfWidth, true
}
