// Package astro holds the small amount of positional astronomy the marshall
// needs: galactic coordinates, declination zones, mean positions, MJD
// conversions and luminosity distances.
package astro

import (
	"math"
)

// icrsToGalactic is the Hipparcos rotation from ICRS (J2000) equatorial to
// galactic cartesian coordinates.
var icrsToGalactic = [3][3]float64{
	{-0.0548755604162154, -0.8734370902348850, -0.4838350155487132},
	{+0.4941094278755837, -0.4448296299600112, +0.7469822444972189},
	{-0.8676661490190047, -0.1980763734312015, +0.4559837761750669},
}

// EquatorialToGalactic converts an ICRS position to galactic longitude and
// latitude, all in degrees. l is normalised to [0, 360).
func EquatorialToGalactic(raDeg, decDeg float64) (lDeg, bDeg float64) {
	v := toVector(raDeg, decDeg)
	var g [3]float64
	for i := 0; i < 3; i++ {
		g[i] = icrsToGalactic[i][0]*v[0] + icrsToGalactic[i][1]*v[1] + icrsToGalactic[i][2]*v[2]
	}
	return fromVector(g)
}

// GalacticToEquatorial is the inverse of EquatorialToGalactic.
func GalacticToEquatorial(lDeg, bDeg float64) (raDeg, decDeg float64) {
	g := toVector(lDeg, bDeg)
	var v [3]float64
	for i := 0; i < 3; i++ {
		// the rotation is orthonormal, so its inverse is the transpose
		v[i] = icrsToGalactic[0][i]*g[0] + icrsToGalactic[1][i]*g[1] + icrsToGalactic[2][i]*g[2]
	}
	return fromVector(v)
}

func toVector(lonDeg, latDeg float64) [3]float64 {
	sl, cl := math.Sincos(lonDeg * math.Pi / 180)
	sb, cb := math.Sincos(latDeg * math.Pi / 180)
	return [3]float64{cb * cl, cb * sl, sb}
}

func fromVector(v [3]float64) (lonDeg, latDeg float64) {
	r := math.Hypot(v[0], v[1])
	latDeg = math.Atan2(v[2], r) * 180 / math.Pi
	if r == 0 {
		return 0, latDeg
	}
	lonDeg = math.Atan2(v[1], v[0]) * 180 / math.Pi
	return NormalizeRA(lonDeg), latDeg
}

// NormalizeRA wraps an angle in degrees into [0, 360).
func NormalizeRA(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
