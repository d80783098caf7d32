package astro

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// angularDistance returns the great-circle separation in degrees.
func angularDistance(ra1, dec1, ra2, dec2 float64) float64 {
	a := toVector(ra1, dec1)
	b := toVector(ra2, dec2)
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	return math.Acos(math.Max(-1, math.Min(1, dot))) * 180 / math.Pi
}

// TestProperty_GalacticRoundTrip tests that converting to galactic and back
// returns the original position.
func TestProperty_GalacticRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("equatorial -> galactic -> equatorial is the identity", prop.ForAll(
		func(ra, dec float64) bool {
			l, b := EquatorialToGalactic(ra, dec)
			ra2, dec2 := GalacticToEquatorial(l, b)
			return angularDistance(ra, dec, ra2, dec2) < 1e-9
		},
		gen.Float64Range(0, 359.999999),
		gen.Float64Range(-89.9, 89.9),
	))

	properties.Property("rotation preserves separations", prop.ForAll(
		func(ra1, dec1, ra2, dec2 float64) bool {
			l1, b1 := EquatorialToGalactic(ra1, dec1)
			l2, b2 := EquatorialToGalactic(ra2, dec2)
			return math.Abs(angularDistance(ra1, dec1, ra2, dec2)-angularDistance(l1, b1, l2, b2)) < 1e-8
		},
		gen.Float64Range(0, 359.999999),
		gen.Float64Range(-89.9, 89.9),
		gen.Float64Range(0, 359.999999),
		gen.Float64Range(-89.9, 89.9),
	))

	properties.TestingRun(t)
}

// TestProperty_ZoneContainsDeclination tests that every declination lies
// inside the band of its zone.
func TestProperty_ZoneContainsDeclination(t *testing.T) {
	properties := gopter.NewProperties(nil)
	const height = 0.05

	properties.Property("zone band contains dec", prop.ForAll(
		func(dec float64) bool {
			z := ZoneID(dec, height)
			lo := float64(z)*height - 90
			return dec >= lo-1e-9 && dec <= lo+height+1e-9
		},
		gen.Float64Range(-90, 90),
	))

	properties.TestingRun(t)
}
