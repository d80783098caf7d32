package astro

import (
	"fmt"
	"math"
)

// speedOfLight in km/s.
const speedOfLight = 299792.458

// simpsonSteps is the (even) number of intervals used to integrate the
// comoving distance.
const simpsonSteps = 1000

// Cosmology holds the parameters of a Friedmann-Lemaitre model.
type Cosmology struct {
	// H0 is the Hubble constant in km/s/Mpc
	H0 float64

	OmegaM      float64
	OmegaLambda float64
}

// DefaultCosmology is H0=70, OmegaM=0.3, OmegaLambda=0.7.
var DefaultCosmology = Cosmology{H0: 70, OmegaM: 0.3, OmegaLambda: 0.7}

// Validate rejects parameters that cannot produce distances.
func (c Cosmology) Validate() error {
	if c.H0 <= 0 {
		return fmt.Errorf("astro: H0 must be positive, got %g", c.H0)
	}
	if c.OmegaM < 0 || c.OmegaLambda < 0 {
		return fmt.Errorf("astro: density parameters must be non-negative")
	}
	return nil
}

func (c Cosmology) omegaK() float64 {
	return 1 - c.OmegaM - c.OmegaLambda
}

// hubbleDistance returns c/H0 in Mpc.
func (c Cosmology) hubbleDistance() float64 {
	return speedOfLight / c.H0
}

// e returns the dimensionless Hubble parameter E(z).
func (c Cosmology) e(z float64) float64 {
	zp := 1 + z
	return math.Sqrt(c.OmegaM*zp*zp*zp + c.omegaK()*zp*zp + c.OmegaLambda)
}

// ComovingDistance returns the line-of-sight comoving distance in Mpc.
func (c Cosmology) ComovingDistance(z float64) float64 {
	if z <= 0 {
		return 0
	}
	h := z / simpsonSteps
	sum := 1/c.e(0) + 1/c.e(z)
	for i := 1; i < simpsonSteps; i++ {
		w := 2.0
		if i%2 == 1 {
			w = 4.0
		}
		sum += w / c.e(float64(i)*h)
	}
	return c.hubbleDistance() * sum * h / 3
}

// TransverseComovingDistance applies the curvature correction to the
// comoving distance.
func (c Cosmology) TransverseComovingDistance(z float64) float64 {
	dc := c.ComovingDistance(z)
	ok := c.omegaK()
	dh := c.hubbleDistance()
	switch {
	case math.Abs(ok) < 1e-9:
		return dc
	case ok > 0:
		s := math.Sqrt(ok)
		return dh / s * math.Sinh(s*dc/dh)
	default:
		s := math.Sqrt(-ok)
		return dh / s * math.Sin(s*dc/dh)
	}
}

// LuminosityDistance returns the luminosity distance in Mpc.
func (c Cosmology) LuminosityDistance(z float64) float64 {
	return (1 + z) * c.TransverseComovingDistance(z)
}

// DistanceModulus returns 5 log10(DL / 10pc).
func (c Cosmology) DistanceModulus(z float64) float64 {
	return 5*math.Log10(c.LuminosityDistance(z)*1e6) - 5
}
