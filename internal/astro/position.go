package astro

import "math"

// MeanPosition averages positions on the sphere by summing unit vectors, so
// detections either side of RA 0/360 average to a position near 0 rather
// than 180. It reports false for an empty input. Antipodal inputs that
// cancel exactly fall back to the first position.
func MeanPosition(raDeg, decDeg []float64) (ra, dec float64, ok bool) {
	n := len(raDeg)
	if n == 0 || len(decDeg) != n {
		return 0, 0, false
	}
	var sum [3]float64
	for i := 0; i < n; i++ {
		v := toVector(raDeg[i], decDeg[i])
		sum[0] += v[0]
		sum[1] += v[1]
		sum[2] += v[2]
	}
	norm := math.Sqrt(sum[0]*sum[0] + sum[1]*sum[1] + sum[2]*sum[2])
	if norm < 1e-12 {
		return raDeg[0], decDeg[0], true
	}
	ra, dec = fromVector(sum)
	return ra, dec, true
}
