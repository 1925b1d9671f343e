package swell

import "math"

// CircularMean returns the vector mean of angles in degrees, weighted by the
// parallel weights slice. Angles near the 0/360 wrap average correctly
// (350 and 10 give ~0, not 180). Returns false when no angles are given or
// all weights are zero. The second return is the resultant length R in [0,1];
// R near 1 means tight agreement, near 0 means the angles cancel out.
func CircularMean(degrees, weights []float64) (mean float64, resultant float64, ok bool) {
	if len(degrees) == 0 || len(degrees) != len(weights) {
		return 0, 0, false
	}

	var sumSin, sumCos, sumW float64
	for i, deg := range degrees {
		w := weights[i]
		if w <= 0 {
			continue
		}
		rad := deg * math.Pi / 180
		sumSin += w * math.Sin(rad)
		sumCos += w * math.Cos(rad)
		sumW += w
	}
	if sumW == 0 {
		return 0, 0, false
	}

	avgSin := sumSin / sumW
	avgCos := sumCos / sumW

	mean = math.Atan2(avgSin, avgCos) * 180 / math.Pi
	if mean < 0 {
		mean += 360
	}
	resultant = math.Sqrt(avgSin*avgSin + avgCos*avgCos)
	return mean, resultant, true
}

// CircularDiff returns the signed difference a-b wrapped to [-180, 180].
func CircularDiff(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}

// AngularDistance returns the absolute circular separation between two
// bearings, in [0, 180].
func AngularDistance(a, b float64) float64 {
	return math.Abs(CircularDiff(a, b))
}
