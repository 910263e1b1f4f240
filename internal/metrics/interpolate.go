package metrics

import "math"

// interpolateValue linearly blends prev and next toward the declared
// meta_interval cadence (spec §4.6.4): ratio = meta_interval / actual_interval.
// Either side being unavailable (new instance, NaN) disables interpolation
// for that cell and the raw next value is used untouched.
func interpolateValue(prev, next float64, ratio float64) float64 {
	if math.IsNaN(prev) || math.IsNaN(next) {
		return next
	}
	return prev + (next-prev)*ratio
}
