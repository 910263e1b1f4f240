package metrics

import "math"

// deriveValue implements spec §4.6.3's per-metric derivation modes.
// hasPrevious is false on a metric/instance's first tick (new instance, or
// the channel's very first sample); the result is JSON `false` in that case
// for delta/rate, matching "first sample is false".
func deriveValue(mode Derive, current float64, previous float64, hasPrevious bool, dtMillis int64) any {
	switch mode {
	case DeriveDelta:
		if !hasPrevious || math.IsNaN(previous) || math.IsNaN(current) {
			return false
		}
		return current - previous
	case DeriveRate:
		if !hasPrevious || math.IsNaN(previous) || math.IsNaN(current) || dtMillis <= 0 {
			return false
		}
		return (current - previous) * 1000 / float64(dtMillis)
	default: // DeriveNone, ""
		if math.IsNaN(current) {
			return false
		}
		return current
	}
}
