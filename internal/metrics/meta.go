// Package metrics implements C7, the metrics pipeline: a ticking sampler
// scheduler that turns raw counters into a meta/data JSON wire protocol with
// derivation, interpolation, and inter-frame compression, grounded on
// original_source/src/bridge/cockpitmetrics.c.
package metrics

// Semantics classifies how a metric's raw value behaves over time.
type Semantics string

const (
	SemanticsCounter  Semantics = "counter"
	SemanticsInstant  Semantics = "instant"
	SemanticsDiscrete Semantics = "discrete"
)

// Derive selects the post-processing applied to a metric's raw samples
// before they reach the wire (spec §4.6.3).
type Derive string

const (
	DeriveNone  Derive = "none"
	DeriveDelta Derive = "delta"
	DeriveRate  Derive = "rate"
)

// Descriptor is one entry in a meta message's metric list.
type Descriptor struct {
	Name      string    `json:"name"`
	Units     string    `json:"units,omitempty"`
	Semantics Semantics `json:"semantics,omitempty"`
	Derive    Derive    `json:"derive,omitempty"`
	Instances []string  `json:"instances,omitempty"`
}

// Meta is the schema message that must precede any data row describing its
// shape (spec §4.6.1).
type Meta struct {
	Source      string       `json:"source,omitempty"`
	Interval    int64        `json:"interval"`
	Metrics     []Descriptor `json:"metrics"`
	Timestamp   int64        `json:"timestamp,omitempty"`
	Reset       bool         `json:"reset,omitempty"`
}

// equalShape reports whether two metas declare the same metric count and
// per-metric instance sets, ignoring interval/timestamp/reset — used to
// decide whether a new meta message must be emitted (spec §4.6.1/§4.6.2).
func equalShape(a, b Meta) bool {
	if len(a.Metrics) != len(b.Metrics) {
		return false
	}
	for i := range a.Metrics {
		if a.Metrics[i].Name != b.Metrics[i].Name {
			return false
		}
		if !stringSliceEqual(a.Metrics[i].Instances, b.Metrics[i].Instances) {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
