package metrics

import (
	"time"

	log "github.com/inconshreveable/log15"
)

// Pipeline drives one metrics channel's tick loop: it owns the meta schema,
// the per-metric instance sets, and the derivation/interpolation/compression
// history needed to honor spec §4.6 on every tick.
type Pipeline struct {
	log log.Logger

	descriptors []Descriptor
	metricIndex map[string]int
	instanced   []bool
	tracks      []*instanceTrack // nil entry for non-instanced metrics

	source             string
	metaIntervalMs     int64
	interpolateEnabled bool
	compressEnabled    bool

	samplers []Sampler

	nextValues []map[string]float64 // per metric: instance name ("" if non-instanced) -> raw value this tick
	prevValues []map[string]float64 // per metric: the pre-derivation value used last tick (raw, or interpolated if smoothing is on), keyed the same way; this is the "previous" derive() reads
	prevOutput []map[string]any     // derived (pre-compression) output from the previous tick, for compression

	lastMeta        Meta
	firstTick       bool
	lastTimestampMs int64

	OnMeta func(Meta)
	OnData func(row []any)
}

// NewPipeline builds a Pipeline. interval is the declared sample interval in
// milliseconds; interpolate/compress default true per spec §4.6.4/§4.6.5.
func NewPipeline(source string, descriptors []Descriptor, intervalMs int64, interpolate, compress bool, samplers []Sampler, logger log.Logger) *Pipeline {
	p := &Pipeline{
		log:                logger.New("component", "metrics-pipeline", "source", source),
		descriptors:        descriptors,
		metricIndex:        map[string]int{},
		instanced:          make([]bool, len(descriptors)),
		tracks:             make([]*instanceTrack, len(descriptors)),
		source:             source,
		metaIntervalMs:     intervalMs,
		interpolateEnabled: interpolate,
		compressEnabled:    compress,
		samplers:           samplers,
		nextValues:         make([]map[string]float64, len(descriptors)),
		prevValues:         make([]map[string]float64, len(descriptors)),
		prevOutput:         make([]map[string]any, len(descriptors)),
		firstTick:          true,
	}
	for i, d := range descriptors {
		p.metricIndex[d.Name] = i
		if d.Instances != nil {
			p.instanced[i] = true
			p.tracks[i] = newInstanceTrack(d.Instances)
		}
	}
	return p
}

func (p *Pipeline) sampleInto(metric, instance string, value float64) {
	idx, ok := p.metricIndex[metric]
	if !ok {
		return
	}
	if p.nextValues[idx] == nil {
		p.nextValues[idx] = map[string]float64{}
	}
	if p.instanced[idx] {
		p.tracks[idx].mark(instance)
		p.nextValues[idx][instance] = value
	} else {
		p.nextValues[idx][""] = value
	}
}

// Tick runs one full sample/derive/interpolate/compress cycle at now and
// invokes OnMeta (if the schema changed or this is the first tick) followed
// by exactly one OnData call (spec §4.6.2).
func (p *Pipeline) Tick(now time.Time) {
	for i := range p.nextValues {
		p.nextValues[i] = nil
		if p.instanced[i] {
			p.tracks[i].resetSeen()
		}
	}

	c := &Collector{p: p}
	for _, s := range p.samplers {
		if err := s.Collect(c); err != nil {
			p.log.Warn("sampler failed", "sampler", s.Name(), "err", err)
		}
	}

	for i := range p.instanced {
		if p.instanced[i] {
			p.tracks[i].dropUnseen()
		}
	}

	nowMs := now.UnixMilli()
	candidate := p.buildMeta(nowMs)
	reset := p.firstTick || !equalShape(candidate, p.lastMeta)
	candidate.Reset = reset
	if reset {
		p.lastMeta = candidate
		if p.OnMeta != nil {
			p.OnMeta(candidate)
		}
	}

	// Interpolation aligns every tick onto the nominal metaIntervalMs cadence:
	// once smoothing is active, lastTimestampMs always advances by exactly
	// metaIntervalMs regardless of the real gap between samples, and the
	// "previous" value derive() sees is the prior tick's effective (possibly
	// interpolated) value rather than its raw sample (spec §4.6.3/§4.6.4).
	gapMs := nowMs - p.lastTimestampMs
	useInterpolation := p.interpolateEnabled && !reset && gapMs > 0 && gapMs != p.metaIntervalMs
	var ratio float64
	dtForDerive := gapMs
	nextTimestampMs := nowMs
	if !reset && p.interpolateEnabled {
		dtForDerive = p.metaIntervalMs
		nextTimestampMs = p.lastTimestampMs + p.metaIntervalMs
	}
	if useInterpolation {
		ratio = float64(p.metaIntervalMs) / float64(gapMs)
	}

	row := make([]any, len(p.descriptors))
	outputs := make([]map[string]any, len(p.descriptors))
	effective := make([]map[string]float64, len(p.descriptors))

	for i, d := range p.descriptors {
		if p.instanced[i] {
			names := p.tracks[i].names
			values := map[string]any{}
			eff := map[string]float64{}
			for _, name := range names {
				raw := p.nextValues[i][name]
				previous, hasPrev := float64(0), false
				if p.prevValues[i] != nil {
					previous, hasPrev = p.prevValues[i][name]
				}
				current := raw
				if useInterpolation && hasPrev {
					current = interpolateValue(previous, raw, ratio)
				}
				eff[name] = current
				values[name] = deriveValue(d.Derive, current, previous, hasPrev && !reset, dtForDerive)
			}
			effective[i] = eff
			outputs[i] = values
			if p.compressEnabled && !reset {
				row[i] = compressInstanced(names, values, p.prevOutput[i])
			} else {
				arr := make([]any, len(names))
				for j, name := range names {
					arr[j] = values[name]
				}
				row[i] = arr
			}
		} else {
			raw := p.nextValues[i][""]
			previous, hasPrev := float64(0), false
			if p.prevValues[i] != nil {
				previous, hasPrev = p.prevValues[i][""]
			}
			current := raw
			if useInterpolation && hasPrev {
				current = interpolateValue(previous, raw, ratio)
			}
			effective[i] = map[string]float64{"": current}
			out := deriveValue(d.Derive, current, previous, hasPrev && !reset, dtForDerive)
			outputs[i] = map[string]any{"": out}
			if p.compressEnabled && !reset {
				var prevScalar any
				havePrev := false
				if p.prevOutput[i] != nil {
					prevScalar, havePrev = p.prevOutput[i][""]
				}
				row[i] = compressScalar(out, prevScalar, havePrev)
			} else {
				row[i] = out
			}
		}
	}

	if p.OnData != nil {
		p.OnData(row)
	}

	p.prevValues = effective
	p.prevOutput = outputs
	p.lastTimestampMs = nextTimestampMs
	p.firstTick = false
}

func (p *Pipeline) buildMeta(nowMs int64) Meta {
	descriptors := make([]Descriptor, len(p.descriptors))
	copy(descriptors, p.descriptors)
	for i := range descriptors {
		if p.instanced[i] {
			descriptors[i].Instances = append([]string(nil), p.tracks[i].names...)
		}
	}
	return Meta{
		Source:    p.source,
		Interval:  p.metaIntervalMs,
		Metrics:   descriptors,
		Timestamp: nowMs,
	}
}
