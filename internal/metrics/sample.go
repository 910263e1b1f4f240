package metrics

// instanceTrack is the per-metric bookkeeping the pipeline uses to detect
// when a metric's instance set changed between ticks (spec §4.6.2 step 3).
type instanceTrack struct {
	names []string
	seen  map[string]bool
}

func newInstanceTrack(initial []string) *instanceTrack {
	t := &instanceTrack{seen: map[string]bool{}}
	for _, name := range initial {
		t.names = append(t.names, name)
		t.seen[name] = false
	}
	return t
}

// resetSeen marks every known instance unseen, ahead of a sampler sweep.
func (t *instanceTrack) resetSeen() {
	for name := range t.seen {
		t.seen[name] = false
	}
}

// mark records that instance was sampled this tick, adding it to the known
// set if it is new.
func (t *instanceTrack) mark(name string) {
	if _, known := t.seen[name]; !known {
		t.names = append(t.names, name)
	}
	t.seen[name] = true
}

// dropUnseen removes instances not marked seen this tick.
func (t *instanceTrack) dropUnseen() {
	kept := t.names[:0:0]
	for _, name := range t.names {
		if t.seen[name] {
			kept = append(kept, name)
		} else {
			delete(t.seen, name)
		}
	}
	t.names = kept
}

// Collector is what samplers write into during one tick (spec §4.6.2:
// "samplers call sample(metric, instance, value)").
type Collector struct {
	p *Pipeline
}

// Sample records value for metric/instance. instance is "" for a
// non-instanced metric. Unknown metric names are ignored: a sampler may
// implement more metrics than were requested.
func (c *Collector) Sample(metric, instance string, value float64) {
	c.p.sampleInto(metric, instance, value)
}

// Sampler is one source of raw samples, invoked once per tick (spec
// §4.6.2's "configured sampler set").
type Sampler interface {
	Name() string
	Collect(c *Collector) error
}
