package metrics

import (
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/procfs"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
)

// instancedMetrics lists the metric names this bridge knows to be
// per-instance (core, per-device, ...) rather than scalar. A real bridge
// derives this from the sampler that owns the name; a small static table is
// enough to drive the wire-protocol shape honestly for the samplers this
// package implements.
var instancedMetrics = map[string]bool{
	"cpu.core.user":   true,
	"cpu.core.system": true,
	"disk.read":       true,
	"disk.written":    true,
}

type metricsChannel struct {
	base     *channel.Base
	log      log.Logger
	pipeline *Pipeline
	clock    clockwork.Clock
	interval time.Duration
	done     chan struct{}
}

// NewMetrics builds a "metrics1" channel: it ticks a sampler set at the
// requested interval and emits the meta/data wire protocol (spec §4.6).
func NewMetrics(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	return newMetrics(sender, id, options, onClose, logger, clockwork.NewRealClock())
}

// newMetrics takes an explicit clock so tests can drive ticks deterministically.
func newMetrics(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger, clock clockwork.Clock) *channel.Base {
	c := &metricsChannel{
		log:   logger.New("kind", "metrics1", "id", id),
		clock: clock,
		done:  make(chan struct{}),
	}
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	intervalMs := int64(1000)
	if v, ok := options["interval"].(float64); ok && v > 0 {
		intervalMs = int64(v)
	}
	c.interval = time.Duration(intervalMs) * time.Millisecond

	interpolate := true
	if v, ok := options["interpolate"].(bool); ok {
		interpolate = v
	}
	compress := true
	if v, ok := options["compress"].(bool); ok {
		compress = v
	}

	descriptors, names := parseRequestedMetrics(options["metrics"])
	source, _ := options["source"].(string)

	var samplers []Sampler
	if source == "pcp-archive" {
		archivePath, _ := options["archive"].(string)
		samplers = c.archiveSamplers(archivePath, options)
	} else {
		fs, err := procfs.NewDefaultFS()
		if err == nil {
			samplers = SamplersFor(fs, names)
		} else {
			c.log.Warn("procfs unavailable, metrics channel will emit no samples", "err", err)
		}
	}

	c.pipeline = NewPipeline(source, descriptors, intervalMs, interpolate, compress, samplers, logger)
	c.pipeline.OnMeta = c.sendMeta
	c.pipeline.OnData = c.sendData

	c.base.Ready()
	go c.run()
	return c.base
}

// archiveSamplers builds the single ArchiveSampler that drives archive
// playback mode (spec §4.6.6), honoring the "timestamp" (archive-epoch ms,
// negative meaning "now - |t|") and "limit" options. A failure to open the
// archive set is logged as a warning and yields no samplers: the channel
// stays open and emits no samples. It neither closes the channel nor falls
// back to live sampling.
func (c *metricsChannel) archiveSamplers(archivePath string, options map[string]any) []Sampler {
	set, err := OpenArchiveSet(archivePath, c.log)
	if err != nil {
		c.log.Warn("couldn't open archive source, metrics channel will emit no samples", "path", archivePath, "err", err)
		return nil
	}

	var startMs int64
	if v, ok := options["timestamp"].(float64); ok {
		startMs = ResolveTimestamp(int64(v), time.Now()).UnixMilli()
	}
	limit := 0
	if v, ok := options["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	sampler := NewArchiveSampler(set, startMs, limit, c.log)
	sampler.Done = func() {
		c.log.Debug("archive playback exhausted, closing channel")
		c.base.Close("")
	}
	return []Sampler{sampler}
}

func parseRequestedMetrics(raw any) ([]Descriptor, []string) {
	items, _ := raw.([]any)
	descriptors := make([]Descriptor, 0, len(items))
	names := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		d := Descriptor{
			Name:      name,
			Units:     stringField(m, "units"),
			Semantics: Semantics(stringField(m, "semantics")),
			Derive:    Derive(stringField(m, "derive")),
		}
		if instancedMetrics[name] {
			d.Instances = []string{}
		}
		descriptors = append(descriptors, d)
		names = append(names, name)
	}
	return descriptors, names
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (c *metricsChannel) run() {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.pipeline.Tick(c.clock.Now())
		case <-c.done:
			return
		}
	}
}

func (c *metricsChannel) sendMeta(meta Meta) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	c.base.Send(payload, true)
}

func (c *metricsChannel) sendData(row []any) {
	payload, err := json.Marshal(row)
	if err != nil {
		return
	}
	c.base.Send(payload, true)
}

func (c *metricsChannel) HandleRecv([]byte) {}

func (c *metricsChannel) HandleClose() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *metricsChannel) HandleControl(string, map[string]any) bool { return false }
