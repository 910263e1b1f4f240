package metrics

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// cpuSampler reports per-CPU utilization counters from /proc/stat, grounded
// on original_source/src/bridge/cockpitmetrics.c's cpu.c sampler and backed
// by github.com/prometheus/procfs instead of hand-parsing the file (spec
// §4.6.2's "CPU ... sampler").
type cpuSampler struct {
	fs procfs.FS
}

// NewCPUSampler builds a sampler for "cpu.basic.*" metrics.
func NewCPUSampler(fs procfs.FS) Sampler { return &cpuSampler{fs: fs} }

func (s *cpuSampler) Name() string { return "cpu" }

func (s *cpuSampler) Collect(c *Collector) error {
	stat, err := s.fs.Stat()
	if err != nil {
		return fmt.Errorf("reading /proc/stat: %w", err)
	}
	c.Sample("cpu.basic.user", "", stat.CPUTotal.User)
	c.Sample("cpu.basic.system", "", stat.CPUTotal.System)
	c.Sample("cpu.basic.nice", "", stat.CPUTotal.Nice)
	c.Sample("cpu.basic.iowait", "", stat.CPUTotal.Iowait)
	for id, cpu := range stat.CPU {
		instance := fmt.Sprintf("%d", id)
		c.Sample("cpu.core.user", instance, cpu.User)
		c.Sample("cpu.core.system", instance, cpu.System)
	}
	return nil
}

// memorySampler reports memory counters from /proc/meminfo.
type memorySampler struct {
	fs procfs.FS
}

// NewMemorySampler builds a sampler for "memory.*" metrics.
func NewMemorySampler(fs procfs.FS) Sampler { return &memorySampler{fs: fs} }

func (s *memorySampler) Name() string { return "memory" }

func (s *memorySampler) Collect(c *Collector) error {
	info, err := s.fs.Meminfo()
	if err != nil {
		return fmt.Errorf("reading /proc/meminfo: %w", err)
	}
	const kb = 1024
	if info.MemTotal != nil {
		c.Sample("memory.total", "", float64(*info.MemTotal)*kb)
	}
	if info.MemFree != nil {
		c.Sample("memory.free", "", float64(*info.MemFree)*kb)
	}
	if info.Cached != nil {
		c.Sample("memory.cached", "", float64(*info.Cached)*kb)
	}
	if info.SwapTotal != nil {
		c.Sample("memory.swap-total", "", float64(*info.SwapTotal)*kb)
	}
	if info.SwapFree != nil {
		c.Sample("memory.swap-free", "", float64(*info.SwapFree)*kb)
	}
	return nil
}

// diskSampler reports per-device read/write counters from /proc/diskstats.
type diskSampler struct {
	fs procfs.FS
}

// NewDiskSampler builds a sampler for the instanced "disk.*" metrics.
func NewDiskSampler(fs procfs.FS) Sampler { return &diskSampler{fs: fs} }

func (s *diskSampler) Name() string { return "disk" }

func (s *diskSampler) Collect(c *Collector) error {
	stats, err := s.fs.DiskStats()
	if err != nil {
		return fmt.Errorf("reading /proc/diskstats: %w", err)
	}
	for _, d := range stats {
		c.Sample("disk.read", d.DeviceName, float64(d.ReadSectors)*512)
		c.Sample("disk.written", d.DeviceName, float64(d.WriteSectors)*512)
	}
	return nil
}

// SamplersFor returns the sampler set covering the union of metric prefixes
// named by metricNames (spec §4.6.2 step 2: "an unordered set chosen by the
// union of sampler flags implied by requested metric names").
func SamplersFor(fs procfs.FS, metricNames []string) []Sampler {
	want := map[string]bool{}
	for _, name := range metricNames {
		switch {
		case hasPrefix(name, "cpu."):
			want["cpu"] = true
		case hasPrefix(name, "memory."):
			want["memory"] = true
		case hasPrefix(name, "disk."):
			want["disk"] = true
		}
	}
	var out []Sampler
	if want["cpu"] {
		out = append(out, NewCPUSampler(fs))
	}
	if want["memory"] {
		out = append(out, NewMemorySampler(fs))
	}
	if want["disk"] {
		out = append(out, NewDiskSampler(fs))
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
