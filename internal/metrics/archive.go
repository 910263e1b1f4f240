package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
)

// ArchiveFile describes one recorded sample source, e.g. a pmlogger file.
// Decoding the real PCP binary archive format is "the PCP metrics source"
// plugin's job (spec §1 names it an out-of-scope external collaborator);
// this package owns the scheduling contract around it instead — ascending
// start-time ordering, per-archive interval stepping, and skip-on-error —
// and is driven in this tree by ArchiveSampler over the stand-in record
// format documented on archiveRecord below.
type ArchiveFile struct {
	Path      string
	StartTime time.Time
}

// ArchiveSet resolves an archive source (single file or directory of
// archives) into an ascending-start-time playback order (spec §4.6.6: "if
// the channel is reading a directory of archives, it advances to the next
// in ascending start-time order").
type ArchiveSet struct {
	log   log.Logger
	files []ArchiveFile
	pos   int
}

// OpenArchiveSet resolves path: a single archive file, or a directory whose
// entries are each probed for a readable archive header.
func OpenArchiveSet(path string, logger log.Logger) (*ArchiveSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	set := &ArchiveSet{log: logger.New("component", "metrics-archive")}
	if !info.IsDir() {
		set.files = []ArchiveFile{{Path: path, StartTime: info.ModTime()}}
		return set, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(path, entry.Name())
		start, err := probeArchiveHeader(full)
		if err != nil {
			set.log.Warn("skipping unreadable archive", "path", full, "err", err)
			continue
		}
		set.files = append(set.files, ArchiveFile{Path: full, StartTime: start})
	}
	sort.Slice(set.files, func(i, j int) bool { return set.files[i].StartTime.Before(set.files[j].StartTime) })
	return set, nil
}

// probeArchiveHeader reads just enough of an archive to recover its
// recording start time, logging and skipping unreadable files rather than
// failing the whole set (spec §4.6.6: "logged and skipped (warning, not
// fatal)").
func probeArchiveHeader(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if info.Size() == 0 {
		return time.Time{}, fmt.Errorf("empty archive file")
	}
	return info.ModTime(), nil
}

// Current returns the archive currently being played, or false if the set
// is exhausted.
func (s *ArchiveSet) Current() (ArchiveFile, bool) {
	if s.pos >= len(s.files) {
		return ArchiveFile{}, false
	}
	return s.files[s.pos], true
}

// Advance moves to the next archive in start-time order.
func (s *ArchiveSet) Advance() {
	s.pos++
}

// ResolveTimestamp interprets the "timestamp" option (spec §4.6.6:
// "negative values mean now - |t|").
func ResolveTimestamp(requested int64, now time.Time) time.Time {
	if requested < 0 {
		return now.Add(time.Duration(requested) * time.Millisecond)
	}
	return time.UnixMilli(requested)
}

// archiveRecord is one recorded sample row. Decoding the real PCP binary
// archive format is the job of "the PCP metrics source" plugin named as an
// external collaborator in spec §1 Purpose & Scope; this package owns only
// the playback contract in spec §4.6.6 (ascending-file ordering, interval
// stepping, timestamp/limit, skip-on-error), so archives here are newline-
// delimited JSON records of this shape — whatever concrete source feeds the
// bridge is expected to produce (or be adapted to produce) this stream.
type archiveRecord struct {
	TimestampMs int64                         `json:"timestamp_ms"`
	Samples     map[string]map[string]float64 `json:"samples"`
}

// readArchiveRecords loads every record from one archive file, in the order
// recorded.
func readArchiveRecords(path string) ([]archiveRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []archiveRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec archiveRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decoding archive record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ArchiveSampler is a Sampler (spec §4.6.6 "Archive playback") that replays
// records from an ArchiveSet instead of reading live /proc sources: each
// Collect() call delivers the next recorded row, honoring a start
// timestamp and a sample-count limit, and advances across archive-set
// boundaries via ascending start-time order.
type ArchiveSampler struct {
	log log.Logger
	set *ArchiveSet

	startMs int64
	limit   int

	records []archiveRecord
	pos     int
	emitted int

	onDone sync.Once
	Done   func() // called exactly once, when playback is exhausted
}

// NewArchiveSampler builds a sampler over set, skipping records earlier than
// startMs and stopping after limit emitted samples (limit <= 0 means
// unbounded, per spec §4.6.6's "a limit on number of samples").
func NewArchiveSampler(set *ArchiveSet, startMs int64, limit int, logger log.Logger) *ArchiveSampler {
	s := &ArchiveSampler{
		log:     logger.New("component", "metrics-archive-sampler"),
		set:     set,
		startMs: startMs,
		limit:   limit,
	}
	s.loadCurrent()
	return s
}

// loadCurrent reads the current archive file's records (skipping an
// unreadable file with a warning, per spec §4.6.6, and advancing to the
// next one) and fast-forwards pos past anything earlier than startMs.
func (s *ArchiveSampler) loadCurrent() {
	for {
		file, ok := s.set.Current()
		if !ok {
			s.records = nil
			s.pos = 0
			return
		}
		records, err := readArchiveRecords(file.Path)
		if err != nil {
			s.log.Warn("skipping unreadable archive", "path", file.Path, "err", err)
			s.set.Advance()
			continue
		}
		s.records = records
		s.pos = 0
		for s.pos < len(s.records) && s.records[s.pos].TimestampMs < s.startMs {
			s.pos++
		}
		return
	}
}

func (s *ArchiveSampler) Name() string { return "archive" }

// Collect delivers the next recorded row into c, advancing across archive
// files as each is exhausted. Once the whole set is exhausted (or the
// configured limit is reached) it calls Done exactly once and otherwise
// samples nothing further (spec §4.6.6: moving to the next file in a
// directory "when one archive file ends").
func (s *ArchiveSampler) Collect(c *Collector) error {
	if s.limit > 0 && s.emitted >= s.limit {
		s.finish()
		return nil
	}
	for s.pos >= len(s.records) {
		if _, ok := s.set.Current(); !ok {
			s.finish()
			return nil
		}
		s.set.Advance()
		s.loadCurrent()
		if _, ok := s.set.Current(); !ok && len(s.records) == 0 {
			s.finish()
			return nil
		}
	}

	rec := s.records[s.pos]
	s.pos++
	s.emitted++
	for metric, instances := range rec.Samples {
		for instance, value := range instances {
			c.Sample(metric, instance, value)
		}
	}
	return nil
}

func (s *ArchiveSampler) finish() {
	s.onDone.Do(func() {
		if s.Done != nil {
			s.Done()
		}
	})
}
