package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
)

func writeArchive(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestArchiveSamplerReplaysRecordedSamples checks the C7 "Archive playback"
// contract (spec §4.6.6): a sampler backed by an ArchiveSet replays recorded
// rows through the ordinary pipeline, honoring a start timestamp and a
// sample-count limit, and reports completion when exhausted.
func TestArchiveSamplerReplaysRecordedSamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.jsonl")
	writeArchive(t, path,
		`{"timestamp_ms":0,"samples":{"foo":{"":1}}}`,
		`{"timestamp_ms":100,"samples":{"foo":{"":2}}}`,
		`{"timestamp_ms":200,"samples":{"foo":{"":3}}}`,
	)

	set, err := OpenArchiveSet(path, logging.New(nil))
	if err != nil {
		t.Fatal(err)
	}

	var done bool
	sampler := NewArchiveSampler(set, 0, 0, logging.New(nil))
	sampler.Done = func() { done = true }

	p := NewPipeline("pcp-archive", []Descriptor{{Name: "foo"}}, 100, false, false, []Sampler{sampler}, logging.New(nil))
	var rows [][]any
	p.OnData = func(row []any) { rows = append(rows, append([]any(nil), row...)) }

	for i := 0; i < 3; i++ {
		p.Tick(time.UnixMilli(int64(i) * 100))
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []float64{1, 2, 3} {
		got, ok := rows[i][0].(float64)
		if !ok || got != want {
			t.Fatalf("row %d: got %v, want %v", i, rows[i][0], want)
		}
	}
	if done {
		t.Fatal("Done fired before the set was exhausted")
	}

	// One more tick: no more records, playback signals completion.
	p.Tick(time.UnixMilli(300))
	if !done {
		t.Fatal("Done did not fire once the archive was exhausted")
	}
}

// TestArchiveSamplerHonorsTimestampAndLimit checks that a start timestamp
// skips earlier records and a limit stops playback after N samples, per
// spec §4.6.6.
func TestArchiveSamplerHonorsTimestampAndLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.jsonl")
	writeArchive(t, path,
		`{"timestamp_ms":0,"samples":{"foo":{"":1}}}`,
		`{"timestamp_ms":100,"samples":{"foo":{"":2}}}`,
		`{"timestamp_ms":200,"samples":{"foo":{"":3}}}`,
		`{"timestamp_ms":300,"samples":{"foo":{"":4}}}`,
	)

	set, err := OpenArchiveSet(path, logging.New(nil))
	if err != nil {
		t.Fatal(err)
	}

	var doneCount int
	sampler := NewArchiveSampler(set, 150, 2, logging.New(nil))
	sampler.Done = func() { doneCount++ }

	p := NewPipeline("pcp-archive", []Descriptor{{Name: "foo"}}, 100, false, false, []Sampler{sampler}, logging.New(nil))
	var rows [][]any
	p.OnData = func(row []any) { rows = append(rows, append([]any(nil), row...)) }

	for i := 0; i < 4; i++ {
		p.Tick(time.UnixMilli(int64(i) * 100))
	}

	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4 (2 samples then 2 empty ticks)", len(rows))
	}
	if got, _ := rows[0][0].(float64); got != 3 {
		t.Fatalf("first row after timestamp skip: got %v, want 3 (skips the t=0 and t=100 records)", rows[0][0])
	}
	if got, _ := rows[1][0].(float64); got != 4 {
		t.Fatalf("second row: got %v, want 4", rows[1][0])
	}
	if doneCount != 1 {
		t.Fatalf("Done fired %d times, want exactly 1 (limit reached)", doneCount)
	}
}

// TestArchiveSetAdvancesAcrossFilesInStartTimeOrder checks spec §4.6.6's
// "advances to the next [archive] in ascending start-time order" and the
// ArchiveSampler carrying playback across that boundary transparently.
func TestArchiveSetAdvancesAcrossFilesInStartTimeOrder(t *testing.T) {
	dir := t.TempDir()
	// Name files so a lexical sort would get the order wrong; ModTime
	// (used as start-time by probeArchiveHeader) must be set explicitly
	// in ascending order of intended playback.
	second := filepath.Join(dir, "0-second.jsonl")
	first := filepath.Join(dir, "1-first.jsonl")
	writeArchive(t, first, `{"timestamp_ms":0,"samples":{"foo":{"":10}}}`)
	writeArchive(t, second, `{"timestamp_ms":0,"samples":{"foo":{"":20}}}`)

	now := time.UnixMilli(0)
	if err := os.Chtimes(first, now, now); err != nil {
		t.Fatal(err)
	}
	later := time.UnixMilli(1000)
	if err := os.Chtimes(second, later, later); err != nil {
		t.Fatal(err)
	}

	set, err := OpenArchiveSet(dir, logging.New(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(set.files) != 2 || set.files[0].Path != first || set.files[1].Path != second {
		t.Fatalf("archive set not ordered by start time: %+v", set.files)
	}

	sampler := NewArchiveSampler(set, 0, 0, logging.New(nil))
	p := NewPipeline("pcp-archive", []Descriptor{{Name: "foo"}}, 100, false, false, []Sampler{sampler}, logging.New(nil))
	var rows [][]any
	p.OnData = func(row []any) { rows = append(rows, append([]any(nil), row...)) }

	p.Tick(time.UnixMilli(0))
	p.Tick(time.UnixMilli(100))

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if got, _ := rows[0][0].(float64); got != 10 {
		t.Fatalf("first file's sample: got %v, want 10", rows[0][0])
	}
	if got, _ := rows[1][0].(float64); got != 20 {
		t.Fatalf("second file's sample: got %v, want 20", rows[1][0])
	}
}
