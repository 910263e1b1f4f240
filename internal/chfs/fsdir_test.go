package chfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
)

func collectEvents(sender *fakeSender) []map[string]any {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var out []map[string]any
	for _, p := range sender.payloads {
		var m map[string]any
		if json.Unmarshal(p.data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestFsdirListsEntriesThenPresentDone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	sender := &fakeSender{}
	base := NewFsdir(sender, "1", map[string]any{"path": dir, "watch": false}, nil, logging.New(nil))
	defer base.Close("")

	require.Eventually(t, func() bool {
		events := collectEvents(sender)
		if len(events) == 0 {
			return false
		}
		return events[len(events)-1]["event"] == "present-done"
	}, time.Second, time.Millisecond)

	events := collectEvents(sender)
	var present []map[string]any
	for _, e := range events {
		if e["event"] == "present" {
			present = append(present, e)
		}
	}
	require.Len(t, present, 3)

	byName := map[string]string{}
	for _, p := range present {
		byName[filepath.Base(p["path"].(string))] = p["type"].(string)
	}
	require.Equal(t, "file", byName["a.txt"])
	require.Equal(t, "file", byName["b.txt"])
	require.Equal(t, "directory", byName["sub"])
}

func TestFsdirWithoutWatchClosesAfterListing(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	NewFsdir(sender, "1", map[string]any{"path": dir, "watch": false}, nil, logging.New(nil)).Start()

	close := waitClosed(t, sender)
	require.NotContains(t, close, "problem")
}

func TestFsdirWithWatchEmitsLiveEvents(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	base := NewFsdir(sender, "1", map[string]any{"path": dir, "watch": true}, nil, logging.New(nil))
	defer base.Close("")

	require.Eventually(t, func() bool {
		events := collectEvents(sender)
		return len(events) > 0 && events[len(events)-1]["event"] == "present-done"
	}, time.Second, time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		for _, e := range collectEvents(sender) {
			if e["event"] == "created" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
