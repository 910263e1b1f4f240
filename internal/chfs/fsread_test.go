package chfs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []struct {
		ch   string
		data []byte
	}
	controls []map[string]any
}

func (f *fakeSender) Send(ch string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, struct {
		ch   string
		data []byte
	}{ch, append([]byte(nil), payload...)})
}

func (f *fakeSender) SendControl(obj any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, obj.(map[string]any))
	return nil
}

func (f *fakeSender) lastControl() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.controls) == 0 {
		return nil
	}
	return f.controls[len(f.controls)-1]
}

func waitClosed(t *testing.T, f *fakeSender) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.lastControl() != nil && f.lastControl()["command"] == "close"
	}, time.Second, time.Millisecond)
	return f.lastControl()
}

func TestFsreadStreamsContentAndCleanTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sender := &fakeSender{}
	NewFsread(sender, "1", map[string]any{"path": path}, nil, logging.New(nil)).Start()

	close := waitClosed(t, sender)
	require.NotEqual(t, "change-conflict", close["problem"])

	sender.mu.Lock()
	var got []byte
	for _, p := range sender.payloads {
		got = append(got, p.data...)
	}
	sender.mu.Unlock()
	require.Equal(t, "hello world", string(got))
}

func TestFsreadAbsentFileClosesWithDashTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.txt")

	sender := &fakeSender{}
	NewFsread(sender, "1", map[string]any{"path": path}, nil, logging.New(nil)).Start()

	waitClosed(t, sender)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Empty(t, sender.payloads)
	found := false
	for _, c := range sender.controls {
		if c["command"] == "close" {
			require.Equal(t, AbsentTag, c["tag"])
			found = true
		}
	}
	require.True(t, found)
}

func TestFsreadRejectsTraversal(t *testing.T) {
	sender := &fakeSender{}
	NewFsread(sender, "1", map[string]any{"path": "../../etc/passwd"}, nil, logging.New(nil)).Start()

	close := waitClosed(t, sender)
	require.Equal(t, string(problem.AccessDenied), close["problem"])
}
