package chfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// TestFsreplaceAtomicReplace: property 7 — the target's content is either
// fully the old content or fully the new content, never a partial write,
// because fsreplace1 writes to a temp file and renames over the target.
func TestFsreplaceAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	sender := &fakeSender{}
	base := NewFsreplace(sender, "1", map[string]any{"path": path}, nil, logging.New(nil))
	base.Start()

	base.Deliver([]byte("new "))
	base.Deliver([]byte("content"))
	require.True(t, base.Control("done", nil))

	close := waitClosed(t, sender)
	require.NotContains(t, close, "problem")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new content", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful replace")
}

func TestFsreplaceEmptyWriteUnlinksTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	sender := &fakeSender{}
	base := NewFsreplace(sender, "1", map[string]any{"path": path}, nil, logging.New(nil))
	base.Start()
	require.True(t, base.Control("done", nil))

	close := waitClosed(t, sender)
	require.Equal(t, AbsentTag, close["tag"])

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestFsreplaceTagMismatchIsChangeConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	sender := &fakeSender{}
	NewFsreplace(sender, "1", map[string]any{"path": path, "tag": "stale-tag"}, nil, logging.New(nil)).Start()

	close := waitClosed(t, sender)
	require.Equal(t, string(problem.ChangeConflict), close["problem"])

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old content", string(got), "target must be untouched on a rejected open")
}

// TestFsreplaceRewriteBeforeDoneIsOutOfDate exercises the TOCTOU guard in
// commit(): if the target is rewritten by someone else after open but before
// "done", the rename must not clobber it — the channel closes "out-of-date"
// and the target keeps the concurrent writer's content.
func TestFsreplaceRewriteBeforeDoneIsOutOfDate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	sender := &fakeSender{}
	base := NewFsreplace(sender, "1", map[string]any{"path": path}, nil, logging.New(nil))
	base.Start()
	base.Deliver([]byte("new content"))

	// Simulate a concurrent writer replacing the target (a new inode,
	// guaranteed to change the tag regardless of mtime resolution) between
	// open and done.
	require.NoError(t, os.WriteFile(path+".other", []byte("someone else's content"), 0o644))
	require.NoError(t, os.Rename(path+".other", path))

	require.True(t, base.Control("done", nil))

	close := waitClosed(t, sender)
	require.Equal(t, string(problem.OutOfDate), close["problem"])

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "someone else's content", string(got), "the rename must not clobber the concurrent write")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be removed after an out-of-date abort")
}

func TestFsreplaceCloseBeforeDoneCleansUpTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	sender := &fakeSender{}
	base := NewFsreplace(sender, "1", map[string]any{"path": path}, nil, logging.New(nil))
	base.Start()
	base.Deliver([]byte("partial"))
	base.Close(problem.Terminated)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be removed when the channel closes without done")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old content", string(got))
}
