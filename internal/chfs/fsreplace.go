package chfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// maxTempSuffixAttempts bounds the retry loop for picking a free temp-file
// name (spec §4.4.2 step 2: "retry on collision up to 10 000 suffixes").
const maxTempSuffixAttempts = 10000

type fsreplaceChannel struct {
	base *channel.Base
	log  log.Logger
	path string

	mu sync.Mutex
	tempPath   string
	tempFile   *os.File
	openTag    string // the tag observed at open time, re-checked before rename
	sawPayload bool   // set once any payload (even empty) has been received; spec's "got_content"
	failed     bool
}

// NewFsreplace builds an "fsreplace1" channel: it atomically replaces
// path's content with whatever is written to the channel before "done"
// (spec §4.4.2).
func NewFsreplace(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	c := &fsreplaceChannel{log: logger.New("kind", "fsreplace1", "id", id)}
	c.path, _ = options["path"].(string)
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	if pe := ValidatePath(c.path); pe != nil {
		c.base.Ready()
		c.base.Close(pe.Code)
		return c.base
	}

	currentTag, err := Tag(c.path)
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return c.base
	}
	if wantTag, hasTag := options["tag"].(string); hasTag && currentTag != wantTag {
		c.base.Ready()
		c.base.Close(problem.ChangeConflict)
		return c.base
	}
	c.openTag = currentTag

	tempPath, tempFile, err := createTemp(c.path)
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return c.base
	}
	c.tempPath = tempPath
	c.tempFile = tempFile

	c.base.Ready()
	return c.base
}

// createTemp creates a uniquely-named file in dir(path)'s directory,
// retrying with a fresh random suffix on name collision.
func createTemp(path string) (string, *os.File, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	var lastErr error
	for i := 0; i < maxTempSuffixAttempts; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf(".%s.%s", base, uuid.NewString()))
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return candidate, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (c *fsreplaceChannel) HandleRecv(payload []byte) {
	c.mu.Lock()
	if c.failed || c.tempFile == nil {
		c.mu.Unlock()
		return
	}
	c.sawPayload = true
	var writeErr error
	if len(payload) > 0 {
		_, writeErr = c.tempFile.Write(payload)
	}
	c.mu.Unlock()

	if writeErr != nil {
		c.abort(problem.FromErr(writeErr).Code)
	}
}

func (c *fsreplaceChannel) HandleControl(command string, options map[string]any) bool {
	if command != "done" {
		return false
	}
	c.finish()
	return true
}

// finish runs fsync/rename/unlink under the lock to serialize against
// concurrent HandleRecv/HandleClose, then calls base.Close outside the
// lock — HandleClose also takes the lock, so Close must never be called
// while c.mu is held.
func (c *fsreplaceChannel) finish() {
	code, closeTag, ok := c.commit()
	if !ok {
		return
	}
	if closeTag != "" {
		c.base.CloseOption("tag", closeTag)
	}
	c.base.Close(code)
}

func (c *fsreplaceChannel) commit() (code problem.Code, tag string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed || c.tempFile == nil {
		return "", "", false
	}

	if !c.sawPayload {
		c.tempFile.Close()
		os.Remove(c.tempPath)
		c.tempFile = nil
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			c.failed = true
			return problem.FromErr(err).Code, "", true
		}
		return "", AbsentTag, true
	}

	if err := c.tempFile.Sync(); err != nil {
		c.failed = true
		c.tempFile.Close()
		os.Remove(c.tempPath)
		c.tempFile = nil
		return problem.FromErr(err).Code, "", true
	}
	if err := c.tempFile.Close(); err != nil {
		c.failed = true
		os.Remove(c.tempPath)
		c.tempFile = nil
		return problem.FromErr(err).Code, "", true
	}

	// Re-check the tag immediately before rename (spec §4.4.2 step 4): the
	// file may have been rewritten or replaced beneath us between open and
	// done. original_source/src/bridge/cockpitfsreplace.c re-stats the
	// target here and reports "out-of-date" on a mismatch rather than
	// clobbering a concurrent writer's content.
	nowTag, tagErr := Tag(c.path)
	if tagErr != nil {
		c.failed = true
		os.Remove(c.tempPath)
		c.tempFile = nil
		return problem.FromErr(tagErr).Code, "", true
	}
	if nowTag != c.openTag {
		c.failed = true
		os.Remove(c.tempPath)
		c.tempFile = nil
		return problem.OutOfDate, "", true
	}

	if err := os.Rename(c.tempPath, c.path); err != nil {
		os.Remove(c.tempPath)
		c.tempFile = nil
		c.failed = true
		return problem.FromErr(err).Code, "", true
	}

	c.tempFile = nil
	newTag, err := Tag(c.path)
	if err != nil {
		newTag = ""
	}
	return "", newTag, true
}

// abort is HandleRecv's write-error path: cleans up and closes without
// re-entering the lock held by the caller (HandleRecv has already released
// it before calling abort).
func (c *fsreplaceChannel) abort(code problem.Code) {
	c.mu.Lock()
	c.failed = true
	if c.tempFile != nil {
		c.tempFile.Close()
		os.Remove(c.tempPath)
		c.tempFile = nil
	}
	c.mu.Unlock()
	c.base.Close(code)
}

func (c *fsreplaceChannel) HandleClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tempFile != nil {
		c.tempFile.Close()
		os.Remove(c.tempPath)
		c.tempFile = nil
	}
}
