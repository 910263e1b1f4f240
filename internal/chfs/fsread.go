package chfs

import (
	"io"
	"os"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// maxChunk bounds each outbound payload from fsread1 (spec §4.4.1: "in
// chunks not exceeding 4 KiB each").
const maxChunk = 4096

type fsreadChannel struct {
	base *channel.Base
	log  log.Logger
	path string

	done chan struct{}
}

// NewFsread builds an "fsread1" channel: it streams path's content in
// <=4KiB chunks, then closes reporting the tag observed at open, or
// "change-conflict" if the file changed underneath it while streaming
// (spec §4.4.1, testable scenario S3).
func NewFsread(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	ch := &fsreadChannel{log: logger.New("kind", "fsread1", "id", id), done: make(chan struct{})}
	ch.path = func() string { p, _ := options["path"].(string); return p }()
	ch.base = channel.NewBase(sender, id, options, ch, onClose, logger)
	go ch.run()
	return ch.base
}

func (c *fsreadChannel) run() {
	defer close(c.done)

	if pe := ValidatePath(c.path); pe != nil {
		c.base.Ready()
		c.base.Close(pe.Code)
		return
	}

	openTag, err := Tag(c.path)
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return
	}

	if openTag == AbsentTag {
		c.base.CloseOption("tag", AbsentTag)
		c.base.Ready()
		c.base.Close("")
		return
	}

	f, err := os.Open(c.path)
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return
	}
	defer f.Close()

	c.base.Ready()

	buf := make([]byte, maxChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			c.base.Send(buf[:n], false)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.base.Close(problem.FromErr(err).Code)
			return
		}
	}

	closeTag, err := Tag(c.path)
	if err != nil {
		c.base.Close(problem.FromErr(err).Code)
		return
	}

	c.base.CloseOption("tag", openTag)
	if closeTag != openTag {
		c.base.Close(problem.ChangeConflict)
		return
	}
	c.base.Close("")
}

func (c *fsreadChannel) HandleRecv([]byte) {}

func (c *fsreadChannel) HandleClose() {}

func (c *fsreadChannel) HandleControl(string, map[string]any) bool { return false }
