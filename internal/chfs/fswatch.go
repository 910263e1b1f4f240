package chfs

import (
	"encoding/json"
	"os"

	"github.com/tilt-dev/fsnotify"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// fileType classifies a directory entry for fswatch/fsdir's "type" field
// (spec §4.4.3: "file|directory|link|special|unknown").
func fileType(info os.FileInfo) string {
	if info == nil {
		return "unknown"
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "link"
	case info.IsDir():
		return "directory"
	case info.Mode().IsRegular():
		return "file"
	case info.Mode()&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		return "special"
	default:
		return "unknown"
	}
}

type fswatchChannel struct {
	base    *channel.Base
	log     log.Logger
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFswatch builds an "fswatch1" channel: it streams JSON change events
// for path until closed (spec §4.4.3).
func NewFswatch(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	c := &fswatchChannel{log: logger.New("kind", "fswatch1", "id", id), done: make(chan struct{})}
	c.path, _ = options["path"].(string)
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	if pe := ValidatePath(c.path); pe != nil {
		c.base.Ready()
		c.base.Close(pe.Code)
		return c.base
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.InternalError)
		return c.base
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return c.base
	}
	c.watcher = watcher

	c.base.Ready()
	go c.run()
	return c.base
}

func (c *fswatchChannel) run() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.emit(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Debug("watch error", "error", err)
		}
	}
}

func (c *fswatchChannel) emit(ev fsnotify.Event) {
	event := eventName(ev.Op)
	if event == "" {
		return
	}

	msg := map[string]any{"event": event, "path": ev.Name}
	if event == "created" {
		info, err := os.Lstat(ev.Name)
		if err == nil {
			msg["type"] = fileType(info)
		} else {
			msg["type"] = "unknown"
		}
	}
	if tag, err := Tag(ev.Name); err == nil {
		msg["tag"] = tag
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.base.Send(payload, true)
}

// eventName maps an fsnotify op bitset to the single spec event name that
// best matches it (spec §4.4.3's vocabulary). fsnotify never sets more than
// one semantically meaningful bit per Event in practice, but Op is a
// bitmask, so priority order matters when several are set together.
func eventName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Remove != 0:
		return "deleted"
	case op&fsnotify.Rename != 0:
		return "moved"
	case op&fsnotify.Create != 0:
		return "created"
	case op&fsnotify.Write != 0:
		return "changed"
	case op&fsnotify.Chmod != 0:
		return "attribute-changed"
	default:
		return ""
	}
}

func (c *fswatchChannel) HandleRecv([]byte) {}

func (c *fswatchChannel) HandleClose() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *fswatchChannel) HandleControl(string, map[string]any) bool { return false }
