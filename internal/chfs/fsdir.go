package chfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/tilt-dev/fsnotify"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

type fsdirChannel struct {
	base    *channel.Base
	log     log.Logger
	path    string
	watch   bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFsdir builds an "fsdir"/"fslist1" channel: it lists path's entries, one
// "present" event per entry, then either closes or switches to live-watch mode depending on
// the "watch" option, which defaults to true (spec §4.4.4).
func NewFsdir(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	c := &fsdirChannel{log: logger.New("kind", "fsdir1", "id", id), done: make(chan struct{})}
	c.path, _ = options["path"].(string)
	c.watch = true
	if w, ok := options["watch"].(bool); ok {
		c.watch = w
	}
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	if pe := ValidatePath(c.path); pe != nil {
		c.base.Ready()
		c.base.Close(pe.Code)
		return c.base
	}

	if c.watch {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			if err := watcher.Add(c.path); err == nil {
				c.watcher = watcher
			} else {
				watcher.Close()
			}
		}
	}

	c.base.Ready()
	go c.run()
	return c.base
}

func (c *fsdirChannel) run() {
	defer close(c.done)

	entries, err := os.ReadDir(c.path)
	if err != nil {
		c.base.Close(problem.FromErr(err).Code)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		info, err := entry.Info()
		typ := "unknown"
		if err == nil {
			typ = fileType(info)
		}
		c.sendPresent(filepath.Join(c.path, entry.Name()), typ)
	}
	c.sendDone()

	if c.watcher == nil {
		c.base.Close("")
		return
	}

	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				c.base.Close("")
				return
			}
			c.emitWatch(ev)
		case _, ok := <-c.watcher.Errors:
			if !ok {
				c.base.Close("")
				return
			}
		}
	}
}

func (c *fsdirChannel) sendPresent(path, typ string) {
	payload, err := json.Marshal(map[string]any{"event": "present", "path": path, "type": typ})
	if err != nil {
		return
	}
	c.base.Send(payload, true)
}

func (c *fsdirChannel) sendDone() {
	payload, _ := json.Marshal(map[string]any{"event": "present-done"})
	c.base.Send(payload, true)
}

func (c *fsdirChannel) emitWatch(ev fsnotify.Event) {
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
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.base.Send(payload, true)
}

func (c *fsdirChannel) HandleRecv([]byte) {}

func (c *fsdirChannel) HandleClose() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *fsdirChannel) HandleControl(string, map[string]any) bool { return false }
