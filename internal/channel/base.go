// Package channel implements C3, the base class shared by every channel
// kind: id registration state, the pre-ready receive queue, deferred
// open/close while still constructing, close-option accumulation, and
// text/binary/base64 payload handling.
//
// The ready/closed bookkeeping is grounded on internal/muxado/stream.go's
// half-close tracking (closedState/maybeRemove), adapted from a byte
// stream's independent read/write half-closes to Cockpit's single
// ready-then-closed channel lifecycle, and on
// original_source/src/bridge/cockpitchannel.c's cockpit_channel_ready/
// cockpit_channel_close/cockpit_channel_close_option for the exact state
// machine and close-option semantics.
package channel

import (
	"bytes"
	"encoding/base64"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// BinaryMode selects how payload bytes are framed on the wire.
type BinaryMode int

const (
	Text BinaryMode = iota
	Raw
	Base64
)

// Subclass is the contract every channel kind implements on top of Base,
// the same role the deep class hierarchy (metric channel <- channel <-
// object) plays in the C source, expressed here as a small interface
// (spec §9 "Deep inheritance").
type Subclass interface {
	// HandleRecv is called once per payload, in order, only after Ready
	// has been called (payloads received earlier are queued and replayed).
	HandleRecv(payload []byte)
	// HandleClose runs the subclass's own cleanup. It must be idempotent
	// and must abort any in-flight I/O (spec §5 "Cancellation & timeouts").
	HandleClose()
	// HandleControl processes a "done" or "options" control command
	// addressed to this channel. Returns true if handled.
	HandleControl(command string, options map[string]any) bool
}

// Sender is implemented by the owning router/transport: Base calls it to
// actually put bytes or a close control message on the wire.
type Sender interface {
	Send(channelID string, payload []byte)
	SendControl(obj any) error
}

// OnClosed is invoked exactly once, after the channel has fully closed, so
// the router can remove it from its id map (testable property 1).
type OnClosed func(id string)

type deferredRecord struct {
	ready   bool
	close   bool
	problem problem.Code
}

// Base implements the shared channel contract (spec §3, §4.2).
type Base struct {
	sender  Sender
	id      string
	options map[string]any
	binary  BinaryMode
	sub     Subclass
	onClose OnClosed
	log     log.Logger

	mu              sync.Mutex
	constructing    bool
	ready           bool
	closed          bool
	transportClosed bool
	queue           [][]byte
	deferred        deferredRecord
	closeOptions    map[string]any
}

// NewBase constructs the shared state for a channel. The caller (normally
// the router) must call Start once the subclass's own constructor has
// finished wiring itself up.
func NewBase(sender Sender, id string, options map[string]any, sub Subclass, onClose OnClosed, logger log.Logger) *Base {
	mode := Text
	switch options["binary"] {
	case "base64":
		mode = Base64
	case "raw":
		mode = Raw
	}
	return &Base{
		sender:       sender,
		id:           id,
		options:      options,
		binary:       mode,
		sub:          sub,
		onClose:      onClose,
		log:          logger.New("channel", id),
		constructing: true,
		closeOptions: map[string]any{},
	}
}

// ID returns the channel's id.
func (b *Base) ID() string { return b.id }

// Start transitions the channel out of "constructing" (spec's "first idle
// tick"). If a close was requested while still constructing, it is applied
// now.
func (b *Base) Start() {
	b.mu.Lock()
	b.constructing = false
	deferredClose := b.deferred.close
	prob := b.deferred.problem
	b.mu.Unlock()

	if deferredClose {
		b.doClose(prob)
	}
}

// Ready flushes any payloads queued while not-yet-ready, in FIFO order,
// then marks the channel ready. Calling Ready twice, or after close, is a
// no-op (ready transitions false->true exactly once, spec §3 invariants).
func (b *Base) Ready() {
	b.mu.Lock()
	if b.ready || b.closed {
		b.mu.Unlock()
		return
	}
	for len(b.queue) > 0 {
		queued := b.queue
		b.queue = nil
		b.mu.Unlock()
		for _, payload := range queued {
			b.sub.HandleRecv(payload)
		}
		b.mu.Lock()
	}
	if !b.closed {
		b.ready = true
	}
	b.mu.Unlock()
}

// Deliver is called by the router once per payload frame addressed to this
// channel's id. Payloads arriving before Ready are queued in order
// (testable property 2); payloads arriving after close are dropped
// (spec §4.2 "receiving bytes for an unknown/closing channel is silently
// dropped").
func (b *Base) Deliver(payload []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	decoded := payload
	if b.binary == Base64 {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(out, payload)
		if err != nil {
			b.mu.Unlock()
			b.Close(problem.ProtocolError)
			return
		}
		decoded = out[:n]
	}

	if !b.ready {
		b.queue = append(b.queue, decoded)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.sub.HandleRecv(decoded)
}

// Send frames payload per the channel's binary mode and writes it to the
// transport. trustUTF8 tells Base the subclass already guarantees valid
// UTF-8 (e.g. it read the bytes from a JSON encoder); otherwise, in text
// mode, invalid byte sequences are rewritten to U+FFFD.
func (b *Base) Send(payload []byte, trustUTF8 bool) {
	var out []byte
	switch b.binary {
	case Base64:
		out = make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
		base64.StdEncoding.Encode(out, payload)
	case Raw:
		out = payload
	default: // Text
		if trustUTF8 || bytes.Equal(payload, bytes.ToValidUTF8(payload, nil)) {
			out = payload
		} else {
			out = bytes.ToValidUTF8(payload, []byte("�"))
		}
	}
	b.sender.Send(b.id, out)
}

// Close initiates an orderly close with the given problem code (empty for
// a clean close). If the channel is still constructing, the close is
// deferred until Start runs (spec §4.2's state machine).
func (b *Base) Close(code problem.Code) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.constructing {
		b.deferred.close = true
		b.deferred.problem = code
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.doClose(code)
}

// CloseTransportGone is called by the router when the whole transport has
// closed; the channel closes with the transport's problem and does not
// attempt to emit its own close frame (there is nowhere to send it).
func (b *Base) CloseTransportGone(code problem.Code) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.transportClosed = true
	b.mu.Unlock()
	b.Close(code)
}

func (b *Base) doClose(code problem.Code) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	transportGone := b.transportClosed
	options := b.closeOptions
	b.mu.Unlock()

	b.sub.HandleClose()

	if !transportGone {
		obj := map[string]any{
			"command": "close",
			"channel": b.id,
		}
		for k, v := range options {
			obj[k] = v
		}
		if code != "" {
			obj["problem"] = string(code)
		}
		if err := b.sender.SendControl(obj); err != nil {
			b.log.Warn("failed to send close frame", "err", err)
		}
	}

	if b.onClose != nil {
		b.onClose(b.id)
	}
}

// Control forwards a "done"/"options" control command to the subclass.
func (b *Base) Control(command string, options map[string]any) bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return true
	}
	return b.sub.HandleControl(command, options)
}

// CloseOption attaches an arbitrary field to the eventual close control
// object. Amending after close has started is a no-op (spec §3 invariant:
// "close options may only be amended before the base-class close logic
// runs").
func (b *Base) CloseOption(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closeOptions[name] = value
}

func (b *Base) CloseIntOption(name string, value int64) { b.CloseOption(name, value) }
func (b *Base) CloseJSONOption(name string, value any)  { b.CloseOption(name, value) }

// Option returns the raw value of an open option.
func (b *Base) Option(name string) (any, bool) {
	v, ok := b.options[name]
	return v, ok
}

// StringOption returns a string open option, or "" if absent/wrong type.
func (b *Base) StringOption(name string) string {
	s, _ := b.options[name].(string)
	return s
}

// IntOption returns an integer open option, or ok=false if absent/wrong type.
func (b *Base) IntOption(name string) (int64, bool) {
	switch v := b.options[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// BoolOption returns a boolean open option and whether it was present.
func (b *Base) BoolOption(name string) (bool, bool) {
	v, ok := b.options[name].(bool)
	return v, ok
}

// StrvOption returns a string-array open option.
func (b *Base) StrvOption(name string) []string {
	raw, ok := b.options[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsClosed reports whether the channel has finished closing.
func (b *Base) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// IsReady reports whether Ready has been called.
func (b *Base) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}
