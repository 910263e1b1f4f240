// Package transport implements Cockpit's C1 framed transport: a single
// framed byte stream (stdin/stdout, normally) multiplexing a control band
// and many channel payload bands, with outbound backpressure.
//
// The separate reader/writer goroutines draining a queued-write channel
// mirror internal/muxado/session.go's session.reader()/session.writer()
// pair and its writeFrames chan writeReq, adapted from muxado's binary
// stream-multiplexing frames to Cockpit's JSON-control-plus-payload frames.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/frame"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// HighWaterMark is the outbound queue byte-size threshold past which
// Pressure(true) fires (spec §4.1).
const HighWaterMark = 1 << 20 // ~1 MiB

// SupportedVersion is the protocol version this bridge negotiates in
// response to an "init" control message.
const SupportedVersion = 1

// Handlers are the signals spec §4.1 says callers observe. Any nil handler
// is simply not invoked.
type Handlers struct {
	// Recv is called once per payload frame addressed to a channel.
	Recv func(channel string, payload []byte)
	// Control is called for every control command besides "init". Return
	// true if the command was handled; an unclaimed command is a protocol
	// error.
	Control func(command string, channel string, options map[string]any) bool
	// Closed is called exactly once when the transport closes.
	Closed func(code problem.Code)
	// Pressure is called when the outbound queue crosses HighWaterMark
	// (true) or drops back below it (false).
	Pressure func(on bool)
}

type writeReq struct {
	f    frame.Frame
	done chan struct{}
}

// Transport owns the underlying stream and the outbound send queue.
type Transport struct {
	log log.Logger
	h   Handlers

	reader *frame.Reader
	writer *frame.Writer
	closer io.Closer

	mu       sync.Mutex
	closed   bool
	closeErr *problem.Error

	writeCh  chan writeReq
	pending  int // approximate queued byte size
	pressure bool

	done chan struct{}
}

// New constructs a Transport over rw (normally the process's stdin for
// reads and the saved original stdout fd for writes) and starts its
// reader/writer goroutines.
func New(r io.Reader, w io.Writer, closer io.Closer, logger log.Logger, h Handlers) *Transport {
	t := &Transport{
		log:     logger,
		h:       h,
		reader:  frame.NewReader(r),
		writer:  frame.NewWriter(w),
		closer:  closer,
		writeCh: make(chan writeReq, 256),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// Send enqueues one payload frame. channel == "" selects the control band,
// but callers normally use SendControl for that case.
func (t *Transport) Send(channel string, payload []byte) {
	t.enqueue(frame.Frame{Channel: channel, Payload: payload})
}

// SendControl serializes obj as JSON and enqueues it on the control band.
func (t *Transport) SendControl(obj any) error {
	buf, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	t.enqueue(frame.Frame{Channel: "", Payload: buf})
	return nil
}

func (t *Transport) enqueue(f frame.Frame) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	size := frame.Size(f)
	t.pending += size
	crossedHigh := !t.pressure && t.pending >= HighWaterMark
	if crossedHigh {
		t.pressure = true
	}
	t.mu.Unlock()

	if crossedHigh && t.h.Pressure != nil {
		t.h.Pressure(true)
	}

	select {
	case t.writeCh <- writeReq{f: f}:
	case <-t.done:
	}
}

func (t *Transport) writeLoop() {
	for {
		select {
		case req := <-t.writeCh:
			size := frame.Size(req.f)
			err := t.writer.WriteFrame(req.f)

			t.mu.Lock()
			t.pending -= size
			crossedLow := t.pressure && t.pending < HighWaterMark
			if crossedLow {
				t.pressure = false
			}
			t.mu.Unlock()

			if crossedLow && t.h.Pressure != nil {
				t.h.Pressure(false)
			}

			if err != nil {
				t.fail(problem.FromErr(err))
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) readLoop() {
	for {
		f, err := t.reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				t.closeGraceful()
			} else {
				t.fail(problem.New(problem.ProtocolError, err))
			}
			return
		}

		if f.Channel == "" {
			if !t.handleControl(f.Payload) {
				return
			}
			continue
		}

		if t.h.Recv != nil {
			t.h.Recv(f.Channel, f.Payload)
		}
	}
}

// handleControl parses and dispatches one control-band frame. It returns
// false if the transport was closed as a result (a parse error or an
// unclaimed command), signalling readLoop to stop.
func (t *Transport) handleControl(payload []byte) bool {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		t.fail(problem.Newf(problem.ProtocolError, fmt.Sprintf("invalid control JSON: %v", err)))
		return false
	}

	command, _ := obj["command"].(string)
	if command == "" {
		t.fail(problem.Newf(problem.ProtocolError, "control message missing command"))
		return false
	}

	if command == "init" {
		// version negotiation is consumed by the transport itself.
		return true
	}

	channel, _ := obj["channel"].(string)
	if t.h.Control == nil || !t.h.Control(command, channel, obj) {
		t.fail(problem.Newf(problem.ProtocolError, fmt.Sprintf("unhandled control command %q", command)))
		return false
	}
	return true
}

// SendInit sends this bridge's own "init" negotiation message; called once
// at startup by cmd/cockpit-bridge.
func (t *Transport) SendInit() error {
	return t.SendControl(map[string]any{
		"command": "init",
		"version": SupportedVersion,
	})
}

// Close initiates a graceful close with no problem code (an orderly
// shutdown, e.g. on SIGTERM).
func (t *Transport) Close() {
	t.closeGraceful()
}

func (t *Transport) closeGraceful() {
	t.finish(nil)
}

// fail closes the transport reporting pe as the problem.
func (t *Transport) fail(pe *problem.Error) {
	t.finish(pe)
}

func (t *Transport) finish(pe *problem.Error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = pe
	t.mu.Unlock()

	close(t.done)
	if t.closer != nil {
		_ = t.closer.Close()
	}

	code := problem.Code("")
	if pe != nil {
		code = pe.Code
		t.log.Warn("transport closed", "problem", code, "err", pe.Err)
	} else {
		t.log.Debug("transport closed")
	}
	if t.h.Closed != nil {
		t.h.Closed(code)
	}
}

// Closed reports whether Close/fail has already run.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
