// Package router implements C4, the router/dispatcher: it owns the
// id->channel map, routes control commands to the right channel or
// subsystem, and creates channels by payload kind.
//
// The id->channel registry and its add/remove/lookup shape is grounded on
// internal/tunnel/client/session.go's `tunnels map[string]*tunnel`
// (addTunnel/delTunnel/getTunnel), generalized here from "tunnels keyed by
// bind id" to "channels keyed by channel id, created from a kind registry".
package router

import (
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// Factory builds one channel kind. It must fully wire the returned Base
// (constructing its Subclass and calling channel.NewBase) but must NOT call
// Start — the router does that once the channel is registered, matching
// the constructing->live transition in spec §4.2.
type Factory func(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base

// AuthorizeHandler receives an inbound {command:"authorize", cookie,
// response} control message, already validated for shape.
type AuthorizeHandler func(cookie int64, response string)

// Router is C4.
type Router struct {
	sender  channel.Sender
	log     log.Logger
	onAuth  AuthorizeHandler

	mu       sync.Mutex
	channels map[string]*channel.Base
	registry map[string]Factory
}

func New(sender channel.Sender, logger log.Logger) *Router {
	return &Router{
		sender:   sender,
		log:      logger.New("component", "router"),
		channels: map[string]*channel.Base{},
		registry: map[string]Factory{},
	}
}

// Register adds a channel-kind factory to the closed dispatch set (spec
// §4.3's "channel-kind dispatch is a closed set keyed on payload string").
func (r *Router) Register(payloadKind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[payloadKind] = f
}

// SetAuthorizeHandler wires the reauthorize bridge's inbound response
// handler (C9) into the control dispatch.
func (r *Router) SetAuthorizeHandler(h AuthorizeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuth = h
}

// Recv implements transport.Handlers.Recv: deliver a payload frame to its
// channel, or silently drop it if the channel is unknown (spec §4.2 edge
// case: "may be in flight after local close").
func (r *Router) Recv(id string, payload []byte) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	ch.Deliver(payload)
}

// Control implements transport.Handlers.Control.
func (r *Router) Control(command, id string, options map[string]any) bool {
	switch command {
	case "open":
		return r.handleOpen(id, options)
	case "close":
		return r.handleClose(id, options)
	case "done", "options":
		return r.handleChannelControl(id, command, options)
	case "authorize":
		return r.handleAuthorize(options)
	default:
		return false
	}
}

// Closed implements transport.Handlers.Closed: every live channel inherits
// the transport's problem (spec §4.2: "transport-closed propagates to
// every live channel").
func (r *Router) Closed(code problem.Code) {
	r.mu.Lock()
	channels := make([]*channel.Base, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.CloseTransportGone(code)
	}
}

func (r *Router) handleOpen(id string, options map[string]any) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	if _, exists := r.channels[id]; exists {
		r.mu.Unlock()
		return false // duplicate open for a live id is a protocol error
	}
	r.mu.Unlock()

	kind, _ := options["payload"].(string)
	if kind == "" {
		return false // missing payload is a protocol error
	}

	r.mu.Lock()
	factory, known := r.registry[kind]
	r.mu.Unlock()

	onClose := func(closedID string) {
		r.mu.Lock()
		delete(r.channels, closedID)
		r.mu.Unlock()
	}

	var base *channel.Base
	if known {
		base = factory(r.sender, id, options, onClose, r.log)
	} else {
		base = newUnsupportedChannel(r.sender, id, options, onClose, r.log)
	}

	r.mu.Lock()
	r.channels[id] = base
	r.mu.Unlock()

	base.Start()
	if !known {
		base.Close(problem.NotSupported)
	}
	return true
}

func (r *Router) handleClose(id string, options map[string]any) bool {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return true // benign: race with a local close
	}
	code, _ := options["problem"].(string)
	ch.Close(problem.Code(code))
	return true
}

func (r *Router) handleChannelControl(id, command string, options map[string]any) bool {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return true
	}
	return ch.Control(command, options)
}

func (r *Router) handleAuthorize(options map[string]any) bool {
	cookieVal, hasCookie := options["cookie"]
	cookieF, isNumber := cookieVal.(float64)
	response, hasResponse := options["response"].(string)
	if !hasCookie || !isNumber || cookieF < 0 || !hasResponse {
		return false
	}

	r.mu.Lock()
	handler := r.onAuth
	r.mu.Unlock()
	if handler != nil {
		handler(int64(cookieF), response)
	}
	return true
}

// unsupportedSub backs channels opened with an unknown payload kind; it
// never receives anything (the channel closes immediately).
type unsupportedSub struct{}

func (unsupportedSub) HandleRecv([]byte)                              {}
func (unsupportedSub) HandleClose()                                   {}
func (unsupportedSub) HandleControl(string, map[string]any) bool      { return false }

func newUnsupportedChannel(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	return channel.NewBase(sender, id, options, unsupportedSub{}, onClose, logger)
}

// NumChannels reports the live channel count, used by tests to assert
// property 1 (no zombie ids).
func (r *Router) NumChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
