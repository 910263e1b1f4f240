package channel

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

// fakeSender records everything sent to it, standing in for the real
// transport in these unit tests.
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

// echoSub is a trivial subclass: whatever it receives, it sends straight
// back out, the way the S1/S2 scenarios describe.
type echoSub struct {
	base *Base
}

func (e *echoSub) HandleRecv(payload []byte)                          { e.base.Send(payload, false) }
func (e *echoSub) HandleClose()                                       {}
func (e *echoSub) HandleControl(command string, options map[string]any) bool { return false }

func newEchoChannel(id string) (*Base, *fakeSender) {
	sender := &fakeSender{}
	sub := &echoSub{}
	base := NewBase(sender, id, map[string]any{"payload": "echo"}, sub, nil, logging.New(nil))
	sub.base = base
	base.Start()
	return base, sender
}

// TestS1EchoRoundTrip: S1 — open a text echo channel, send "Yeehaw!",
// expect exactly one outbound payload frame equal to "Yeehaw!" and no
// control messages besides the eventual close.
func TestS1EchoRoundTrip(t *testing.T) {
	base, sender := newEchoChannel("554")
	base.Ready()

	base.Deliver([]byte("Yeehaw!"))

	require.Len(t, sender.payloads, 1)
	require.Equal(t, "554", sender.payloads[0].ch)
	require.Equal(t, "Yeehaw!", string(sender.payloads[0].data))
	require.Empty(t, sender.controls)

	base.Close("")
	require.Len(t, sender.controls, 1)
	require.Equal(t, "close", sender.controls[0]["command"])
}

// TestS2PreReadyQueuing: S2 — payload arrives before Ready(); expect zero
// frames sent until Ready(), then exactly one frame.
func TestS2PreReadyQueuing(t *testing.T) {
	base, sender := newEchoChannel("554")

	base.Deliver([]byte("Yeehaw!"))
	require.Empty(t, sender.payloads, "nothing should be sent before Ready()")

	base.Ready()
	require.Len(t, sender.payloads, 1)
	require.Equal(t, "Yeehaw!", string(sender.payloads[0].data))
}

// TestPreReadyQueuePreservesOrder: property 2 — multiple queued payloads
// are delivered in the order they arrived.
func TestPreReadyQueuePreservesOrder(t *testing.T) {
	base, sender := newEchoChannel("42")

	base.Deliver([]byte("one"))
	base.Deliver([]byte("two"))
	base.Deliver([]byte("three"))
	require.Empty(t, sender.payloads)

	base.Ready()
	require.Len(t, sender.payloads, 3)
	require.Equal(t, "one", string(sender.payloads[0].data))
	require.Equal(t, "two", string(sender.payloads[1].data))
	require.Equal(t, "three", string(sender.payloads[2].data))
}

// TestCloseEmittedExactlyOnce: property 3.
func TestCloseEmittedExactlyOnce(t *testing.T) {
	base, sender := newEchoChannel("1")
	base.Close(problem.NotFound)
	base.Close(problem.NotFound)
	base.Close(problem.NotFound)
	require.Len(t, sender.controls, 1)
	require.Equal(t, string(problem.NotFound), sender.controls[0]["problem"])
}

// TestCloseWhileConstructingIsDeferred exercises the constructing ->
// deferred_close -> Start() transition from spec §4.2's state machine.
func TestCloseWhileConstructingIsDeferred(t *testing.T) {
	sender := &fakeSender{}
	sub := &echoSub{}
	base := NewBase(sender, "7", nil, sub, nil, logging.New(nil))
	sub.base = base

	base.Close(problem.Terminated)
	require.Empty(t, sender.controls, "close must be deferred while constructing")

	base.Start()
	require.Len(t, sender.controls, 1)
	require.Equal(t, string(problem.Terminated), sender.controls[0]["problem"])
}

// TestTransportGoneSkipsCloseFrame: a transport-closed channel still fires
// its local close exactly once but never writes to the (gone) wire.
func TestTransportGoneSkipsCloseFrame(t *testing.T) {
	base, sender := newEchoChannel("9")
	base.CloseTransportGone(problem.Disconnected)
	require.Empty(t, sender.controls)
	require.True(t, base.IsClosed())
}

// TestOnCloseCallbackFiresForRouterCleanup: property 1 — the router's
// cleanup hook runs once the channel has fully closed.
func TestOnCloseCallbackFiresForRouterCleanup(t *testing.T) {
	sender := &fakeSender{}
	sub := &echoSub{}
	var removed string
	base := NewBase(sender, "5", nil, sub, func(id string) { removed = id }, logging.New(nil))
	sub.base = base
	base.Start()

	base.Close("")
	require.Equal(t, "5", removed)
}

// TestBase64RoundTrip: property 4.
func TestBase64RoundTrip(t *testing.T) {
	sender := &fakeSender{}
	sub := &echoSub{}
	base := NewBase(sender, "b64", map[string]any{"binary": "base64"}, sub, nil, logging.New(nil))
	sub.base = base
	base.Start()
	base.Ready()

	raw := []byte{0x00, 0xFF, 0x10, 0x20, 'h', 'i'}
	base.Deliver([]byte(base64.StdEncoding.EncodeToString(raw)))

	require.Len(t, sender.payloads, 1)
	decoded, err := base64.StdEncoding.DecodeString(string(sender.payloads[0].data))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}
