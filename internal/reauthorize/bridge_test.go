package reauthorize

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cockpit-project/cockpit-sub006/internal/logging"
)

// fakeSender records every control object sent, for asserting on the
// outbound {command:"authorize", cookie, challenge} message (spec scenario
// S5).
type fakeSender struct {
	mu  sync.Mutex
	ctl []map[string]any
}

func (f *fakeSender) Send(string, []byte) {}

func (f *fakeSender) SendControl(obj any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctl = append(f.ctl, obj.(map[string]any))
	return nil
}

func (f *fakeSender) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ctl) == 0 {
		return nil
	}
	return f.ctl[len(f.ctl)-1]
}

func dialSeqpacketHelper(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: path}))
	f := os.NewFile(uintptr(fd), "reauthorize-helper")
	defer f.Close()
	conn, err := net.FileConn(f)
	require.NoError(t, err)
	uc, ok := conn.(*net.UnixConn)
	require.True(t, ok)
	return uc
}

func TestBridgeEndToEnd(t *testing.T) {
	sender := &fakeSender{}
	logger := logging.New(nil)

	bridge, err := Listen(t.TempDir(), sender, logger)
	require.NoError(t, err)
	defer bridge.Close()

	helper := dialSeqpacketHelper(t, bridge.sockPath)
	defer helper.Close()

	_, err = helper.Write([]byte("test:test"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sender.last() != nil
	}, time.Second, time.Millisecond)

	msg := sender.last()
	require.Equal(t, "authorize", msg["command"])
	require.EqualValues(t, 1, msg["cookie"])
	require.Equal(t, "test:test", msg["challenge"])

	cookie := msg["cookie"].(int64)
	bridge.OnResponse(cookie, "response:response")

	buf := make([]byte, 4096)
	require.NoError(t, helper.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := helper.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "response:response", string(buf[:n]))
}

func TestBridgeUnknownCookieDiscarded(t *testing.T) {
	sender := &fakeSender{}
	logger := logging.New(nil)

	bridge, err := Listen(t.TempDir(), sender, logger)
	require.NoError(t, err)
	defer bridge.Close()

	// No caller ever registered this cookie; OnResponse must not panic or block.
	bridge.OnResponse(999, "whatever")
}

func TestSockaddrUnBytesRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	b := sockaddrUnBytes(path)
	require.Equal(t, int(unix.SizeofSockaddrUnix), len(b))
	require.Equal(t, uint16(unix.AF_UNIX), uint16(b[0])|uint16(b[1])<<8)
	require.Equal(t, path, string(b[2:2+len(path)]))
}
