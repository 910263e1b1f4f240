// Bridge implements C9, the reauthorize bridge: a per-session SOCK_SEQPACKET
// listener that local setuid helpers (invoked by polkit or sudo) connect to,
// correlating each helper's challenge with the gateway's response over the
// control channel via a monotonically increasing cookie (spec §4.8).
//
// The accept-loop retry/backoff on transient accept errors is grounded on
// internal/tunnel/client/raw_session.go's dial-retry shape, here backing off
// with github.com/jpillora/backoff instead of the teacher's fixed sleep. The
// per-cookie request/response correlation is grounded on the same package's
// onDemand chan chan time.Duration heartbeat pattern, generalized from one
// in-flight heartbeat to a map of in-flight reauthorize cookies.
package reauthorize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/inconshreveable/log15"
	"golang.org/x/sys/unix"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
)

type callerState int

const (
	stateAuthorizing callerState = iota
	stateResponding
)

// caller is one connected helper's state (spec §3 "Reauthorize caller
// record").
type caller struct {
	cookie int64
	conn   *net.UnixConn

	mu    sync.Mutex
	state callerState
	resp  chan string // buffered 1; closed on bridge shutdown
}

// Bridge owns the listening socket and the live caller registry.
type Bridge struct {
	sender channel.Sender
	log    log.Logger

	listener *net.UnixListener
	sockPath string
	rawAddr  []byte

	cookie int64 // atomic, monotonically increasing

	mu      sync.Mutex
	callers map[int64]*caller
	closed  bool
}

// Listen opens the per-session SOCK_SEQPACKET socket under dir (normally a
// private runtime directory) and starts accepting helper connections.
func Listen(dir string, sender channel.Sender, logger log.Logger) (*Bridge, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := dir + "/reauthorize.sock"
	_ = os.Remove(path) // stale socket from a crashed prior instance

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "reauthorize-listener")
	defer f.Close()
	lc, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	listener, ok := lc.(*net.UnixListener)
	if !ok {
		lc.Close()
		return nil, errors.New("reauthorize socket did not yield a unix listener")
	}

	b := &Bridge{
		sender:   sender,
		log:      logger.New("component", "reauthorize-bridge"),
		listener: listener,
		sockPath: path,
		rawAddr:  sockaddrUnBytes(path),
		callers:  map[int64]*caller{},
	}
	go b.acceptLoop()
	return b, nil
}

// sockaddrUnBytes builds the raw struct sockaddr_un bytes for path, the
// payload format spec §6 names for the "reauthorize/socket" keyring entry.
// Built manually (family + path, zero-padded to unix.SizeofSockaddrUnix)
// rather than via unsafe casts of unix.RawSockaddrUnix.
func sockaddrUnBytes(path string) []byte {
	buf := make([]byte, unix.SizeofSockaddrUnix)
	binary.LittleEndian.PutUint16(buf[0:2], unix.AF_UNIX)
	copy(buf[2:], path)
	return buf
}

// Address returns the raw sockaddr_un bytes to store under SocketName.
func (b *Bridge) Address() []byte {
	return b.rawAddr
}

func (b *Bridge) acceptLoop() {
	bo := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := b.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d := bo.Duration()
			b.log.Warn("accept failed, retrying", "err", err, "backoff", d)
			time.Sleep(d)
			continue
		}
		bo.Reset()
		go b.serveCaller(conn)
	}
}

// serveCaller runs the per-caller state machine described in spec §4.8:
// waiting (reading the next challenge) -> authorizing (awaiting the
// gateway's response) -> responding (writing it back) -> waiting, looped
// until the helper disconnects.
func (b *Bridge) serveCaller(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return // EOF or I/O error: destroy the caller record (spec §4.8 "any -> destroyed")
		}
		if n == 0 {
			continue
		}
		challenge := append([]byte(nil), buf[:n]...)
		if bytes.IndexByte(challenge, 0) >= 0 {
			b.log.Warn("discarding reauthorize challenge with embedded NUL")
			continue
		}

		cookie := atomic.AddInt64(&b.cookie, 1)
		c := &caller{cookie: cookie, conn: conn, state: stateAuthorizing, resp: make(chan string, 1)}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.callers[cookie] = c
		b.mu.Unlock()

		err = b.sender.SendControl(map[string]any{
			"command":   "authorize",
			"cookie":    cookie,
			"challenge": string(challenge),
		})
		if err != nil {
			b.forget(cookie)
			return
		}

		response, ok := <-c.resp
		b.forget(cookie)
		if !ok {
			return // bridge shut down while this caller was in flight
		}

		c.mu.Lock()
		c.state = stateResponding
		c.mu.Unlock()

		if _, err := conn.Write([]byte(response)); err != nil {
			return
		}
	}
}

// OnResponse handles an inbound {command:"authorize", cookie, response}
// control message already validated for shape by the router. A response for
// an unknown cookie is silently discarded (spec §4.8 invariant); a response
// for a cookie whose caller is not currently authorizing logs a warning and
// is otherwise ignored, without tearing down the transport.
func (b *Bridge) OnResponse(cookie int64, response string) {
	b.mu.Lock()
	c, ok := b.callers[cookie]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("discarding authorize response for unknown cookie", "cookie", cookie)
		return
	}

	c.mu.Lock()
	inFlight := c.state == stateAuthorizing
	c.mu.Unlock()
	if !inFlight {
		b.log.Warn("authorize response arrived while caller was not authorizing", "cookie", cookie)
		return
	}

	c.resp <- response
}

func (b *Bridge) forget(cookie int64) {
	b.mu.Lock()
	delete(b.callers, cookie)
	b.mu.Unlock()
}

// Close stops accepting new helpers, disconnects every live caller, and
// removes the listening socket file.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	callers := make([]*caller, 0, len(b.callers))
	for _, c := range b.callers {
		callers = append(callers, c)
	}
	b.callers = map[int64]*caller{}
	b.mu.Unlock()

	for _, c := range callers {
		close(c.resp)
	}

	err := b.listener.Close()
	_ = os.Remove(b.sockPath)
	return err
}
