package chnet

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

const (
	defaultMaxPacketSize = 64 * 1024
	maxPacketSizeCeiling = 128 * 1024
)

// packetChannel relays whole datagrams to/from a SOCK_SEQPACKET socket
// (spec §4.5): one inbound datagram becomes exactly one channel payload,
// oversized datagrams are truncated rather than rejected, a "done" control
// half-closes the write side, and EOF on the socket is reported to the
// frontend as a "done" control.
type packetChannel struct {
	base    *channel.Base
	sender  channel.Sender
	id      string
	log     log.Logger
	conn    *net.UnixConn
	maxSize int

	mu   sync.Mutex
	done bool
}

// NewPacket builds a "packet" channel over a SOCK_SEQPACKET socket named by
// the "unix" option.
func NewPacket(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	c := &packetChannel{
		log:     logger.New("kind", "packet", "id", id),
		sender:  sender,
		id:      id,
		maxSize: defaultMaxPacketSize,
	}
	if size, ok := options["max-size"].(float64); ok && size > 0 {
		c.maxSize = int(size)
		if c.maxSize > maxPacketSizeCeiling {
			c.maxSize = maxPacketSizeCeiling
		}
	}
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	path, _ := options["unix"].(string)
	if path == "" {
		c.base.Ready()
		c.base.Close(problem.ProtocolError)
		return c.base
	}

	conn, err := dialSeqpacket(path)
	if err != nil {
		c.base.Ready()
		c.base.Close(problem.FromErr(err).Code)
		return c.base
	}
	c.conn = conn

	c.base.Ready()
	go c.readLoop()
	return c.base
}

// dialSeqpacket opens a SOCK_SEQPACKET connection to path. net.Dial has no
// seqpacket support, so the socket is built directly with
// golang.org/x/sys/unix and wrapped as a *net.UnixConn via FileConn,
// mirroring the pack's use of that package for syscalls net offers no
// portable wrapper for (e.g. docker-compose's unix.Mkfifo).
func dialSeqpacket(path string) (*net.UnixConn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "seqpacket")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("seqpacket socket did not yield a unix conn")
	}
	return unixConn, nil
}

func (c *packetChannel) readLoop() {
	buf := make([]byte, c.maxSize)
	for {
		n, _, err := c.conn.ReadFromUnix(buf)
		if n > 0 {
			c.base.Send(buf[:n], false)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.sendDone()
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.base.Close(problem.FromErr(err).Code)
			return
		}
	}
}

// sendDone tells the frontend the socket reached EOF, independent of the
// eventual channel close (spec §4.5: "EOF on the socket triggers a `done`
// control toward the frontend").
func (c *packetChannel) sendDone() {
	_ = c.sender.SendControl(map[string]any{"command": "done", "channel": c.id})
}

func (c *packetChannel) HandleRecv(payload []byte) {
	if c.conn == nil {
		return
	}
	if len(payload) > c.maxSize {
		payload = payload[:c.maxSize]
	}
	if _, err := c.conn.Write(payload); err != nil {
		c.base.Close(problem.FromErr(err).Code)
	}
}

func (c *packetChannel) HandleControl(command string, options map[string]any) bool {
	if command != "done" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.conn == nil {
		return true
	}
	c.done = true
	c.conn.CloseWrite()
	return true
}

func (c *packetChannel) HandleClose() {
	if c.conn != nil {
		c.conn.Close()
	}
}
