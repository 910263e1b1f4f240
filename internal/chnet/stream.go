// Package chnet implements C6, the stream and packet channels: byte-stream
// and datagram relays between a channel and a real Unix or TCP socket.
//
// The dial-then-relay shape is grounded on
// internal/tunnel/client/raw_session.go's Accept/dial pattern and
// internal/tunnel/netx/logged_conn.go's conn wrapper, adapted from "accept
// a muxado stream and hand it to an HTTP server" to "dial a real socket and
// pump bytes to/from a channel".
package chnet

import (
	"errors"
	"fmt"
	"io"
	"net"

	log "github.com/inconshreveable/log15"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
)

type streamChannel struct {
	base *channel.Base
	log  log.Logger
	conn net.Conn
}

// NewStream builds a "stream" channel: it dials the Unix path or host:port
// named by options (optionally under TLS) and relays bytes in both
// directions until either side closes (spec §4.5).
func NewStream(sender channel.Sender, id string, options map[string]any, onClose channel.OnClosed, logger log.Logger) *channel.Base {
	c := &streamChannel{log: logger.New("kind", "stream", "id", id)}
	c.base = channel.NewBase(sender, id, options, c, onClose, logger)

	conn, err := dial(options)
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

func dial(options map[string]any) (net.Conn, error) {
	unixPath, hasUnix := options["unix"].(string)
	port, hasPort := options["port"]
	address, _ := options["address"].(string)

	var conn net.Conn
	var err error
	switch {
	case hasUnix && unixPath != "":
		conn, err = net.Dial("unix", unixPath)
	case hasPort:
		if address == "" {
			address = "localhost"
		}
		portNum, ok := port.(float64)
		if !ok {
			return nil, fmt.Errorf("port option must be a number")
		}
		conn, err = net.Dial("tcp", fmt.Sprintf("%s:%d", address, int(portNum)))
	default:
		return nil, fmt.Errorf("exactly one of \"unix\" or \"port\" is required")
	}
	if err != nil {
		return nil, err
	}

	if tlsOpts, ok := options["tls"].(map[string]any); ok {
		return wrapTLS(conn, address, tlsOpts)
	}
	return conn, nil
}

func wrapTLS(conn net.Conn, serverName string, tlsOpts map[string]any) (net.Conn, error) {
	cfg, err := buildTLSConfig(tlsOpts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tlsConn := tlsClient(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *streamChannel) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.base.Send(buf[:n], false)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.base.Close("")
			} else {
				c.base.Close(problem.FromErr(err).Code)
			}
			return
		}
	}
}

func (c *streamChannel) HandleRecv(payload []byte) {
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write(payload); err != nil {
		c.base.Close(problem.FromErr(err).Code)
	}
}

func (c *streamChannel) HandleClose() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *streamChannel) HandleControl(string, map[string]any) bool { return false }
