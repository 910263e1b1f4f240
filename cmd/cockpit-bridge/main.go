// Command cockpit-bridge is the per-user session-side agent (spec §1 "the
// bridge"): it speaks the framed transport on its stdin/stdout, routes
// control commands to channels, runs the metrics pipeline, and bridges
// local reauthorize helpers to the gateway.
//
// The fd-duplication-then-redirect trick (save the real stdout, point fd 1
// at fd 2 so any library code that writes to stdout becomes log output) and
// the SIGPIPE-ignore/SIGTERM-graceful-shutdown wiring follow spec §6's
// process convention; the overall "construct logger, construct session,
// run" shape is grounded on ngrok-go's examples/ main.go wiring style.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/cockpit-project/cockpit-sub006/internal/channel"
	"github.com/cockpit-project/cockpit-sub006/internal/chfs"
	"github.com/cockpit-project/cockpit-sub006/internal/chnet"
	"github.com/cockpit-project/cockpit-sub006/internal/env"
	"github.com/cockpit-project/cockpit-sub006/internal/logging"
	"github.com/cockpit-project/cockpit-sub006/internal/metrics"
	"github.com/cockpit-project/cockpit-sub006/internal/problem"
	"github.com/cockpit-project/cockpit-sub006/internal/reauthorize"
	"github.com/cockpit-project/cockpit-sub006/internal/router"
	"github.com/cockpit-project/cockpit-sub006/internal/transport"
)

func main() {
	os.Exit(run())
}

// transportSender forwards to a *transport.Transport assigned after
// construction, breaking the router<->transport circular dependency: the
// router needs a Sender before the transport exists (the transport's
// Handlers close over the router), and the transport needs the router's
// Recv/Control/Closed callbacks before it exists.
type transportSender struct {
	t *transport.Transport
}

func (s *transportSender) Send(id string, payload []byte) { s.t.Send(id, payload) }
func (s *transportSender) SendControl(obj any) error       { return s.t.SendControl(obj) }

var _ channel.Sender = (*transportSender)(nil)

func run() int {
	// Duplicate the real stdout before anything else touches fd 1, then
	// redirect fd 1 at fd 2 so stray library writes to os.Stdout become log
	// output rather than corrupting the framed transport (spec §6).
	realStdout, err := unix.Dup(1)
	if err != nil {
		os.Stderr.WriteString("cockpit-bridge: couldn't duplicate stdout: " + err.Error() + "\n")
		return 1
	}
	if err := unix.Dup2(2, 1); err != nil {
		os.Stderr.WriteString("cockpit-bridge: couldn't redirect stdout to stderr: " + err.Error() + "\n")
		return 1
	}
	writeFile := os.NewFile(uintptr(realStdout), "cockpit-transport-write")

	signal.Ignore(syscall.SIGPIPE)

	logger := logging.New(os.Stderr)
	_ = env.NewSettings() // in-memory settings backend; built and discarded, no channel kind reads it

	sender := &transportSender{}
	rtr := router.New(sender, logger)
	registerChannelKinds(rtr)

	done := make(chan problem.Code, 1)
	t := transport.New(os.Stdin, writeFile, writeFile, logger, transport.Handlers{
		Recv:    rtr.Recv,
		Control: rtr.Control,
		Closed: func(code problem.Code) {
			rtr.Closed(code)
			select {
			case done <- code:
			default:
			}
		},
	})
	sender.t = t

	runtimeDir := runtimeDir()
	kr, err := reauthorize.OpenKeyringAt(runtimeDir + "/keyring")
	if err != nil {
		logger.Error("couldn't open reauthorize keyring", "err", err)
	}

	var bridge *reauthorize.Bridge
	if kr != nil {
		bridge, err = reauthorize.Listen(runtimeDir+"/reauthorize", sender, logger)
		if err != nil {
			logger.Error("couldn't start reauthorize bridge", "err", err)
		} else {
			if err := kr.Set(reauthorize.SocketName, bridge.Address()); err != nil {
				logger.Warn("couldn't record reauthorize socket address in keyring", "err", err)
			}
			rtr.SetAuthorizeHandler(bridge.OnResponse)
		}
	}

	if err := t.SendInit(); err != nil {
		logger.Error("couldn't send init", "err", err)
		return 1
	}

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)

	select {
	case <-done:
	case <-sigterm:
		logger.Debug("received SIGTERM, shutting down")
		t.Close()
		<-done
	}

	var errs *multierror.Error
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		logger.Warn("errors during shutdown", "err", errs)
	}
	return 0
}

// runtimeDir resolves the per-session private runtime directory the
// keyring substitute and reauthorize socket live under.
func runtimeDir() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return d + "/cockpit-bridge"
	}
	d, err := os.MkdirTemp("", "cockpit-bridge")
	if err != nil {
		return os.TempDir() + "/cockpit-bridge"
	}
	return d
}

// registerChannelKinds wires every SPEC_FULL.md channel-kind package into
// the router's closed dispatch set (spec §4.3).
func registerChannelKinds(rtr *router.Router) {
	rtr.Register("fsread1", chfs.NewFsread)
	rtr.Register("fsreplace1", chfs.NewFsreplace)
	rtr.Register("fswatch1", chfs.NewFswatch)
	rtr.Register("fsdir", chfs.NewFsdir)
	rtr.Register("fslist1", chfs.NewFsdir)
	rtr.Register("stream", chnet.NewStream)
	rtr.Register("packet", chnet.NewPacket)
	rtr.Register("metrics1", metrics.NewMetrics)
}
