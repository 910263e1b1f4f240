// Package logging constructs the bridge's stderr structured logger, the
// same role log15 plays in every ngrok-go package (e.g.
// internal/tunnel/client.newRawSession's s.Logger).
package logging

import (
	"io"
	"os"

	log "github.com/inconshreveable/log15"
)

// New builds the root logger. It writes to w (normally the process's real
// stderr, fd 2 — see the process convention in SPEC_FULL.md §6) in log15's
// terminal format. A nil w defaults to os.Stderr, for convenience in tests.
func New(w io.Writer) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.New()
	logger.SetHandler(log.StreamHandler(w, log.TerminalFormat()))
	return logger
}

// Component derives a child logger tagged with a component name, mirroring
// the teacher's `s.Logger.New("clientid", s.id)` pattern.
func Component(parent log.Logger, name string) log.Logger {
	return parent.New("component", name)
}
