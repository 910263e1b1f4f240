// Package env models the "in-memory settings backend" and "dummy proxy
// resolver" spec §6's environment contract names, plus the sanitized PATH
// the bridge's process convention requires. It is intentionally not a
// file-backed config loader: the source's settings backend lives only for
// the lifetime of the bridge process, and spec.md's Non-goals exclude
// session/user management, so there is no durable configuration surface to
// serve with a YAML/TOML library here.
package env

import (
	"os"
	"strings"
)

// DefaultPath is the sanitized PATH the bridge execs child processes with,
// independent of whatever PATH the gateway's spawn environment happened to
// carry (spec §6: "a sanitized PATH").
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Settings is the bridge's in-memory settings backend: a group -> key ->
// value map, analogous to a GKeyFile/GSettings tree but never persisted.
type Settings struct {
	groups map[string]map[string]string
}

// NewSettings builds the default settings tree: Cockpit.conf-style defaults
// (a disabled proxy, matching "dummy proxy resolver") overlaid with anything
// relevant found in the process environment.
func NewSettings() *Settings {
	s := &Settings{groups: map[string]map[string]string{
		"WebService": {
			"ProxyMode": "none",
		},
	}}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "COCKPIT_") {
			continue
		}
		s.Set("Environment", strings.TrimPrefix(k, "COCKPIT_"), v)
	}
	return s
}

// Get returns the value of key in group, and whether it was present.
func (s *Settings) Get(group, key string) (string, bool) {
	g, ok := s.groups[group]
	if !ok {
		return "", false
	}
	v, ok := g[key]
	return v, ok
}

// Set installs value under group/key, creating the group if needed.
func (s *Settings) Set(group, key, value string) {
	g, ok := s.groups[group]
	if !ok {
		g = map[string]string{}
		s.groups[group] = g
	}
	g[key] = value
}

// ProxyMode implements the "dummy proxy resolver": the bridge never proxies
// outbound connections on the user's behalf, so this always reports "none"
// unless overridden by an explicit COCKPIT_PROXYMODE environment entry.
func (s *Settings) ProxyMode() string {
	if v, ok := s.Get("Environment", "PROXYMODE"); ok {
		return v
	}
	v, _ := s.Get("WebService", "ProxyMode")
	return v
}

// SanitizedPath returns DefaultPath, ignoring whatever PATH the process was
// launched with (spec §6 process convention: "a sanitized PATH").
func SanitizedPath() string {
	return DefaultPath
}
