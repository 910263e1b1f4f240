package reauthorize

import (
	"fmt"
	"os"
	"path/filepath"
)

// Keyring is a filesystem-backed substitute for the Linux kernel session
// keyring used by the original C reauthorize helper (add_key/keyctl_*).
// spec.md §9 "Keyring primitive" explicitly allows this substitution
// provided per-session scope and owner-only permission bits are preserved:
// one 0600 file per entry, rooted under a directory only the owning user
// can read.
type Keyring struct {
	dir string
}

// OpenKeyring roots a Keyring at $XDG_RUNTIME_DIR/cockpit-bridge/keyring,
// falling back to a private temp directory when the runtime dir is unset
// (e.g. under a bare test harness).
func OpenKeyring() (*Keyring, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		var err error
		base, err = os.MkdirTemp("", "cockpit-bridge-keyring")
		if err != nil {
			return nil, fmt.Errorf("creating fallback keyring dir: %w", err)
		}
	}
	dir := filepath.Join(base, "cockpit-bridge", "keyring")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating keyring dir: %w", err)
	}
	return &Keyring{dir: dir}, nil
}

// OpenKeyringAt roots a Keyring at an explicit directory, for tests.
func OpenKeyringAt(dir string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Keyring{dir: dir}, nil
}

func (k *Keyring) path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid keyring entry name %q", name)
	}
	full := filepath.Join(k.dir, clean)
	return full, nil
}

// Set installs payload under name with owner-only permissions (spec §6
// keyring objects: "permissions exactly view|read|write|search|link for
// the owner").
func (k *Keyring) Set(name string, payload []byte) error {
	path, err := k.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0600)
}

// Get reads the payload stored under name. A missing entry returns
// os.ErrNotExist, matching the C side's ENOKEY-is-not-an-error convention
// at the call site (reauthorize_perform treats a missing secret as "fall
// through to shadow", not a hard failure).
func (k *Keyring) Get(name string) ([]byte, error) {
	path, err := k.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes name if present; removing an absent entry is not an error.
func (k *Keyring) Remove(name string) error {
	path, err := k.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SecretName builds the per-user reauthorize secret's keyring entry name.
func SecretName(user string) string {
	return "reauthorize/secret/" + user
}

// SocketName is the keyring entry holding the bridge's listening address.
const SocketName = "reauthorize/socket"
