// Package reauthorize implements the crypt1 challenge/response primitive
// (spec §4.7) and the seqpacket bridge that carries it between local setuid
// helpers and the gateway (spec §4.8). This file is the pure, I/O-free half:
// parsing challenges and computing responses, ported function-for-function
// from original_source/src/reauthorize/reauthorize.c's reauthorize_type,
// reauthorize_user and reauthorize_crypt1.
package reauthorize

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// Type returns the leading "kind:" field of a challenge, e.g. "crypt1".
func Type(challenge string) (string, error) {
	pos := strings.IndexByte(challenge, ':')
	if pos <= 0 {
		return "", fmt.Errorf("invalid reauthorize challenge")
	}
	return challenge[:pos], nil
}

// User returns the decoded second field of a challenge, which reauthorize_perform
// hex-encodes to keep usernames binary-safe on the wire.
func User(challenge string) (string, error) {
	pos := strings.IndexByte(challenge, ':')
	if pos < 0 {
		return "", fmt.Errorf("invalid reauthorize challenge: no type")
	}
	rest := challenge[pos+1:]
	if end := strings.IndexByte(rest, ':'); end >= 0 {
		rest = rest[:end]
	}
	decoded, err := hex.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("invalid reauthorize challenge: bad hex encoding")
	}
	for _, b := range decoded {
		if b == 0 {
			return "", fmt.Errorf("invalid reauthorize challenge: embedded nulls in user")
		}
	}
	return string(decoded), nil
}

// saltLen returns the length of the leading "$algo$salt$" prefix of s, or -1
// if s is not a recognizable crypt salt (ported from parse_salt).
func saltLen(s string) int {
	if len(s) == 0 || s[0] != '$' {
		return -1
	}
	pos := strings.IndexByte(s[1:], '$')
	if pos < 0 {
		return -1
	}
	pos++ // index within s of the second '$'
	if pos == 1 {
		return -1 // empty algo field
	}
	end := strings.IndexByte(s[pos+1:], '$')
	if end < 0 {
		return -1
	}
	end += pos + 1 // index within s of the third '$'
	if end < pos+8 {
		return -1
	}
	return end + 1
}

// Crypt1 computes the crypt1 response to challenge for password (spec §4.7,
// scenario S6). The wire format, after the "crypt1:" prefix, is
// "<ignored>:<nonce-salt>:<salt>" — the middle field (a hex user, set by
// Perform) is a delimiter only; reauthorize_crypt1 never inspects it.
func Crypt1(challenge, password string) (response string, err error) {
	const prefix = "crypt1:"
	if !strings.HasPrefix(challenge, prefix) {
		return "", fmt.Errorf("reauthorize challenge is not a crypt1")
	}
	rest := challenge[len(prefix):]

	firstColon := strings.IndexByte(rest, ':')
	if firstColon < 0 {
		return "", fmt.Errorf("couldn't parse reauthorize challenge")
	}
	afterField := rest[firstColon+1:]
	secondColon := strings.IndexByte(afterField, ':')
	if secondColon < 0 {
		return "", fmt.Errorf("couldn't parse reauthorize challenge")
	}
	nonce := afterField[:secondColon]
	salt := afterField[secondColon+1:]

	if saltLen(nonce) < 0 || saltLen(salt) < 0 {
		return "", fmt.Errorf("reauthorize challenge has bad nonce or salt")
	}

	secret, err := cryptWith(salt, password)
	if err != nil {
		return "", fmt.Errorf("couldn't hash password via crypt: %w", err)
	}
	defer zero(&secret)

	resp, err := cryptWith(nonce, secret)
	if err != nil {
		return "", fmt.Errorf("couldn't hash secret via crypt: %w", err)
	}

	return "crypt1:" + resp, nil
}

// cryptWith runs the glibc-compatible crypt(3) algorithm named by salt's
// "$algo$" prefix against key, returning the full "$algo$salt$hash" string.
func cryptWith(salt, key string) (string, error) {
	crypter := crypt.NewFromHash(salt)
	if crypter == nil {
		return "", fmt.Errorf("unrecognized crypt salt algorithm")
	}
	return crypter.Generate([]byte(key), []byte(salt))
}

// zero replaces *s with a same-length string of 0xAA bytes. Go strings are
// immutable, so this works on a copy: the bytes of the original string are
// not overwritten and remain in memory until the garbage collector reclaims
// them.
func zero(s *string) {
	b := []byte(*s)
	for i := range b {
		b[i] = 0xAA
	}
	*s = string(b)
}
