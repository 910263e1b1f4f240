package reauthorize

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
)

// saltAlphabet is crypt's 64-character salt alphabet (reauthorize.c's
// generate_salt "set").
const saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789./"

// generateSalt builds a fresh "$6$<16 random chars>$" SHA-512-crypt salt,
// reading raw entropy from the OS CSPRNG and mapping each byte into
// saltAlphabet, byte-for-byte as reauthorize.c's generate_salt does (it
// reads from /dev/urandom and reduces each byte mod strlen(set)).
func generateSalt() (string, error) {
	const numSaltBytes = 16
	raw := make([]byte, numSaltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("couldn't generate crypt salt: %w", err)
	}
	var b strings.Builder
	b.Grow(3 + numSaltBytes + 1)
	b.WriteString("$6$")
	for _, c := range raw {
		b.WriteByte(saltAlphabet[int(c)%len(saltAlphabet)])
	}
	b.WriteByte('$')
	return b.String(), nil
}

// Prepare hashes password with a freshly generated $6$ salt and installs the
// resulting crypt string under SecretName(user) in kr (spec §4.7.1). It is a
// no-op (not an error) when password is empty, matching reauthorize_prepare's
// "no password available" early return.
func Prepare(kr *Keyring, user, password string) error {
	if password == "" {
		return nil
	}

	salt, err := generateSalt()
	if err != nil {
		return err
	}

	secret, err := cryptWith(salt, password)
	if err != nil {
		return fmt.Errorf("couldn't crypt reauthorize secret: %w", err)
	}
	defer zero(&secret)

	// Double check our assumptions about crypt() before this secret is ever
	// sent out as a challenge (reauthorize.c checks the salt prefix of its
	// own output matches the salt it asked for).
	n := saltLen(secret)
	if n < 0 || secret[:n] != salt {
		return fmt.Errorf("got invalid result from crypt")
	}

	return kr.Set(SecretName(user), []byte(secret))
}

// Verdict is the outcome of a completed reauthorize exchange.
type Verdict int

const (
	No Verdict = iota
	Yes
)

// ShadowLookup resolves a user's crypt-hashed password from the system
// shadow database, the fallback reauthorize_perform uses when no session
// secret was ever prepared (getspnam_r in the C source). Returns "", nil
// when the user has no shadow entry or no valid crypt hash.
type ShadowLookup func(user string) (cryptHash string, err error)

// SystemShadowLookup reads /etc/shadow directly, mirroring getspnam_a's
// field layout (user:hash:...). Requires read access to /etc/shadow, which
// on a real Cockpit host the bridge has via the logged-in user's privilege
// boundary; tests supply a fake ShadowLookup instead.
func SystemShadowLookup(user string) (string, error) {
	f, err := os.Open("/etc/shadow")
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 || fields[0] != user {
			continue
		}
		hash := fields[1]
		if saltLen(hash) < 0 {
			return "", nil
		}
		return hash, nil
	}
	return "", scanner.Err()
}

// Perform implements reauthorize_perform (spec §4.7.2).
//
//   - response == "" (a non-nil pointer to an empty string) means the
//     caller cancelled: returns (No, "", nil).
//   - response == nil (no response yet) builds and returns a fresh challenge.
//   - response != nil and non-empty validates it and returns Yes or No.
func Perform(kr *Keyring, shadow ShadowLookup, user string, response *string) (verdict Verdict, challenge string, err error) {
	if response != nil && *response == "" {
		return No, "", nil
	}

	secret, err := kr.Get(SecretName(user))
	if err != nil && !os.IsNotExist(err) {
		return No, "", err
	}
	if len(secret) == 0 {
		if shadow == nil {
			shadow = SystemShadowLookup
		}
		hash, err := shadow(user)
		if err != nil {
			return No, "", err
		}
		secret = []byte(hash)
	}

	if len(secret) == 0 {
		// No GSSAPI fallback in this implementation (spec §1 Non-goals:
		// "no cryptographic authentication other than crypt1").
		return No, "", nil
	}
	secretStr := string(secret)
	defer zero(&secretStr)

	if response == nil {
		challenge, err := buildChallenge(user, secretStr)
		if err != nil {
			return No, "", err
		}
		return No, challenge, nil
	}

	ok, err := validateResponse(secretStr, *response)
	if err != nil {
		return No, "", err
	}
	if ok {
		return Yes, "", nil
	}
	return No, "", nil
}

// buildChallenge mirrors build_reauthorize_challenge: a fresh nonce salt
// plus the salt prefix (never the full hash) of secret, with user hex-encoded
// for binary safety on the wire.
func buildChallenge(user, secret string) (string, error) {
	n := saltLen(secret)
	if n < 0 {
		return "", fmt.Errorf("ignoring invalid reauthorize secret")
	}
	nonce, err := generateSalt()
	if err != nil {
		return "", fmt.Errorf("unable to generate crypt salt: %w", err)
	}
	hexUser := hexEncode(user)
	challenge := fmt.Sprintf("crypt1:%s:%s:%s", hexUser, nonce, secret[:n])

	// build_reauthorize_challenge (reauthorize.c ~428-471) asserts its own
	// output never carries the plaintext secret; the analogous check here is
	// that the challenge never embeds anything beyond secret's salt prefix
	// — it must not contain the hash portion that follows it.
	if n < len(secret) && strings.Contains(challenge, secret) {
		return "", fmt.Errorf("internal error: reauthorize challenge would leak the secret hash")
	}

	return challenge, nil
}

// validateResponse mirrors perform_reauthorize_validate: recompute
// crypt(secret, nonce) and byte-compare against response.
func validateResponse(secret, response string) (bool, error) {
	const prefix = "crypt1:"
	if !strings.HasPrefix(response, prefix) {
		return false, fmt.Errorf("received invalid response")
	}
	rest := response[len(prefix):]
	n := saltLen(rest)
	if n < 0 {
		return false, fmt.Errorf("ignoring invalid reauthorize response")
	}
	nonce := rest[:n]

	check, err := cryptWith(nonce, secret)
	if err != nil {
		return false, fmt.Errorf("couldn't crypt data: %w", err)
	}
	return check == rest, nil
}

func hexEncode(s string) string {
	const hex = "0123456789abcdef"
	b := make([]byte, len(s)*2)
	for i := 0; i < len(s); i++ {
		b[i*2] = hex[s[i]>>4]
		b[i*2+1] = hex[s[i]&0xf]
	}
	return string(b)
}
