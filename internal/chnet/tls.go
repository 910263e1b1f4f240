package chnet

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"os"
)

// credential is one of {file} or {data} (base64), matching spec §4.5's
// nested `certificate`/`key`/`authority` option bags.
type credential struct {
	File string `json:"file,omitempty"`
	Data string `json:"data,omitempty"`
}

func (c credential) bytes() ([]byte, error) {
	if c.File != "" {
		return os.ReadFile(c.File)
	}
	if c.Data != "" {
		return base64.StdEncoding.DecodeString(c.Data)
	}
	return nil, fmt.Errorf("tls credential has neither file nor data")
}

func credentialFromOption(opt any) (credential, bool) {
	m, ok := opt.(map[string]any)
	if !ok {
		return credential{}, false
	}
	c := credential{}
	c.File, _ = m["file"].(string)
	c.Data, _ = m["data"].(string)
	return c, c.File != "" || c.Data != ""
}

// buildTLSConfig assembles a *tls.Config from the "tls" option bag: an
// optional client certificate/key pair and an optional custom trust
// authority (spec §4.5).
func buildTLSConfig(opts map[string]any) (*tls.Config, error) {
	cfg := &tls.Config{}

	certOpt, hasCert := opts["certificate"]
	keyOpt, hasKey := opts["key"]
	if hasCert && hasKey {
		certCred, _ := credentialFromOption(certOpt)
		keyCred, _ := credentialFromOption(keyOpt)
		certPEM, err := certCred.bytes()
		if err != nil {
			return nil, fmt.Errorf("reading certificate: %w", err)
		}
		keyPEM, err := keyCred.bytes()
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate/key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if authorityOpt, hasAuthority := opts["authority"]; hasAuthority {
		authorityCred, ok := credentialFromOption(authorityOpt)
		if ok {
			caPEM, err := authorityCred.bytes()
			if err != nil {
				return nil, fmt.Errorf("reading authority: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("authority option did not contain a usable certificate")
			}
			cfg.RootCAs = pool
		}
	}

	return cfg, nil
}

// tlsClient wraps an established connection in a TLS client using cfg.
func tlsClient(conn net.Conn, cfg *tls.Config) *tls.Conn {
	return tls.Client(conn, cfg)
}
