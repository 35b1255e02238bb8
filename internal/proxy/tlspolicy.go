package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// SkipTLS is the set of relaxed upstream TLS checks for one request.
type SkipTLS uint8

const (
	SkipExpiredCert SkipTLS = 1 << iota
	SkipSelfSigned
	SkipHostnameMismatch
	SkipCertAuthority
	SkipWeakCipher

	skipAllBits = SkipExpiredCert | SkipSelfSigned | SkipHostnameMismatch |
		SkipCertAuthority | SkipWeakCipher
)

// ParseSkipTLS parses the comma-separated token list. Unknown tokens are
// ignored; "all" implies the full set.
func ParseSkipTLS(s string) SkipTLS {
	var set SkipTLS
	for _, tok := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "all":
			return skipAllBits
		case "expired_cert":
			set |= SkipExpiredCert
		case "self_signed":
			set |= SkipSelfSigned
		case "hostname_mismatch":
			set |= SkipHostnameMismatch
		case "cert_authority":
			set |= SkipCertAuthority
		case "weak_cipher":
			set |= SkipWeakCipher
		}
	}
	return set
}

// Has reports whether flag is in the set.
func (s SkipTLS) Has(flag SkipTLS) bool { return s&flag != 0 }

// Empty reports whether no checks are relaxed.
func (s SkipTLS) Empty() bool { return s == 0 }

// String renders the set canonically (fixed order), for logging.
func (s SkipTLS) String() string {
	if s == 0 {
		return "none"
	}
	if s == skipAllBits {
		return "all"
	}
	var toks []string
	if s.Has(SkipExpiredCert) {
		toks = append(toks, "expired_cert")
	}
	if s.Has(SkipSelfSigned) {
		toks = append(toks, "self_signed")
	}
	if s.Has(SkipHostnameMismatch) {
		toks = append(toks, "hostname_mismatch")
	}
	if s.Has(SkipCertAuthority) {
		toks = append(toks, "cert_authority")
	}
	if s.Has(SkipWeakCipher) {
		toks = append(toks, "weak_cipher")
	}
	return strings.Join(toks, ",")
}

// TLSSelector translates a SkipTLS set into a client tls.Config.
// Strict configurations share the configured trust roots; permissive ones
// are built fresh per call and must never be reused across requests.
type TLSSelector struct {
	roots *x509.CertPool // extra trust roots; nil means system pool
}

// NewTLSSelector creates a selector. roots may be nil to use the system pool.
func NewTLSSelector(roots *x509.CertPool) *TLSSelector {
	return &TLSSelector{roots: roots}
}

// ClientConfig returns the tls.Config for one upstream connection.
// serverName is the target hostname used for SNI and verification.
func (t *TLSSelector) ClientConfig(skip SkipTLS, serverName string) *tls.Config {
	if skip.Empty() {
		return &tls.Config{
			RootCAs:    t.roots,
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		}
	}

	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		// Verification is re-implemented below with the requested
		// relaxations; the handshake itself must not reject first.
		InsecureSkipVerify: true,
	}

	if skip.Has(SkipWeakCipher) {
		cfg.MinVersion = tls.VersionTLS10
		var suites []uint16
		for _, cs := range tls.CipherSuites() {
			suites = append(suites, cs.ID)
		}
		for _, cs := range tls.InsecureCipherSuites() {
			suites = append(suites, cs.ID)
		}
		cfg.CipherSuites = suites
	}

	if skip == skipAllBits {
		return cfg
	}

	cfg.VerifyPeerCertificate = verifyWithRelaxations(skip, t.roots, serverName)
	return cfg
}

// verifyWithRelaxations re-runs certificate verification applying only the
// requested relaxations. Checks not named in the set stay strict.
func verifyWithRelaxations(skip SkipTLS, roots *x509.CertPool, serverName string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tls: server presented no certificates")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("tls: parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		if !skip.Has(SkipHostnameMismatch) {
			if err := leaf.VerifyHostname(serverName); err != nil {
				return err
			}
		}

		chainBypass := skip.Has(SkipSelfSigned) || skip.Has(SkipCertAuthority)
		if chainBypass {
			// No chain building: only the validity window is still checked.
			if !skip.Has(SkipExpiredCert) {
				now := time.Now()
				if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
					return x509.CertificateInvalidError{Cert: leaf, Reason: x509.Expired}
				}
			}
			return nil
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if skip.Has(SkipExpiredCert) {
			// Verify inside the leaf's own validity window so expiry cannot
			// fail the chain; every other check runs as usual.
			opts.CurrentTime = leaf.NotBefore.Add(time.Second)
		}
		_, err := leaf.Verify(opts)
		return err
	}
}
