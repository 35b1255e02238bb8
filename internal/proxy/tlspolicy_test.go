package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestClientConfigStrict(t *testing.T) {
	sel := NewTLSSelector(nil)
	cfg := sel.ClientConfig(0, "example.com")
	if cfg.InsecureSkipVerify {
		t.Error("strict config must verify")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}
	if cfg.ServerName != "example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestClientConfigAll(t *testing.T) {
	sel := NewTLSSelector(nil)
	cfg := sel.ClientConfig(skipAllBits, "example.com")
	if !cfg.InsecureSkipVerify {
		t.Error("all must disable verification")
	}
	if cfg.VerifyPeerCertificate != nil {
		t.Error("all must not install a manual verifier")
	}
	if cfg.MinVersion != tls.VersionTLS10 {
		t.Errorf("weak ciphers imply a lowered floor, got %x", cfg.MinVersion)
	}
}

func TestClientConfigPartialInstallsVerifier(t *testing.T) {
	sel := NewTLSSelector(nil)
	cfg := sel.ClientConfig(SkipSelfSigned|SkipCertAuthority, "example.com")
	if !cfg.InsecureSkipVerify || cfg.VerifyPeerCertificate == nil {
		t.Error("partial relaxation must verify manually")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Error("no weak_cipher token: floor must stay at 1.2")
	}
}

func TestClientConfigNotShared(t *testing.T) {
	sel := NewTLSSelector(nil)
	a := sel.ClientConfig(SkipSelfSigned, "a.example")
	b := sel.ClientConfig(SkipSelfSigned, "a.example")
	if a == b {
		t.Error("permissive configs must be per-request, never shared")
	}
}

// selfSignedCert builds a throwaway certificate for verifier tests.
func selfSignedCert(t *testing.T, cn string, notBefore, notAfter time.Time, dnsNames []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		DNSNames:     dnsNames,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func TestVerifierSelfSigned(t *testing.T) {
	now := time.Now()
	der := selfSignedCert(t, "gw.test", now.Add(-time.Hour), now.Add(time.Hour), []string{"gw.test"})

	// Untrusted chain: strict chain check fails, relaxation passes.
	strictVerify := verifyWithRelaxations(SkipExpiredCert, nil, "gw.test")
	if err := strictVerify([][]byte{der}, nil); err == nil {
		t.Error("self-signed chain passed without self_signed/cert_authority")
	}

	relaxed := verifyWithRelaxations(SkipSelfSigned|SkipCertAuthority, nil, "gw.test")
	if err := relaxed([][]byte{der}, nil); err != nil {
		t.Errorf("self-signed rejected with relaxation: %v", err)
	}
}

func TestVerifierHostname(t *testing.T) {
	now := time.Now()
	der := selfSignedCert(t, "gw.test", now.Add(-time.Hour), now.Add(time.Hour), []string{"gw.test"})

	mismatch := verifyWithRelaxations(SkipSelfSigned|SkipCertAuthority, nil, "other.test")
	if err := mismatch([][]byte{der}, nil); err == nil {
		t.Error("hostname mismatch passed without hostname_mismatch")
	}

	relaxed := verifyWithRelaxations(SkipSelfSigned|SkipCertAuthority|SkipHostnameMismatch, nil, "other.test")
	if err := relaxed([][]byte{der}, nil); err != nil {
		t.Errorf("hostname mismatch still rejected with relaxation: %v", err)
	}
}

func TestVerifierExpired(t *testing.T) {
	now := time.Now()
	der := selfSignedCert(t, "gw.test", now.Add(-2*time.Hour), now.Add(-time.Hour), []string{"gw.test"})

	expired := verifyWithRelaxations(SkipSelfSigned|SkipCertAuthority, nil, "gw.test")
	if err := expired([][]byte{der}, nil); err == nil {
		t.Error("expired certificate passed without expired_cert")
	}

	relaxed := verifyWithRelaxations(SkipSelfSigned|SkipCertAuthority|SkipExpiredCert, nil, "gw.test")
	if err := relaxed([][]byte{der}, nil); err != nil {
		t.Errorf("expired certificate still rejected with relaxation: %v", err)
	}
}

func TestVerifierNoCertificates(t *testing.T) {
	v := verifyWithRelaxations(SkipSelfSigned, nil, "gw.test")
	if err := v(nil, nil); err == nil {
		t.Error("empty chain must fail")
	}
}
