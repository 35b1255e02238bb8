package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/tinkertools/proxygate/internal/platform/config"
	"github.com/tinkertools/proxygate/internal/platform/logutil"
)

const (
	legoStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	legoProductionURL = "https://acme-v02.api.letsencrypt.org/directory"
)

// acmeUser implements the lego User interface.
type acmeUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// http01Provider stores HTTP-01 challenge responses in memory. The server
// owns the listener; lego never binds its own port.
type http01Provider struct {
	tokens sync.Map // token -> keyAuthorization
}

func (p *http01Provider) Present(domain, token, keyAuth string) error {
	p.tokens.Store(token, keyAuth)
	return nil
}

func (p *http01Provider) CleanUp(domain, token, keyAuth string) error {
	p.tokens.Delete(token)
	return nil
}

// ACMEManager obtains and serves a certificate for tls.mode=acme using lego.
type ACMEManager struct {
	cfg      *config.TLSConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	cert     *cryptotls.Certificate
	provider *http01Provider
}

// NewACMEManager creates an ACME certificate manager.
func NewACMEManager(cfg *config.TLSConfig, logger *slog.Logger) *ACMEManager {
	return &ACMEManager{
		cfg:      cfg,
		logger:   logutil.NoopIfNil(logger),
		provider: &http01Provider{},
	}
}

// Init loads an existing certificate without network calls when possible, or
// registers with the ACME directory and obtains one.
func (m *ACMEManager) Init(ctx context.Context) error {
	if m.cfg.ACMEDomain == "" {
		return errors.New("tls: acme_domain is required")
	}
	if m.cfg.ACMEEmail == "" {
		return errors.New("tls: acme_email is required")
	}
	if err := os.MkdirAll(m.cfg.ACMECacheDir, 0700); err != nil {
		return fmt.Errorf("tls: create acme cache dir: %w", err)
	}

	if cert, err := m.loadCertificate(); err == nil {
		m.mu.Lock()
		m.cert = cert
		m.mu.Unlock()
		m.logger.Info("loaded cached ACME certificate", "domain", m.cfg.ACMEDomain)
		return nil
	}

	m.logger.Info("no cached certificate, contacting ACME directory", "domain", m.cfg.ACMEDomain)

	user, err := m.loadOrCreateUser()
	if err != nil {
		return fmt.Errorf("tls: acme account: %w", err)
	}

	legoCfg := lego.NewConfig(user)
	if m.cfg.ACMEStaging {
		legoCfg.CADirURL = legoStagingURL
	} else {
		legoCfg.CADirURL = legoProductionURL
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("tls: acme client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return fmt.Errorf("tls: set HTTP-01 provider: %w", err)
	}

	if user.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("tls: acme registration: %w", err)
		}
		user.Registration = reg
		if err := m.saveUser(user); err != nil {
			m.logger.Warn("failed to save ACME account", "error", err)
		}
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.ACMEDomain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("tls: obtain certificate: %w", err)
	}

	if err := os.WriteFile(m.certPath(), res.Certificate, 0644); err != nil {
		return fmt.Errorf("tls: write certificate: %w", err)
	}
	if err := os.WriteFile(m.keyPath(), res.PrivateKey, 0600); err != nil {
		return fmt.Errorf("tls: write key: %w", err)
	}

	cert, err := cryptotls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("tls: parse obtained certificate: %w", err)
	}
	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()
	m.logger.Info("obtained ACME certificate", "domain", m.cfg.ACMEDomain)
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (m *ACMEManager) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("tls: no certificate available")
	}
	return m.cert, nil
}

// TLSConfig returns a listener config backed by this manager.
func (m *ACMEManager) TLSConfig() *cryptotls.Config {
	return &cryptotls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     cryptotls.VersionTLS12,
	}
}

// ChallengeHandler serves HTTP-01 responses at
// /.well-known/acme-challenge/{token}. Mount on the plain-HTTP listener.
func (m *ACMEManager) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/.well-known/acme-challenge/"
		token := strings.TrimPrefix(r.URL.Path, prefix)
		if token == "" || token == r.URL.Path {
			http.NotFound(w, r)
			return
		}
		keyAuth, ok := m.provider.tokens.Load(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth.(string))
	})
}

func (m *ACMEManager) certPath() string { return filepath.Join(m.cfg.ACMECacheDir, "server.crt") }
func (m *ACMEManager) keyPath() string  { return filepath.Join(m.cfg.ACMECacheDir, "server.key") }

func (m *ACMEManager) loadCertificate() (*cryptotls.Certificate, error) {
	cert, err := cryptotls.LoadX509KeyPair(m.certPath(), m.keyPath())
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (m *ACMEManager) loadOrCreateUser() (*acmeUser, error) {
	userFile := filepath.Join(m.cfg.ACMECacheDir, "account.json")
	keyFile := filepath.Join(m.cfg.ACMECacheDir, "account.key")

	if userData, err := os.ReadFile(userFile); err == nil {
		if keyData, err := os.ReadFile(keyFile); err == nil {
			user := &acmeUser{}
			if json.Unmarshal(userData, user) == nil {
				if key, err := certcrypto.ParsePEMPrivateKey(keyData); err == nil {
					user.key = key
					return user, nil
				}
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{Email: m.cfg.ACMEEmail, key: key}

	keyPEM := certcrypto.PEMEncode(key)
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	return user, nil
}

func (m *ACMEManager) saveUser(user *acmeUser) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.cfg.ACMECacheDir, "account.json"), data, 0600)
}
