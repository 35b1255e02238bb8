// Package server provides HTTP server wiring and lifecycle management for
// the standalone gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/config"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
	tlspkg "github.com/tinkertools/proxygate/internal/platform/http/tls"
	"github.com/tinkertools/proxygate/internal/proxy"
	"github.com/tinkertools/proxygate/internal/ratelimit"
	"github.com/tinkertools/proxygate/internal/registry"
)

var ErrMissingDep = errors.New("missing required dependency")

// Deps holds the server dependencies.
type Deps struct {
	// Required: the instance table.
	Registry *registry.Registry

	// Required: the proxy pipeline handler.
	Proxy *proxy.Handler

	// Required: client IP extraction.
	TrustedProxies *realip.TrustedProxies

	// Optional: per-client-IP limiter (nil disables).
	Limiter *ratelimit.Limiter

	// Optional: ACME manager when tls.mode=acme (challenge handler mount).
	ACME *tlspkg.ACMEManager
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	deps       *Deps
	httpServer *http.Server
}

// New creates the server and its router.
func New(cfg *config.Config, logger *slog.Logger, deps *Deps) (*Server, error) {
	if err := validateDeps(deps); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr(),
		Handler: s.routes(),
		// No WriteTimeout: responses stream for up to the per-instance
		// timeout, which the pipeline enforces itself.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Start runs the listener. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting gateway",
		"addr", s.cfg.Server.ListenAddr(),
		"tls_mode", s.cfg.TLS.Mode,
		"instances", s.deps.Registry.Len(),
	)

	if s.cfg.TLS.Mode == "off" {
		return s.httpServer.ListenAndServe()
	}

	manager := tlspkg.NewManager(&s.cfg.TLS, s.logger)
	tlsConfig, err := manager.ListenerConfig(s.cfg.TLS.ACMEDomain, s.deps.ACME)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	s.httpServer.TLSConfig = tlsConfig
	return s.httpServer.ListenAndServeTLS("", "")
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	return s.httpServer.Shutdown(ctx)
}

func validateDeps(deps *Deps) error {
	if deps == nil {
		return errors.New("deps is nil")
	}
	if deps.Registry == nil {
		return fmt.Errorf("%w: Registry", ErrMissingDep)
	}
	if deps.Proxy == nil {
		return fmt.Errorf("%w: Proxy", ErrMissingDep)
	}
	if deps.TrustedProxies == nil {
		return fmt.Errorf("%w: TrustedProxies", ErrMissingDep)
	}
	return nil
}
