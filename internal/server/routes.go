package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tinkertools/proxygate/internal/platform/http/middleware"
)

// routes builds the chi router. The proxy route is last so /healthz and
// /debug are never shadowed by instance names.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// RequestID must come first so the request logger sees it; the access
	// log wraps the response writer so Recoverer panics are still recorded
	// with the right status.
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(s.logger, s.deps.TrustedProxies))
	r.Use(middleware.AccessLog(s.logger))
	r.Use(chimw.Recoverer)

	if s.deps.Limiter != nil {
		r.Use(s.deps.Limiter.Middleware(s.deps.TrustedProxies))
	}

	if s.deps.ACME != nil {
		// Handle, not Mount: the challenge handler matches on the full path.
		r.Handle("/.well-known/acme-challenge/*", s.deps.ACME.ChallengeHandler())
	}

	r.Get("/healthz", s.handleHealth)

	if s.cfg.Debug.Enabled {
		r.Get("/debug", s.handleDebug)
	}

	r.Handle("/{instance}", s.deps.Proxy)
	r.Handle("/{instance}/*", s.deps.Proxy)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDebug returns the current instance table. Tokens are redacted unless
// the deployment opts in.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Registry.Snapshot(!s.cfg.Debug.IncludeTokens)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"instances": snap})
}
