// Package middleware provides always-on transport middleware for the server.
package middleware

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tinkertools/proxygate/internal/platform/appctx"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
)

// RequestLogger attaches a request-scoped logger to the request context.
// Must run after chi's RequestID so GetReqID returns a value. The attached
// fields are inherited by the access log and any handler using
// appctx.GetLogger.
func RequestLogger(base *slog.Logger, trustedProxies *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := "unknown"
			if trustedProxies != nil {
				clientIP = trustedProxies.ClientAddrString(r)
			}

			reqLogger := base.With(
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path, // path only, no query string
				"client_ip", clientIP,
			)

			ctx := appctx.WithLogger(r.Context(), reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
