package proxy

import (
	"context"
	"crypto/x509"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tinkertools/proxygate/internal/platform/appctx"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
	"github.com/tinkertools/proxygate/internal/platform/logutil"
	"github.com/tinkertools/proxygate/internal/registry"
)

// FrameworkAuth is the embedding framework's own authentication verdict,
// AND-ed with the token check when an instance sets requires_auth. Standalone
// deployments leave it nil, which fails closed for such instances.
type FrameworkAuth func(r *http.Request) bool

// Options configures the proxy handler.
type Options struct {
	Registry       *registry.Registry
	TrustedProxies *realip.TrustedProxies

	// RootCAs adds extra trust roots for strict upstream verification.
	RootCAs *x509.CertPool

	// ConnectTimeout bounds TCP connect to the upstream.
	ConnectTimeout time.Duration

	// MaxRedirects caps the follow_redirects chain.
	MaxRedirects int

	// Resolver overrides DNS resolution (tests).
	Resolver Resolver

	// FrameworkAuth supplies the host framework's auth verdict.
	FrameworkAuth FrameworkAuth

	Logger *slog.Logger
}

// Handler is the admission-to-relay pipeline for one inbound request.
// Mount it with an {instance} route parameter, or call Proxy directly with a
// pre-dispatched instance name.
type Handler struct {
	registry      *registry.Registry
	trusted       *realip.TrustedProxies
	dispatcher    *Dispatcher
	frameworkAuth FrameworkAuth
	logger        *slog.Logger
}

// NewHandler wires the pipeline components.
func NewHandler(opts Options) *Handler {
	logger := logutil.NoopIfNil(opts.Logger)
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}
	trusted := opts.TrustedProxies
	if trusted == nil {
		trusted = realip.NewTrustedProxies(nil)
	}

	var policy *Policy
	if opts.Resolver != nil {
		policy = NewPolicyWithResolver(opts.Resolver)
	} else {
		policy = NewPolicy()
	}

	return &Handler{
		registry:      opts.Registry,
		trusted:       trusted,
		dispatcher:    NewDispatcher(policy, NewTLSSelector(opts.RootCAs), opts.ConnectTimeout, opts.MaxRedirects, logger),
		frameworkAuth: opts.FrameworkAuth,
		logger:        logger,
	}
}

// ServeHTTP resolves the instance from the chi route parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Proxy(w, r, chi.URLParam(r, "instance"))
}

// Proxy runs the full pipeline for one request against the named instance.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request, instanceName string) {
	log := appctx.GetLogger(r.Context()).With("instance", instanceName)

	inst, err := h.registry.Get(instanceName)
	if err != nil {
		h.fail(w, log, E(KindInstanceNotFound, "unknown instance"))
		return
	}

	clientAddr, _ := h.trusted.ClientAddr(r)
	if perr := h.dispatcher.policy.CheckInbound(inst, clientAddr); perr != nil {
		h.fail(w, log, perr)
		return
	}

	// Parsing is side-effect free, so it may run before authentication;
	// parse faults are only reported after the token has been checked.
	preq, parseErr := ParseQuery(r.URL.RawQuery)

	if perr := Authenticate(inst, preq.Token); perr != nil {
		h.fail(w, log, perr)
		return
	}
	if inst.RequiresAuth {
		if h.frameworkAuth == nil || !h.frameworkAuth(r) {
			h.fail(w, log, E(KindUnauthorized, "host authentication required"))
			return
		}
	}
	if parseErr != nil {
		h.fail(w, log, parseErr)
		return
	}

	timeout := preq.EffectiveTimeout(inst.Timeout)
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	log = log.With("target", preq.Target.Redacted(), "timeout", timeout.String())
	if !preq.SkipTLS.Empty() {
		log = log.With("skip_tls_checks", preq.SkipTLS.String())
	}

	if preq.IsWebSocket(r) {
		if perr := h.dispatcher.ProxyWebSocket(ctx, w, r, preq, inst); perr != nil {
			h.fail(w, log, perr)
		}
		return
	}

	resp, cleanup, perr := h.dispatcher.RoundTrip(ctx, preq, inst, r.WithContext(ctx))
	if perr != nil {
		h.fail(w, log, perr)
		return
	}
	defer cleanup()

	if perr := StreamResponse(w, resp, preq.ResponseInject); perr != nil {
		// Headers are on the wire; log and let the connection abort.
		h.log(log, perr)
		return
	}
	log.Debug("proxied", "status", resp.StatusCode)
}

// fail emits the structured error document and logs the full cause with a
// correlation id the client never sees.
func (h *Handler) fail(w http.ResponseWriter, log *slog.Logger, e *Error) {
	h.log(log, e)
	WriteError(w, e)
}

func (h *Handler) log(log *slog.Logger, e *Error) {
	attrs := []any{"kind", e.Kind.String(), "error_id", uuid.NewString()}
	if e.Err != nil {
		attrs = append(attrs, "cause", e.Err.Error())
	}
	switch e.Kind {
	case KindInternal:
		log.Error(e.Message, attrs...)
	case KindClientAborted:
		log.Debug(e.Message, attrs...)
	default:
		log.Warn(e.Message, attrs...)
	}
}
