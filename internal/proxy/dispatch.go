package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/tinkertools/proxygate/internal/platform/logutil"
	"github.com/tinkertools/proxygate/internal/registry"
)

type pinKey struct{}

// withPinnedAddr records the policy-approved address for the dialer.
func withPinnedAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, pinKey{}, addr)
}

func pinnedAddrFromContext(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(pinKey{}).(netip.Addr)
	return addr, ok
}

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// dropClientProxyHeaders strips forwarding metadata received from the client
// so the upstream never sees a forged chain.
func dropClientProxyHeaders(h http.Header) {
	h.Del("Forwarded")
	h.Del("X-Real-IP")
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Forwarded-") {
			h.Del(name)
		}
	}
}

// removeHopByHop strips hop-by-hop headers, including any named by the
// Connection header itself.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// BuildUpstreamHeaders derives the upstream header set from the inbound
// request and the per-request overrides. The Host override is returned
// separately since Go carries it outside the header map.
func BuildUpstreamHeaders(inbound *http.Request, overrides http.Header) (http.Header, string) {
	h := inbound.Header.Clone()
	removeHopByHop(h)
	dropClientProxyHeaders(h)

	// An absent client User-Agent must not become the Go default.
	if _, ok := inbound.Header["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}

	hostOverride := ""
	for name, vals := range overrides {
		if len(vals) == 0 || !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		val := vals[len(vals)-1]
		if !httpguts.ValidHeaderFieldValue(val) {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Host" {
			hostOverride = val
			continue
		}
		h.Set(name, val)
	}
	return h, hostOverride
}

// Dispatcher builds and sends upstream requests. Strict-TLS traffic shares a
// single transport (with connection reuse disabled); any request with relaxed
// TLS checks gets a transport of its own that is torn down with the request.
type Dispatcher struct {
	policy         *Policy
	tlsSel         *TLSSelector
	strict         *http.Transport
	connectTimeout time.Duration
	maxRedirects   int
	logger         *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(policy *Policy, tlsSel *TLSSelector, connectTimeout time.Duration, maxRedirects int, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		policy:         policy,
		tlsSel:         tlsSel,
		connectTimeout: connectTimeout,
		maxRedirects:   maxRedirects,
		logger:         logutil.NoopIfNil(logger),
	}
	// Connection reuse is off even for strict TLS: a pooled connection to a
	// hostname could be handed to a later request whose instance never
	// approved that address.
	d.strict = &http.Transport{
		Proxy:             nil, // never honor proxy environment variables
		DialContext:       d.dialPinned,
		TLSClientConfig:   tlsSel.ClientConfig(0, ""),
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
	}
	return d
}

// dialPinned connects to the policy-approved address recorded in the
// context, keeping the URL hostname for SNI and verification. Dialing
// without a pin is a pipeline bug and is refused.
func (d *Dispatcher) dialPinned(ctx context.Context, network, addr string) (net.Conn, error) {
	pin, ok := pinnedAddrFromContext(ctx)
	if !ok {
		return nil, errors.New("proxy: dial without policy-approved address")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: d.connectTimeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(pin.String(), port))
}

// permissiveTransport builds a one-shot transport for relaxed TLS checks.
func (d *Dispatcher) permissiveTransport(skip SkipTLS, serverName string) *http.Transport {
	return &http.Transport{
		Proxy:             nil,
		DialContext:       d.dialPinned,
		TLSClientConfig:   d.tlsSel.ClientConfig(skip, serverName),
		DisableKeepAlives: true,
	}
}

// RoundTrip sends the rewritten request upstream and returns the response
// whose body the relay streams. cleanup must be called once the response is
// fully consumed; it tears down any per-request transport.
func (d *Dispatcher) RoundTrip(ctx context.Context, preq *Request, inst *registry.Instance, inbound *http.Request) (*http.Response, func(), *Error) {
	target := cloneURL(preq.Target)
	normalizeHTTPScheme(target)

	headers, hostOverride := BuildUpstreamHeaders(inbound, preq.HeaderOverrides)
	method := inbound.Method
	body := inbound.Body
	contentLength := inbound.ContentLength
	if contentLength == 0 {
		// A zero-length inbound body must not become a chunked upstream body.
		body = nil
	}
	bodySent := false

	var permissive []*http.Transport
	cleanup := func() {
		for _, tr := range permissive {
			tr.CloseIdleConnections()
		}
	}

	for hop := 0; ; hop++ {
		pin, perr := d.policy.AuthorizeTarget(ctx, inst, target.Hostname())
		if perr != nil {
			cleanup()
			return nil, nil, perr
		}

		req, err := http.NewRequestWithContext(withPinnedAddr(ctx, pin), method, target.String(), body)
		if err != nil {
			cleanup()
			return nil, nil, Wrap(KindInternal, "build upstream request", err)
		}
		req.Header = headers.Clone()
		req.ContentLength = contentLength
		if hostOverride != "" {
			req.Host = hostOverride
		} else {
			req.Host = target.Host
		}

		var tr http.RoundTripper = d.strict
		if !preq.SkipTLS.Empty() {
			pt := d.permissiveTransport(preq.SkipTLS, target.Hostname())
			permissive = append(permissive, pt)
			tr = pt
		}

		if body != nil {
			bodySent = true
		}
		resp, err := tr.RoundTrip(req)
		if err != nil {
			cleanup()
			return nil, nil, classifyTransportError(err)
		}

		if !preq.FollowRedirects || !isRedirect(resp.StatusCode) {
			return resp, cleanup, nil
		}

		if hop >= d.maxRedirects {
			drainAndClose(resp.Body)
			cleanup()
			return nil, nil, E(KindUpstreamProtocol,
				fmt.Sprintf("redirect chain exceeded %d hops", d.maxRedirects))
		}

		location := resp.Header.Get("Location")
		if location == "" {
			// A 3xx without Location cannot be followed; hand it through.
			return resp, cleanup, nil
		}
		next, err := target.Parse(location)
		if err != nil {
			drainAndClose(resp.Body)
			cleanup()
			return nil, nil, Wrap(KindUpstreamProtocol, "invalid redirect location", err)
		}
		if next.Scheme != "http" && next.Scheme != "https" {
			drainAndClose(resp.Body)
			cleanup()
			return nil, nil, E(KindUpstreamProtocol,
				fmt.Sprintf("redirect to unsupported scheme %q", next.Scheme))
		}

		method, body, contentLength, perr = redirectMethod(resp.StatusCode, method, body, contentLength, bodySent)
		if perr != nil {
			drainAndClose(resp.Body)
			cleanup()
			return nil, nil, perr
		}
		if body == nil {
			headers.Del("Content-Length")
			headers.Del("Content-Type")
		}

		d.logger.Debug("following redirect",
			"status", resp.StatusCode, "location", next.Redacted(), "hop", hop+1)
		drainAndClose(resp.Body)
		target = next
	}
}

// redirectMethod applies RFC 7231/7538 method semantics for one hop.
// A consumed streaming body cannot be replayed, so method-preserving
// redirects of a request that carried one are refused.
func redirectMethod(status int, method string, body io.ReadCloser, contentLength int64, bodySent bool) (string, io.ReadCloser, int64, *Error) {
	hadBody := contentLength > 0 || contentLength == -1

	switch status {
	case http.StatusSeeOther:
		if method != http.MethodHead {
			method = http.MethodGet
		}
		return method, nil, 0, nil

	case http.StatusMovedPermanently, http.StatusFound:
		if method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
		}
		return method, nil, 0, nil

	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if hadBody && bodySent {
			return "", nil, 0, E(KindUpstreamProtocol,
				"cannot replay streamed request body across a 307/308 redirect")
		}
		return method, nil, 0, nil

	default:
		return method, nil, 0, nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// classifyTransportError maps a transport failure to a pipeline kind.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindUpstreamTimeout, "upstream did not respond in time", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindClientAborted, "client went away", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindUpstreamTimeout, "upstream did not respond in time", err)
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Wrap(KindUpstreamUnreachable, "upstream TLS verification failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(KindUpstreamUnreachable, "could not connect to upstream", err)
	}
	if strings.Contains(err.Error(), "malformed") {
		return Wrap(KindUpstreamProtocol, "malformed upstream response", err)
	}
	return Wrap(KindUpstreamUnreachable, "upstream request failed", err)
}

// normalizeHTTPScheme maps websocket schemes onto their HTTP equivalents for
// plain dispatch.
func normalizeHTTPScheme(u *url.URL) {
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	return &c
}

// drainAndClose discards a bounded remainder of the body, then closes it.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 32*1024))
	body.Close()
}
