package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// minRequestTimeout / maxRequestTimeout bound the per-request override.
	minRequestTimeout = 1 * time.Second
	maxRequestTimeout = 3600 * time.Second
)

// Request holds the decoded per-request parameters.
type Request struct {
	// Target is the parsed absolute upstream URL (http, https, ws, wss).
	Target *url.URL

	// Token is the presented authentication token, possibly empty.
	Token string

	// TimeoutOverride is the per-request timeout; zero means instance default.
	TimeoutOverride time.Duration

	// FollowRedirects enables server-side redirect following.
	FollowRedirects bool

	// SkipTLS is the set of relaxed upstream TLS checks.
	SkipTLS SkipTLS

	// HeaderOverrides are upstream request header overrides, already merged
	// case-insensitively with last occurrence winning.
	HeaderOverrides http.Header

	// ResponseInject are headers merged into the client response last.
	ResponseInject http.Header
}

// ParseQuery decodes the raw query string in order, consuming reserved and
// bracketed parameters. The returned Request carries the token even when the
// target is invalid, so the caller can authenticate before reporting target
// faults. The *Error is non-nil for a missing or malformed url parameter.
func ParseQuery(rawQuery string) (*Request, *Error) {
	req := &Request{
		HeaderOverrides: make(http.Header),
		ResponseInject:  make(http.Header),
	}

	var targetRaw string
	var haveTarget bool

	// Walk pairs in wire order: repeated and case-varying names merge with
	// last occurrence winning, which a url.Values map cannot express.
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			continue
		}
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			continue
		}

		if name, ok := bracketedName(key, "request_header"); ok {
			req.HeaderOverrides.Set(name, val)
			continue
		}
		// Deprecated synonym kept for old clients.
		if name, ok := bracketedName(key, "request_headers"); ok {
			req.HeaderOverrides.Set(name, val)
			continue
		}
		if name, ok := bracketedName(key, "response_header"); ok {
			req.ResponseInject.Set(name, val)
			continue
		}

		switch key {
		case "token":
			req.Token = val
		case "url":
			targetRaw = val
			haveTarget = true
		case "timeout":
			req.TimeoutOverride = parseTimeout(val)
		case "follow_redirects":
			req.FollowRedirects = parseBool(val)
		case "skip_tls_checks":
			req.SkipTLS = ParseSkipTLS(val)
		}
	}

	if !haveTarget || targetRaw == "" {
		return req, E(KindBadTarget, "missing url parameter")
	}

	target, err := url.Parse(targetRaw)
	if err != nil {
		return req, Wrap(KindBadTarget, "unparseable url parameter", err)
	}
	switch target.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return req, E(KindBadTarget, "url scheme must be http, https, ws or wss")
	}
	if target.Host == "" {
		return req, E(KindBadTarget, "url must be absolute")
	}

	req.Target = target
	return req, nil
}

// bracketedName extracts NAME from "<prefix>[NAME]".
func bracketedName(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix+"[") || !strings.HasSuffix(key, "]") {
		return "", false
	}
	name := key[len(prefix)+1 : len(key)-1]
	if name == "" {
		return "", false
	}
	return name, true
}

// parseBool accepts true/1/yes/on (case-insensitive); everything else is false.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseTimeout parses an integer number of seconds, clamped to the allowed
// range. Unparseable values are ignored.
func parseTimeout(s string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	d := time.Duration(n) * time.Second
	if d < minRequestTimeout {
		return minRequestTimeout
	}
	if d > maxRequestTimeout {
		return maxRequestTimeout
	}
	return d
}

// EffectiveTimeout resolves the timeout for this request given the instance
// default.
func (r *Request) EffectiveTimeout(instanceDefault time.Duration) time.Duration {
	if r.TimeoutOverride != 0 {
		return r.TimeoutOverride
	}
	return instanceDefault
}

// IsWebSocket reports whether the inbound request asks for a websocket
// upgrade, or the target itself uses a websocket scheme.
func (r *Request) IsWebSocket(inbound *http.Request) bool {
	if r.Target != nil && (r.Target.Scheme == "ws" || r.Target.Scheme == "wss") {
		return true
	}
	return isUpgradeRequest(inbound)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
