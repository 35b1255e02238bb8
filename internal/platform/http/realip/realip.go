// Package realip extracts the real client address from inbound requests,
// honoring a configured set of trusted reverse proxies.
package realip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tinkertools/proxygate/internal/platform/netclass"
)

// TrustedProxies decides when forwarded headers may be believed.
// Forwarded headers from an untrusted peer are attacker-controlled and are
// ignored; the socket address wins.
type TrustedProxies struct {
	networks *netclass.CIDRSet
}

// NewTrustedProxies builds an extractor from CIDR strings. Invalid entries
// are dropped so a bad config line cannot widen trust.
func NewTrustedProxies(cidrs []string) *TrustedProxies {
	var valid []string
	for _, c := range cidrs {
		if _, err := netclass.ParseCIDRSet([]string{c}); err == nil {
			valid = append(valid, c)
		}
	}
	set, _ := netclass.ParseCIDRSet(valid)
	return &TrustedProxies{networks: set}
}

// IsTrusted reports whether addr belongs to a trusted proxy range.
func (tp *TrustedProxies) IsTrusted(addr netip.Addr) bool {
	return tp.networks.Contains(addr)
}

// ClientAddr returns the client address for r. When the socket peer is a
// trusted proxy, X-Forwarded-For (first hop) then X-Real-IP are consulted;
// otherwise the socket address is authoritative.
func (tp *TrustedProxies) ClientAddr(r *http.Request) (netip.Addr, bool) {
	direct, ok := parseRemoteAddr(r.RemoteAddr)
	if !ok || !tp.IsTrusted(direct) {
		return direct, ok
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// "client, proxy1, proxy2" - leftmost entry is the originating client.
		for _, part := range strings.Split(xff, ",") {
			if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap(), true
		}
	}
	return direct, true
}

// ClientAddrString returns the client address as a string for logging and
// rate limiting, or "unknown" when it cannot be determined.
func (tp *TrustedProxies) ClientAddrString(r *http.Request) string {
	addr, ok := tp.ClientAddr(r)
	if !ok {
		return "unknown"
	}
	return addr.String()
}

// parseRemoteAddr parses the net/http RemoteAddr form "ip:port" / "[ip]:port".
func parseRemoteAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
