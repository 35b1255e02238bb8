package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/tinkertools/proxygate/internal/platform/netclass"
	"github.com/tinkertools/proxygate/internal/registry"
)

// Resolver abstracts DNS resolution for testing.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy evaluates inbound and outbound network restrictions. The address it
// approves is the address the dispatcher must dial: resolution happens once
// here, never again at connect time.
type Policy struct {
	resolver Resolver // nil uses net.DefaultResolver
}

// NewPolicy creates a policy engine using the system resolver.
func NewPolicy() *Policy {
	return &Policy{}
}

// NewPolicyWithResolver creates a policy engine with a custom resolver.
func NewPolicyWithResolver(r Resolver) *Policy {
	return &Policy{resolver: r}
}

func (p *Policy) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	r := p.resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupNetIP(ctx, "ip", host)
}

// CheckInbound evaluates the client address against the instance allow set.
// An empty set admits any source.
func (p *Policy) CheckInbound(inst *registry.Instance, client netip.Addr) *Error {
	if inst.RestrictInCIDRs.Empty() {
		return nil
	}
	if !client.IsValid() {
		return E(KindInboundDenied, "client address could not be determined")
	}
	if !inst.RestrictInCIDRs.Contains(client) {
		return E(KindInboundDenied, "client address not permitted for this instance")
	}
	return nil
}

// AuthorizeTarget resolves host, classifies one candidate address and
// evaluates it against the instance outbound policy. The returned address is
// pinned into the dialer by the caller, closing the gap between the address
// checked and the address connected.
func (p *Policy) AuthorizeTarget(ctx context.Context, inst *registry.Instance, host string) (netip.Addr, *Error) {
	// Literal addresses skip DNS entirely.
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if perr := p.evaluate(inst, addr); perr != nil {
			return netip.Addr{}, perr
		}
		return addr, nil
	}

	addrs, err := p.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, Wrap(KindUpstreamUnreachable,
			fmt.Sprintf("could not resolve %s", host), err)
	}

	addr := pickAddr(addrs)
	if perr := p.evaluate(inst, addr); perr != nil {
		return netip.Addr{}, perr
	}
	return addr, nil
}

// pickAddr selects the address to dial, preferring IPv4.
func pickAddr(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
	}
	return addrs[0].Unmap()
}

func (p *Policy) evaluate(inst *registry.Instance, addr netip.Addr) *Error {
	class := netclass.Classify(addr)

	switch inst.RestrictOut {
	case registry.RestrictAny:
		return nil

	case registry.RestrictExternal:
		if class == netclass.Public {
			return nil
		}
		return E(KindOutboundDenied,
			fmt.Sprintf("target resolves to a %s address; instance only allows external targets", class))

	case registry.RestrictInternal:
		if class == netclass.Private || class == netclass.Loopback {
			return nil
		}
		return E(KindOutboundDenied,
			fmt.Sprintf("target resolves to a %s address; instance only allows internal targets", class))

	case registry.RestrictCIDR:
		if inst.RestrictOutCIDRs.Contains(addr) {
			return nil
		}
		return E(KindOutboundDenied, "target address outside the allowed networks")

	default:
		return E(KindInternal, "unknown outbound restriction")
	}
}
