// Package netclass classifies IP addresses for network policy decisions.
// Classification uses fixed prefixes; carrier-grade NAT (100.64.0.0/10) is
// deliberately treated as public.
package netclass

import (
	"fmt"
	"net"
	"net/netip"
)

// Class is the network class of an address.
type Class int

const (
	Public Class = iota
	Private
	Loopback
	LinkLocal
)

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case Private:
		return "private"
	case Loopback:
		return "loopback"
	case LinkLocal:
		return "linklocal"
	default:
		return "public"
	}
}

var (
	privateV4 = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	privateV6   = netip.MustParsePrefix("fc00::/7")
	loopbackV4  = netip.MustParsePrefix("127.0.0.0/8")
	linkLocalV4 = netip.MustParsePrefix("169.254.0.0/16")
	linkLocalV6 = netip.MustParsePrefix("fe80::/10")
)

// Classify returns the network class of addr. IPv4-mapped IPv6 addresses are
// unwrapped to IPv4 before classification.
func Classify(addr netip.Addr) Class {
	addr = addr.Unmap()

	if addr.Is4() {
		switch {
		case loopbackV4.Contains(addr):
			return Loopback
		case linkLocalV4.Contains(addr):
			return LinkLocal
		}
		for _, p := range privateV4 {
			if p.Contains(addr) {
				return Private
			}
		}
		return Public
	}

	switch {
	case addr == netip.IPv6Loopback():
		return Loopback
	case linkLocalV6.Contains(addr):
		return LinkLocal
	case privateV6.Contains(addr):
		return Private
	}
	return Public
}

// ClassifyIP is Classify for a net.IP, for callers still on the net package.
// Unclassifiable values (nil, malformed) report as Public; callers validate
// addresses before classification.
func ClassifyIP(ip net.IP) Class {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Public
	}
	return Classify(addr)
}

// CIDRSet is a parsed, immutable set of CIDR prefixes.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet parses a list of CIDR strings. Bare IPs are accepted as
// single-address prefixes. Invalid entries are an error: the set gates
// security decisions and must not load partially.
func ParseCIDRSet(cidrs []string) (*CIDRSet, error) {
	s := &CIDRSet{}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, aerr := netip.ParseAddr(c)
			if aerr != nil {
				return nil, fmt.Errorf("netclass: invalid cidr %q: %w", c, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		s.prefixes = append(s.prefixes, p.Masked())
	}
	return s, nil
}

// Contains reports whether addr is inside any prefix of the set.
// IPv4-mapped IPv6 addresses are unwrapped before matching.
func (s *CIDRSet) Contains(addr netip.Addr) bool {
	if s == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no prefixes.
func (s *CIDRSet) Empty() bool {
	return s == nil || len(s.prefixes) == 0
}

// Len returns the number of prefixes in the set.
func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}
