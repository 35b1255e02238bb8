package netclass

import (
	"net/netip"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		addr string
		want Class
	}{
		{"127.0.0.1", Loopback},
		{"127.255.255.254", Loopback},
		{"::1", Loopback},
		{"169.254.1.1", LinkLocal},
		{"fe80::1", LinkLocal},
		{"10.0.0.1", Private},
		{"10.255.255.255", Private},
		{"172.16.0.1", Private},
		{"172.31.255.255", Private},
		{"172.32.0.1", Public},
		{"192.168.1.1", Private},
		{"fc00::1", Private},
		{"fd12:3456::1", Private},
		{"8.8.8.8", Public},
		{"1.1.1.1", Public},
		{"2001:4860:4860::8888", Public},
		// Carrier-grade NAT counts as public.
		{"100.64.0.1", Public},
		{"100.127.255.255", Public},
		// IPv4-mapped IPv6 unwraps to IPv4 before classification.
		{"::ffff:127.0.0.1", Loopback},
		{"::ffff:192.168.0.5", Private},
		{"::ffff:8.8.8.8", Public},
	}

	for _, tt := range tests {
		got := Classify(netip.MustParseAddr(tt.addr))
		if got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestClassString(t *testing.T) {
	pairs := map[Class]string{
		Public:    "public",
		Private:   "private",
		Loopback:  "loopback",
		LinkLocal: "linklocal",
	}
	for c, want := range pairs {
		if c.String() != want {
			t.Errorf("Class(%d).String() = %q, want %q", c, c.String(), want)
		}
	}
}

func TestParseCIDRSet(t *testing.T) {
	s, err := ParseCIDRSet([]string{"192.168.0.0/16", "10.1.2.3", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("ParseCIDRSet: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	contains := []string{"192.168.44.5", "10.1.2.3", "2001:db8:1::1", "::ffff:192.168.0.1"}
	for _, a := range contains {
		if !s.Contains(netip.MustParseAddr(a)) {
			t.Errorf("Contains(%s) = false, want true", a)
		}
	}
	excludes := []string{"10.1.2.4", "192.169.0.1", "2001:db9::1"}
	for _, a := range excludes {
		if s.Contains(netip.MustParseAddr(a)) {
			t.Errorf("Contains(%s) = true, want false", a)
		}
	}
}

func TestParseCIDRSetInvalid(t *testing.T) {
	if _, err := ParseCIDRSet([]string{"192.168.0.0/16", "not-a-cidr"}); err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}

func TestNilSet(t *testing.T) {
	var s *CIDRSet
	if !s.Empty() {
		t.Error("nil set should be empty")
	}
	if s.Contains(netip.MustParseAddr("10.0.0.1")) {
		t.Error("nil set should contain nothing")
	}
}
