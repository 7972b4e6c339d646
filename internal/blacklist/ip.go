package blacklist

import (
	"fmt"
	"net/netip"
	"strings"
)

// Normalize parses an IP or CIDR string and returns its canonical form.
// IPv4-mapped IPv6 addresses collapse to IPv4, CIDRs are masked to their
// network address, and a full-length prefix becomes a plain address.
func Normalize(value string) (canonical string, isCIDR bool, err error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		p, err := netip.ParsePrefix(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		p = p.Masked()
		if p.IsSingleIP() {
			return p.Addr().String(), false, nil
		}
		return p.String(), true, nil
	}

	a, err := netip.ParseAddr(value)
	if err != nil {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}
	return a.Unmap().WithZone("").String(), false, nil
}

// IsIPv6 returns true if the string is an IPv6 address or CIDR.
func IsIPv6(value string) bool {
	c, _, err := Normalize(value)
	if err != nil {
		return false
	}
	if p, err := netip.ParsePrefix(c); err == nil {
		return p.Addr().Is6()
	}
	a, err := netip.ParseAddr(c)
	return err == nil && a.Is6()
}

// privateBlocks covers RFC1918, loopback, link-local, CGNAT, ULA and Teredo.
var privateBlocks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("100::/64"),
}

func firstAddr(value string) (netip.Addr, bool) {
	c, _, err := Normalize(value)
	if err != nil {
		return netip.Addr{}, false
	}
	if p, err := netip.ParsePrefix(c); err == nil {
		return p.Addr(), true
	}
	a, err := netip.ParseAddr(c)
	return a, err == nil
}

// IsPrivate reports whether the IP (or a CIDR's network address) falls in a
// private, loopback, link-local or ULA range.
func IsPrivate(value string) bool {
	a, ok := firstAddr(value)
	if !ok {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(a) {
			return true
		}
	}
	return false
}

// ParseAllowlist parses IP/CIDR strings into prefixes. Single addresses
// become /32 or /128 prefixes.
func ParseAllowlist(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		c, isCIDR, err := Normalize(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
		}
		if isCIDR {
			out = append(out, netip.MustParsePrefix(c))
			continue
		}
		a := netip.MustParseAddr(c)
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Allowed reports whether ip is covered by any allowlist prefix.
func Allowed(ip string, allow []netip.Prefix) bool {
	a, ok := firstAddr(ip)
	if !ok {
		return false
	}
	for _, p := range allow {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
