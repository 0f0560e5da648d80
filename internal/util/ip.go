package util

import "net/netip"

// Remote endpoints are checked before any outbound request is made:
// introspection discovery must not be steerable at internal infrastructure,
// and plain-http redirect URIs are confined to loopback hosts (RFC 8252
// section 7.3). Both checks share the address classification below.

// IsLinkLocal reports whether ip is link-local unicast or multicast.
// 169.254.0.0/16 and fe80::/10 reach cloud instance metadata services
// (169.254.169.254), the classic SSRF target.
func IsLinkLocal(ip netip.Addr) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports whether ip is anything but a public unicast
// address: invalid, unspecified, loopback, link-local, or private
// (RFC 1918 ranges and fc00::/7).
func IsPrivateOrInternal(ip netip.Addr) bool {
	return !ip.IsValid() || ip.IsUnspecified() || ip.IsLoopback() ||
		IsLinkLocal(ip) || ip.IsPrivate()
}

// IsLoopbackHostname reports whether hostname names a loopback address:
// "localhost", anything in 127.0.0.0/8, or ::1. The hostname is expected
// without a port, as url.URL.Hostname() returns it; bracketed IPv6
// literals are accepted anyway. 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	host := hostname
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
