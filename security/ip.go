package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP resolves the IP a request originated from, for rate
// limiting and audit records.
//
// With trustProxy off, the TCP peer address is authoritative and proxy
// headers are ignored: any client can send X-Forwarded-For, so honoring
// it from an untrusted peer would let callers choose their own rate
// limit identity. With trustProxy on, the rightmost trustedProxyCount
// entries of X-Forwarded-For were appended by proxies we run and the
// entry just left of them is the client; X-Real-IP covers proxies that
// set only that header.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validAddr(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

// clientFromForwardedFor picks the client entry out of an
// X-Forwarded-For list shaped "client, hop1, hop2", where the rightmost
// trustedProxies entries came from proxies we run. Zero trustedProxies
// means one, since trustProxy implies at least one hop appended the
// header. When the list is shorter than the proxy chain claims, the
// leftmost entry is used.
func clientFromForwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	if trustedProxies == 0 {
		trustedProxies = 1
	}
	client := len(hops) - trustedProxies - 1
	if client < 0 {
		client = 0
	}
	return validAddr(strings.TrimSpace(hops[client]))
}

// validAddr returns s when it parses as a bare IP address, else "".
// Proxy headers are attacker-reachable, so anything that is not an IP
// falls through to the next source instead of being used verbatim.
func validAddr(s string) string {
	if s == "" {
		return ""
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return ""
	}
	return s
}

// remoteHost strips the port from a host:port peer address. Values that
// do not look like host:port come back unchanged.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
