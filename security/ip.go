package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP extracts the client IP address from the request.
//
// X-Forwarded-For and X-Real-IP are only honoured when trustProxy is set;
// otherwise any client could pick its own rate-limit bucket. In
// X-Forwarded-For the rightmost trustedProxyCount entries are our own
// proxies and the entry left of them is the client. A trustedProxyCount of
// 0 is treated as 1.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientFromForwardedFor picks the client hop out of an X-Forwarded-For chain
func clientFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := max(len(hops)-trustedProxyCount-1, 0)
	return parseIP(hops[idx])
}

// parseIP returns the canonical form of s, or "" if s is not an IP address
func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.String()
}
