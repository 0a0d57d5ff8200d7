package util

import (
	"net/netip"
	"strings"
)

// HostClass is the reachability class of a redirect or callback host
type HostClass int

const (
	// HostPublic is a routable address or a DNS name
	HostPublic HostClass = iota
	// HostLoopback is 127.0.0.0/8, ::1 or "localhost"
	HostLoopback
	// HostPrivate is RFC 1918 or fc00::/7
	HostPrivate
	// HostLinkLocal is 169.254.0.0/16 or fe80::/10 (cloud metadata lives here)
	HostLinkLocal
	// HostUnspecified is 0.0.0.0 or ::
	HostUnspecified
)

// String returns the class name used in log attributes
func (c HostClass) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyHost classifies a hostname as returned by url.URL.Hostname().
// DNS names other than "localhost" are reported as public; they are not
// resolved.
func ClassifyHost(hostname string) HostClass {
	host := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return HostLoopback
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return HostPublic
	}
	return ClassifyAddr(addr)
}

// ClassifyAddr classifies an IP address. IPv4-mapped IPv6 addresses are
// classified as their IPv4 form.
func ClassifyAddr(addr netip.Addr) HostClass {
	addr = addr.Unmap()

	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return HostUnspecified
	case addr.IsLoopback():
		return HostLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return HostLinkLocal
	case addr.IsPrivate():
		return HostPrivate
	default:
		return HostPublic
	}
}

// IsLoopbackHost reports whether hostname names the local machine.
// 0.0.0.0 is not loopback.
func IsLoopbackHost(hostname string) bool {
	return ClassifyHost(hostname) == HostLoopback
}
