package httpfabric

import (
	"fmt"
	"net"
	"strings"

	"tachyon-scan-engine/internal/model"
)

// GuardrailConfig controls URL/host validation (HTTP_ALLOWED_HOSTS,
// HTTP_BLOCKED_HOSTS, BLOCK_PRIVATE_NETWORKS).
type GuardrailConfig struct {
	AllowedHosts         map[string]bool // empty = allow all except blocked
	BlockedHosts         map[string]bool
	BlockPrivateNetworks bool
}

// resolveAndGuard resolves host to its IPs and rejects the request if any
// policy forbids it. It returns the IP the caller should connect to, so
// the eventual dial reuses exactly this resolution (no second DNS lookup
// that could return a different, rebound address).
func resolveAndGuard(cfg GuardrailConfig, host string) (net.IP, error) {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	if len(cfg.AllowedHosts) > 0 && !cfg.AllowedHosts[hostname] {
		return nil, fmt.Errorf("%w: host %q is not in the allow list", model.ErrEgressBlocked, hostname)
	}
	if cfg.BlockedHosts[hostname] {
		return nil, fmt.Errorf("%w: host %q is block-listed", model.ErrEgressBlocked, hostname)
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		ips, err := net.LookupIP(hostname)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: dns resolution failed for %q: %v", model.ErrEgressBlocked, hostname, err)
		}
		ip = ips[0]
	}

	if cfg.BlockPrivateNetworks && isDisallowedAddr(ip) {
		return nil, fmt.Errorf("%w: resolved address %s for host %q is in a blocked range", model.ErrEgressBlocked, ip, hostname)
	}
	return ip, nil
}

// isDisallowedAddr reports whether ip falls in loopback, link-local,
// private, or unique-local (ULA) ranges.
func isDisallowedAddr(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// net.IP.IsPrivate already covers IPv4 RFC1918 and IPv6 ULA (fc00::/7)
	// on modern Go, but check the legacy shorthand explicitly for clarity.
	if v4 := ip.To4(); v4 != nil {
		return strings.HasPrefix(v4.String(), "169.254.")
	}
	return false
}
