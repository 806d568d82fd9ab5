// Package clientip resolves the originating client address of a request,
// trusting X-Forwarded-For only from configured proxy networks.
package clientip

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Resolver extracts client IPs. The zero value trusts no proxies.
type Resolver struct {
	trusted []*net.IPNet
}

// New builds a Resolver from CIDR strings (e.g. "10.0.0.0/8"). Invalid
// entries are logged and skipped.
func New(trustedProxies []string, logger *slog.Logger) *Resolver {
	return &Resolver{trusted: ParseCIDRs(trustedProxies, logger)}
}

// ParseCIDRs parses cidrs, logging and skipping invalid entries.
func ParseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// ClientIP returns the real client IP. X-Forwarded-For is only consulted
// when the direct peer is a trusted proxy; it is walked right to left and
// the first untrusted hop wins.
func (res *Resolver) ClientIP(r *http.Request) string {
	peerIP := PeerIP(r.RemoteAddr)

	if res != nil && len(res.trusted) > 0 && Contains(res.trusted, peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !Contains(res.trusted, ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

// Contains reports whether ipStr falls in any of nets.
func Contains(nets []*net.IPNet, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// PeerIP strips the port from a RemoteAddr.
func PeerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
