package lim

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP identifies the caller for rate limiting. With trustHeaders set,
// the first X-Forwarded-For hop wins, then X-Real-IP, then the peer
// address. When trustedProxies is non-empty, headers are only believed if
// the peer itself is one of them.
func ClientIP(r *http.Request, trustHeaders bool, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if !trustHeaders {
		return remoteIP
	}
	if len(trustedProxies) > 0 && !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		first = strings.TrimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" && net.ParseIP(rip) != nil {
		return rip
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil && parsedIP != nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
