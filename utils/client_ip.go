package utils

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPResolver resolves the caller identity used for rate limiting and audit
// rows. Forwarded headers are honoured only when the socket peer is one of
// the trusted proxies; otherwise the socket address is the identity.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver accepts CIDRs or bare addresses. An empty list trusts no
// proxy at all.
func NewIPResolver(proxies []string) (*IPResolver, error) {
	r := &IPResolver{}
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			r.trusted = append(r.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		r.trusted = append(r.trusted, network)
	}
	return r, nil
}

func (r *IPResolver) isTrusted(ip net.IP) bool {
	if r == nil || ip == nil {
		return false
	}
	for _, n := range r.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For from the nearest hop outwards and returns
// the first address that is not a trusted proxy. X-Real-IP is used when
// there is no forwarded chain.
func (r *IPResolver) ClientIP(req *http.Request) string {
	peer := remoteHost(req.RemoteAddr)
	if !r.isTrusted(net.ParseIP(peer)) {
		return peer
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			if !r.isTrusted(ip) {
				return ip.String()
			}
		}
	}

	if real := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); real != nil {
		return real.String()
	}
	return peer
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
