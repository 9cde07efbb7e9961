// Package realip resolves the client address of a request, honouring
// X-Forwarded-For only when the immediate peer is a trusted proxy.
package realip

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type contextKey struct{}

// Config holds the configuration for the real IP middleware
type Config struct {
	TrustProxy     bool
	TrustedProxies []string // CIDRs or bare addresses
}

// Resolver extracts client addresses.
type Resolver struct {
	trust    bool
	prefixes []netip.Prefix
}

// NewResolver parses the trusted proxy list. Entries that parse as neither a
// prefix nor an address are ignored.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{trust: cfg.TrustProxy}
	if !cfg.TrustProxy {
		return r
	}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if p, err := netip.ParsePrefix(entry); err == nil {
			r.prefixes = append(r.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			r.prefixes = append(r.prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return r
}

// ClientIP returns the address of the client that originated r.
func (r *Resolver) ClientIP(req *http.Request) string {
	peer := hostOnly(req.RemoteAddr)
	if !r.trust || !r.trusted(peer) {
		return peer
	}

	xff := req.Header.Get("X-Forwarded-For")
	if xff == "" {
		if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		return peer
	}

	// Walk right to left; the first hop we do not trust is the client.
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !r.trusted(hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}

func (r *Resolver) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware stores the resolved client address in the request context.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	resolver := NewResolver(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), contextKey{}, resolver.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientIP returns the address stored by Middleware, or the peer address
// when the middleware did not run.
func GetClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(contextKey{}).(string); ok && ip != "" {
		return ip
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
