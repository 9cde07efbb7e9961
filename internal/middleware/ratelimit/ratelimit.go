// Package ratelimit provides per-client token bucket rate limiting.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/terraverify/terraverify/internal/middleware/realip"
)

// Config holds the configuration for rate limiting
type Config struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	// MaxClients bounds the number of tracked clients; the least recently
	// seen are evicted first.
	MaxClients int
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

// probe and scrape endpoints are never limited
var exempt = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Limiter tracks one token bucket per client address.
type Limiter struct {
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	perMin  int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	return &Limiter{
		clients: expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL),
		limit:   rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:   cfg.BurstSize,
		perMin:  cfg.RequestsPerMin,
	}
}

// Allow reports whether client may make a request now.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle deadline.
	l.clients.Add(client, lim)
	l.mu.Unlock()
	return lim.Allow()
}

// retryAfter is the time for one token to refill, in whole seconds.
func (l *Limiter) retryAfter() string {
	if l.perMin <= 0 {
		return "60"
	}
	return strconv.Itoa((60 + l.perMin - 1) / l.perMin)
}

// Middleware returns an HTTP middleware limiting requests per client address.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] || l.Allow(realip.GetClientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", l.retryAfter())
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Too many requests. Please try again later.",
				},
			})
		})
	}
}

// Middleware returns a rate limiting middleware for cfg, or a pass-through
// when limiting is disabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return New(cfg).Middleware()
}
