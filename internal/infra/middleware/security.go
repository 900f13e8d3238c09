// Package middleware holds the HTTP middleware shared by the gateway routes.
package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds hardening headers to every response. The policy
// allows the inline styles of the OAuth callback page and nothing else.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig configures IPLimiter.
type RateLimitConfig struct {
	RequestsPerMin int
	Burst          int
	// TrustedProxies are the peer addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means headers are ignored.
	TrustedProxies []string
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP.
type IPLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// visitorTTL is how long an idle client keeps its bucket.
const visitorTTL = 3 * time.Minute

// NewIPLimiter creates a limiter and sweeps idle clients until ctx is done.
func NewIPLimiter(ctx context.Context, cfg RateLimitConfig) *IPLimiter {
	l := &IPLimiter{cfg: cfg, now: time.Now, visitors: make(map[string]*visitor)}
	go l.sweep(ctx)
	return l
}

// Allow consumes a token for the request's client. A limiter configured
// with a non-positive rate allows everything.
func (l *IPLimiter) Allow(r *http.Request) bool {
	if l.cfg.RequestsPerMin <= 0 {
		return true
	}
	ip := ClientIP(r, l.cfg.TrustedProxies)

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMin)/60), max(l.cfg.Burst, 1))}
		l.visitors[ip] = v
	}
	v.lastSeen = l.now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len reports how many clients currently hold a bucket.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (l *IPLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-visitorTTL)
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// ClientIP returns the peer IP of r. Forwarding headers are only honored
// when the peer is one of trustedProxies, so clients cannot spoof them.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !slices.Contains(trustedProxies, peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
