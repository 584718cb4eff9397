package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"tableorder/internal/tenant"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	TenantPerMinute int
	TenantBurst     int
}

// RateLimiter applies one token bucket per client IP and one per tenant.
type RateLimiter struct {
	ipLimiter     *tokenLimiter
	tenantLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:     newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		tenantLimiter: newTokenLimiter(cfg.TenantPerMinute, cfg.TenantBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" && !l.ipLimiter.allow(ip) {
			rejectRateLimited(w, r)
			return
		}
		if tenantID := strings.TrimSpace(r.Header.Get(tenant.Header)); tenantID != "" && !l.tenantLimiter.allow(tenantID) {
			slog.WarnContext(r.Context(), "tenant rate limited", "tenant", tenantID)
			rejectRateLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	writeError(w, strings.TrimSpace(r.Header.Get("X-Request-Id")), http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// idleBucketTTL is how long an untouched bucket is kept.
const idleBucketTTL = 10 * time.Minute

type tokenLimiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	bucket    map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

func (l *tokenLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleBucketTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.bucket {
		if now.Sub(b.last) > idleBucketTTL {
			delete(l.bucket, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
