package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tableorder/internal/tenant"
)

func TestTokenLimiterRefills(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newTokenLimiter(60, 2)
	l.now = func() time.Time { return now }

	if !l.allow("k") || !l.allow("k") {
		t.Fatalf("expected burst of 2 to pass")
	}
	if l.allow("k") {
		t.Fatalf("expected third request to be limited")
	}
	now = now.Add(time.Second)
	if !l.allow("k") {
		t.Fatalf("expected a token after one second")
	}
}

func TestTokenLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newTokenLimiter(60, 2)
	l.now = func() time.Time { return now }
	l.allow("a")
	now = now.Add(2 * idleBucketTTL)
	l.allow("b")
	if _, ok := l.bucket["a"]; ok {
		t.Fatalf("expected idle bucket to be removed")
	}
}

func TestRateLimiterPerTenant(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1000, IPBurst: 1000, TenantPerMinute: 1, TenantBurst: 1})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(tenantID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.Header.Set(tenant.Header, tenantID)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		return resp.Code
	}
	if code := send(testTenant); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := send(testTenant); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be limited, got %d", code)
	}
	if code := send("33333333-3333-3333-3333-333333333333"); code != http.StatusOK {
		t.Fatalf("expected other tenant to pass, got %d", code)
	}
}
