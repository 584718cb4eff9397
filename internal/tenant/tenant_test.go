package tenant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParse(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
	if _, err := Parse("not-a-uuid"); !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
	id, err := Parse(" 22222222-2222-2222-2222-222222222222 ")
	if err != nil || id != "22222222-2222-2222-2222-222222222222" {
		t.Fatalf("unexpected parse result %q, %v", id, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no tenant on empty context")
	}
	ctx := WithID(context.Background(), "t-1")
	if got, ok := FromContext(ctx); !ok || got != "t-1" {
		t.Fatalf("expected t-1, got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "22222222-2222-2222-2222-222222222222")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "22222222-2222-2222-2222-222222222222" {
		t.Fatalf("expected tenant from header, got %q", seen)
	}

	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "garbage")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "" {
		t.Fatalf("expected invalid header to be ignored, got %q", seen)
	}
}
