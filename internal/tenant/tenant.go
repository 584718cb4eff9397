// Package tenant carries the active restaurant id on a request context.
// Queries and subscriptions read it from here, never from process state.
package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Tenant-ID"

var (
	ErrMissingTenant = errors.New("missing tenant")
	ErrInvalidTenant = errors.New("tenant id must be a UUID")
)

type contextKey struct{}

func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

func FromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Parse validates a raw tenant id.
func Parse(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingTenant
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", ErrInvalidTenant
	}
	return raw, nil
}

// Middleware copies a valid tenant header into the request context. Requests
// without one pass through untouched; handlers decide whether it is required.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := Parse(r.Header.Get(Header))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), tenantID)))
	})
}
