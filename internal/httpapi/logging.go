package httpapi

import (
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"tableorder/internal/tenant"

	"github.com/go-chi/chi/v5/middleware"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming transports working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)
		requestsTotal.Add(1)
		if writer.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = r.Header.Get(middleware.RequestIDHeader)
		}
		level := slog.LevelInfo
		if writer.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", duration.Milliseconds(),
			"tenant", r.Header.Get(tenant.Header),
			"request_id", requestID,
		)
	})
}
