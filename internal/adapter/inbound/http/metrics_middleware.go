// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"net/http"
	"time"

	"github.com/safe-mcp/gateway/internal/telemetry"
)

// MetricsMiddleware records a duration histogram per method and a
// request counter per method and outcome. The /metrics and /health
// endpoints themselves are not measured.
func MetricsMiddleware(metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusCapture{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, outcomeLabel(wrapped.status)).Inc()
		})
	}
}

// statusCapture remembers the status code written downstream.
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streams keep working
// through the middleware.
func (c *statusCapture) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// outcomeLabel collapses status codes into the two counter outcomes.
func outcomeLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
