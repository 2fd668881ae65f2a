// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safe-mcp/gateway/internal/port/inbound"
	"github.com/safe-mcp/gateway/internal/service"
	"github.com/safe-mcp/gateway/internal/telemetry"
)

// HTTPTransport is the inbound adapter that connects the proxy to HTTP clients.
// It implements the inbound.ProxyService interface, allowing MCP clients to
// connect via HTTP Streamable Transport instead of stdio. It also serves the
// /health and /metrics operational endpoints.
type HTTPTransport struct {
	proxyService   *service.ProxyService
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	sessions       *sessionRegistry
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	registry       *prometheus.Registry
	healthChecker  *HealthChecker
	stats          *service.StatsService
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
// Example: []string{"https://example.com", "http://localhost:3000"}
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithMetrics sets a shared metrics instance and its registry.
// When not set, the transport creates its own registry on Start.
func WithMetrics(reg *prometheus.Registry, m *telemetry.Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithStats exposes decision counters on the /stats endpoint.
func WithStats(stats *service.StatsService) Option {
	return func(t *HTTPTransport) {
		t.stats = stats
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the given proxy service.
func NewHTTPTransport(proxyService *service.ProxyService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		proxyService:   proxyService,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		sessions:       newSessionRegistry(),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and processing MCP messages.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if t.metrics == nil {
		t.metrics = telemetry.NewMetrics(t.registry)
	}

	// Build middleware chain (outermost first):
	// 1. MetricsMiddleware - Record duration and status (MUST be outermost to capture full duration)
	// 2. RequestID - Extract/generate request ID and enrich logger
	// 3. RealIP - Extract client IP from X-Forwarded-For
	// 4. DNSRebinding - Security check for Origin header
	// 5. Handler - MCP request handling
	mcpHandler := mcpHandler(t.proxyService, t.sessions)
	mcpHandler = DNSRebindingProtection(t.allowedOrigins)(mcpHandler)
	mcpHandler = RealIPMiddleware(mcpHandler)
	mcpHandler = RequestIDMiddleware(t.logger)(mcpHandler)
	mcpHandler = MetricsMiddleware(t.metrics)(mcpHandler)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		// Fallback to simple handler if no checker configured
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	if t.stats != nil {
		mux.Handle("/stats", statsHandler(t.stats))
	}
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	// MCP on explicit paths (takes priority over catch-all in Go's ServeMux)
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)
	mux.Handle("/", mcpHandler)

	// Create HTTP server
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	// Configure TLS if certificates provided
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Channel for server errors
	errCh := make(chan error, 1)

	// Start server in goroutine
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	// Create timeout context for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close all SSE channels first
	t.sessions.closeAll()

	// Shutdown server gracefully
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// Compile-time check that HTTPTransport implements ProxyService interface.
var _ inbound.ProxyService = (*HTTPTransport)(nil)
