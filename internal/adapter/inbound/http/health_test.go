package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/safe-mcp/gateway/internal/adapter/outbound/memory"
	"github.com/safe-mcp/gateway/internal/domain/audit"
	"github.com/safe-mcp/gateway/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// saturatedAuditService returns an audit service whose queue is full.
// With no worker draining and a zero send timeout, every Record lands
// in the channel until it cannot.
func saturatedAuditService() *service.AuditService {
	svc := service.NewAuditService(memory.NewAuditStore(), discardLogger(),
		service.WithChannelSize(10),
		service.WithSendTimeout(0),
	)
	for i := 0; i < 10; i++ {
		svc.Record(audit.AuditRecord{ToolName: "test"})
	}
	return svc
}

func callHealth(t *testing.T, hc *HealthChecker) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	return rec, resp
}

func TestHealthCheckerReportsHealthy(t *testing.T) {
	auditService := service.NewAuditService(memory.NewAuditStore(), discardLogger(),
		service.WithChannelSize(100),
	)
	hc := NewHealthChecker(memory.NewSessionStore(), nil, auditService, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if !strings.Contains(health.Checks["sessions"], "active") {
		t.Errorf("sessions check = %q, want active count", health.Checks["sessions"])
	}
	if !strings.HasPrefix(health.Checks["audit"], "ok") {
		t.Errorf("audit check = %q, want ok", health.Checks["audit"])
	}
}

func TestHealthCheckerToleratesNilComponents(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil, "")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	for _, check := range []string{"sessions", "upstreams", "audit"} {
		if health.Checks[check] != "not configured" {
			t.Errorf("%s = %q, want 'not configured'", check, health.Checks[check])
		}
	}
}

func TestHealthCheckerHandlerServesJSON(t *testing.T) {
	hc := NewHealthChecker(memory.NewSessionStore(), nil, nil, "1.0.0")

	rec, resp := callHealth(t, hc)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if resp.Status != "healthy" {
		t.Errorf("response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthCheckerFlagsSaturatedAuditQueue(t *testing.T) {
	hc := NewHealthChecker(nil, nil, saturatedAuditService(), "")

	if health := hc.Check(); health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy with full audit queue", health.Status)
	}
}

func TestHealthCheckerHandlerReturns503WhenUnhealthy(t *testing.T) {
	hc := NewHealthChecker(nil, nil, saturatedAuditService(), "")

	rec, resp := callHealth(t, hc)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("response status = %q, want unhealthy", resp.Status)
	}
}

func TestHealthCheckerCountsGoroutines(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil, "")
	health := hc.Check()

	if health.Checks["goroutines"] == "" || health.Checks["goroutines"] == "0" {
		t.Errorf("goroutines check = %q, want a positive count", health.Checks["goroutines"])
	}
}
