package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/safe-mcp/gateway/internal/telemetry"
)

// instrumented builds a middleware-wrapped handler answering with the
// given status, plus the registry and metrics backing it.
func instrumented(status int) (http.Handler, *prometheus.Registry, *telemetry.Metrics) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	return handler, reg, metrics
}

func hit(handler http.Handler, method, path string) {
	req := httptest.NewRequest(method, path, nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

// durationSamples returns the histogram sample count for the given
// method label, or -1 when no such series exists.
func durationSamples(t *testing.T, reg *prometheus.Registry, method string) int {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "safemcp_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "method" && lp.GetValue() == method {
					return int(m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	return -1
}

func counterValue(t *testing.T, metrics *telemetry.Metrics, method, outcome string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.RequestsTotal.WithLabelValues(method, outcome).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.Counter.GetValue()
}

func TestMetricsMiddlewareObservesDuration(t *testing.T) {
	handler, reg, _ := instrumented(http.StatusOK)
	hit(handler, http.MethodPost, "/")

	if got := durationSamples(t, reg, "POST"); got != 1 {
		t.Errorf("duration samples for POST = %d, want 1", got)
	}
}

func TestMetricsMiddlewareCountsOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		outcome string
	}{
		{"success counts as ok", http.StatusOK, "ok"},
		{"redirect counts as ok", http.StatusTemporaryRedirect, "ok"},
		{"client error counts as error", http.StatusBadRequest, "error"},
		{"server error counts as error", http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, metrics := instrumented(tt.status)
			hit(handler, http.MethodPost, "/")

			if got := counterValue(t, metrics, "POST", tt.outcome); got != 1 {
				t.Errorf("requests_total{POST,%s} = %f, want 1", tt.outcome, got)
			}
		})
	}
}

func TestMetricsMiddlewareIgnoresInternalEndpoints(t *testing.T) {
	for _, path := range []string{"/metrics", "/health"} {
		t.Run(path, func(t *testing.T) {
			handler, reg, _ := instrumented(http.StatusOK)
			hit(handler, http.MethodGet, path)

			if got := durationSamples(t, reg, "GET"); got > 0 {
				t.Errorf("duration samples for %s = %d, want none", path, got)
			}
		})
	}
}
