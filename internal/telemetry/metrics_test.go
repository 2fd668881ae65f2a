package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Verify all metrics are registered
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
	if m.InspectionDuration == nil {
		t.Error("InspectionDuration not initialized")
	}
	if m.ChannelTimeouts == nil {
		t.Error("ChannelTimeouts not initialized")
	}
	if m.AuditDropsTotal == nil {
		t.Error("AuditDropsTotal not initialized")
	}
	if m.TaintEntries == nil {
		t.Error("TaintEntries not initialized")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions not initialized")
	}
	if m.SanitizedTotal == nil {
		t.Error("SanitizedTotal not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Test counter increment
	m.RequestsTotal.WithLabelValues("tools/call", "allow").Inc()

	count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("tools/call", "allow"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}

	// Test gauge set
	m.ActiveSessions.Set(5)
	sessions := testutil.ToFloat64(m.ActiveSessions)
	if sessions != 5 {
		t.Errorf("ActiveSessions = %v, want 5", sessions)
	}

	// Test histogram observation
	m.InspectionDuration.WithLabelValues("request").Observe(0.01)
	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range gathered {
		if strings.Contains(mf.GetName(), "inspection_duration") {
			found = true
			break
		}
	}
	if !found {
		t.Error("inspection_duration histogram not found in gathered metrics")
	}
}

func TestMetricsNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AuditDropsTotal.Inc()
	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, mf := range gathered {
		if !strings.HasPrefix(mf.GetName(), "safemcp_") {
			t.Errorf("metric %q missing safemcp namespace", mf.GetName())
		}
	}
}
