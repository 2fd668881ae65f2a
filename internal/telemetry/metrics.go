// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes all gateway metrics.
const namespace = "safemcp"

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	// RequestsTotal counts inspected messages by JSON-RPC method and decision.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration tracks HTTP transport request duration by HTTP method.
	RequestDuration *prometheus.HistogramVec
	// InspectionDuration tracks inspection pipeline latency by direction.
	InspectionDuration *prometheus.HistogramVec
	// ChannelTimeouts counts detection channels that exceeded their budget.
	ChannelTimeouts *prometheus.CounterVec
	// AuditDropsTotal counts audit records dropped due to backpressure.
	AuditDropsTotal prometheus.Counter
	// TaintEntries is the current size of the taint registry.
	TaintEntries prometheus.Gauge
	// ActiveSessions is the number of tracked sessions.
	ActiveSessions prometheus.Gauge
	// SanitizedTotal counts tool responses replaced with the sanitized placeholder.
	SanitizedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inspected messages by method and decision",
			},
			[]string{"method", "decision"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		InspectionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inspection_duration_seconds",
				Help:      "Inspection pipeline latency in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"direction"},
		),
		ChannelTimeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_timeouts_total",
				Help:      "Detection channels that exceeded the inspection budget",
			},
			[]string{"channel"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
		TaintEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "taint_entries",
				Help:      "Current number of tracked taint fingerprints",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		SanitizedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sanitized_total",
				Help:      "Tool responses replaced with the sanitized placeholder",
			},
		),
	}
}
