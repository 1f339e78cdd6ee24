// Package metrics provides Prometheus metrics for license server traffic and
// license state.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seatkeeper"

// Hook run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PrometheusMetrics holds all registered collectors.
type PrometheusMetrics struct {
	// RequestCounter counts license server requests by route and outcome.
	RequestCounter *prometheus.CounterVec
	// RequestDuration observes request latency by route.
	RequestDuration *prometheus.HistogramVec
	// LicenseValid is 1 while the stored license verifies, 0 otherwise.
	LicenseValid prometheus.Gauge
	// EventCounter counts license state transitions by event type.
	EventCounter *prometheus.CounterVec
	// HookRuns counts scheduled hook executions by hook.
	HookRuns *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_requests_total",
			Help:      "Total number of license server requests.",
		}, []string{"route", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "license_request_duration_seconds",
			Help:      "Duration of license server requests in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"route"}),
		LicenseValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "license_valid",
			Help:      "Whether the stored license is valid (1) or not (0).",
		}),
		EventCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_events_total",
			Help:      "Total number of license state events by type.",
		}, []string{"type"}),
		HookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_runs_total",
			Help:      "Total number of scheduled hook runs.",
		}, []string{"hook", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.RequestCounter,
		m.RequestDuration,
		m.LicenseValid,
		m.EventCounter,
		m.HookRuns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// ObserveRequest records one license server request.
func (m *PrometheusMetrics) ObserveRequest(route, outcome string, d time.Duration) {
	m.RequestCounter.WithLabelValues(route, outcome).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetLicenseValid updates the validity gauge.
func (m *PrometheusMetrics) SetLicenseValid(valid bool) {
	if valid {
		m.LicenseValid.Set(1)
		return
	}
	m.LicenseValid.Set(0)
}

// RecordEvent counts a license event.
func (m *PrometheusMetrics) RecordEvent(eventType string) {
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// RecordHookRun counts a scheduled hook run.
func (m *PrometheusMetrics) RecordHookRun(hook string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.HookRuns.WithLabelValues(hook, outcome).Inc()
}

// Handler serves the registered metrics in the Prometheus exposition format.
// It falls back to the default gatherer when the registerer cannot gather.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
