package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/MacJediWizard/seatkeeper/internal/client"
)

var _ client.Recorder = (*PrometheusMetrics)(nil)

func TestPrometheus_RequestCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts by route and outcome", func(t *testing.T) {
		m.ObserveRequest("activate-license", client.OutcomeSuccess, 100*time.Millisecond)
		m.ObserveRequest("activate-license", client.OutcomeSuccess, 200*time.Millisecond)
		m.ObserveRequest("activate-license", client.OutcomeNetworkError, time.Second)

		if val := getCounterValue(t, m.RequestCounter, "activate-license", client.OutcomeSuccess); val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		if val := getCounterValue(t, m.RequestCounter, "activate-license", client.OutcomeNetworkError); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})

	t.Run("observes duration per route", func(t *testing.T) {
		count, sum := getHistogramValues(t, m.RequestDuration, "activate-license")
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}
		if sum < 1.29 || sum > 1.31 {
			t.Errorf("expected sum 1.3, got %f", sum)
		}

		m.ObserveRequest("check-license", client.OutcomeSuccess, 50*time.Millisecond)
		count, _ = getHistogramValues(t, m.RequestDuration, "check-license")
		if count != 1 {
			t.Errorf("expected count 1 for check-license, got %d", count)
		}
	})
}

func TestPrometheus_LicenseValid(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetLicenseValid(true)
	if val := getGaugeValue(t, m.LicenseValid); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}

	m.SetLicenseValid(false)
	if val := getGaugeValue(t, m.LicenseValid); val != 0 {
		t.Errorf("expected 0, got %f", val)
	}
}

func TestPrometheus_EventsAndHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordEvent("activated")
	m.RecordEvent("activated")
	m.RecordEvent("degraded")
	if val := getCounterValue(t, m.EventCounter, "activated"); val != 2 {
		t.Errorf("expected 2, got %f", val)
	}
	if val := getCounterValue(t, m.EventCounter, "degraded"); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}

	m.RecordHookRun("license_check_event", nil)
	m.RecordHookRun("license_check_event", errors.New("boom"))
	if val := getCounterValue(t, m.HookRuns, "license_check_event", OutcomeSuccess); val != 1 {
		t.Errorf("expected 1 success, got %f", val)
	}
	if val := getCounterValue(t, m.HookRuns, "license_check_event", OutcomeFailure); val != 1 {
		t.Errorf("expected 1 failure, got %f", val)
	}
}

func TestPrometheus_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.SetLicenseValid(true)
	m.ObserveRequest("check-license", client.OutcomeSuccess, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"seatkeeper_license_valid 1",
		`seatkeeper_license_requests_total{outcome="success",route="check-license"} 1`,
		"seatkeeper_license_request_duration_seconds_count",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m.RequestCounter == nil || m.RequestDuration == nil || m.LicenseValid == nil {
			t.Error("collectors should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if _, err := NewPrometheusMetrics(reg); err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		if _, err := NewPrometheusMetrics(reg); err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
