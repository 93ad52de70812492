package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounterExposition(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Subsystem: "stream", Name: "published_total", Help: "x", Labels: []string{"stream"}}})
	c.Inc(3, "KPI_METRICS")
	c.Inc(-1, "KPI_METRICS") // negative deltas are discarded

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "cadence_stream_published_total")
	assert.Contains(t, body, `stream="KPI_METRICS"`)
	require.NoError(t, p.Health(context.Background()))
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := GaugeOpts{CommonOpts: CommonOpts{Subsystem: "backpressure", Name: "queue_depth", Help: "x"}}
	g1 := p.NewGauge(opts)
	g2 := p.NewGauge(opts)
	g1.Set(5)
	g2.Add(1)
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "cadence_backpressure_queue_depth 6")
}

func TestInvalidMetricNameFallsBackToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "bad name with spaces"}})
	c.Inc(1)
	assert.Error(t, p.Health(context.Background()))
}

func TestTimerObservesHistogram(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	newTimer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Subsystem: "etl", Name: "flush_seconds", Help: "x"}})
	timer := newTimer()
	timer.ObserveDuration()
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "cadence_etl_flush_seconds_count 1"))
}
