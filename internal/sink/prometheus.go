// Package sink exposes run metrics to external monitoring, using the same
// counter/histogram vector pattern as a typical Prometheus exposition. A
// live TUI/record log remains the primary surface for a single run, but
// this is a real, wired component for anyone scraping a long-running
// agent or a local run.
package sink

import (
	"net/http"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Writer consumes per-request records as they complete. Collector.Observe
// callers forward the same record here so the sink stays in lockstep with
// the record log and the in-process histograms.
type Writer interface {
	Write(rec metriclog.Record, class collector.Classification)
}

// PrometheusSink registers a counter vector keyed by outcome class and a
// latency histogram, in the shape of a typical requests-total /
// request-duration metric pair.
type PrometheusSink struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencySecs   prometheus.Histogram
}

// NewPrometheusSink builds a sink with its own registry so multiple runs in
// the same process (e.g. sequential replay comparisons) don't collide on
// global metric registration.
func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadtrestler_requests_total",
			Help: "Total number of completed requests by outcome class",
		},
		[]string{"class"},
	)
	latencySecs := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loadtrestler_request_duration_seconds",
			Help:    "Observed request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(requestsTotal, latencySecs)

	return &PrometheusSink{
		registry:      registry,
		requestsTotal: requestsTotal,
		latencySecs:   latencySecs,
	}
}

func classLabel(class collector.Classification) string {
	switch class {
	case collector.ClassSuccess:
		return "success"
	case collector.ClassTimeout:
		return "timeout"
	case collector.ClassTransportError:
		return "transport_error"
	case collector.ClassNonExpectedStatus:
		return "non_expected_status"
	default:
		return "unknown"
	}
}

// Write increments the class counter and observes the latency histogram.
func (s *PrometheusSink) Write(rec metriclog.Record, class collector.Classification) {
	s.requestsTotal.WithLabelValues(classLabel(class)).Inc()
	s.latencySecs.Observe(rec.LatencyMs / 1000.0)
}

// Handler returns the text-exposition HTTP handler for this sink's
// registry, built with promhttp.HandlerFor.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
