package sink

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
)

func TestPrometheusSinkExposesCounts(t *testing.T) {
	s := NewPrometheusSink()

	s.Write(metriclog.Record{LatencyMs: 12.5}, collector.ClassSuccess)
	s.Write(metriclog.Record{LatencyMs: 30}, collector.ClassTimeout)
	s.Write(metriclog.Record{LatencyMs: 5}, collector.ClassSuccess)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()

	if !strings.Contains(body, `loadtrestler_requests_total{class="success"} 2`) {
		t.Fatalf("missing success count in body:\n%s", body)
	}
	if !strings.Contains(body, `loadtrestler_requests_total{class="timeout"} 1`) {
		t.Fatalf("missing timeout count in body:\n%s", body)
	}
	if !strings.Contains(body, "loadtrestler_request_duration_seconds") {
		t.Fatalf("missing latency histogram in body:\n%s", body)
	}
}
