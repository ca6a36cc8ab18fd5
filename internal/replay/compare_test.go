package replay

import (
	"testing"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/histogram"
)

func summaryWith(total, errs int64, durationMs int64, avgMs float64) collector.Summary {
	h := histogram.New()
	for i := 0; i < int(total); i++ {
		h.Record(avgMs)
	}
	return collector.Summary{
		TotalRequests: total,
		ErrorRequests: errs,
		DurationMs:    durationMs,
		AvgLatencyMs:  avgMs,
		AllHistogram:  h,
	}
}

func TestCompareImprovedThroughput(t *testing.T) {
	base := summaryWith(1000, 10, 10_000, 20)
	candidate := summaryWith(1500, 10, 10_000, 20)

	r := Compare(base, candidate)
	if r.ThroughputChangePct <= 0 {
		t.Fatalf("ThroughputChangePct = %v, want positive", r.ThroughputChangePct)
	}
	if r.Regressed {
		t.Fatal("should not be regressed when throughput improves and latency holds")
	}
}

func TestCompareRegressedOnErrorSpike(t *testing.T) {
	base := summaryWith(1000, 10, 10_000, 20)
	candidate := summaryWith(1000, 200, 10_000, 20)

	r := Compare(base, candidate)
	if !r.Regressed {
		t.Fatal("expected Regressed=true when error rate jumps sharply")
	}
	if r.ErrorRateChangePct <= 0 {
		t.Fatalf("ErrorRateChangePct = %v, want positive", r.ErrorRateChangePct)
	}
}

func TestCompareZeroBaseline(t *testing.T) {
	base := collector.Summary{}
	candidate := summaryWith(100, 0, 1000, 10)
	r := Compare(base, candidate)
	if r.ThroughputChangePct != 100 {
		t.Fatalf("ThroughputChangePct = %v, want 100 for zero baseline", r.ThroughputChangePct)
	}
}
