package replay

import (
	"fmt"
	"strings"

	"github.com/bc-dunia/loadtrestler/internal/collector"
)

// ComparisonReport holds the relative deltas between a baseline and a
// candidate run's summaries, for regression-testing a change against a
// known-good run.
type ComparisonReport struct {
	ThroughputChangePct   float64
	ErrorRateChangePct    float64
	P50ChangePct          float64
	P90ChangePct          float64
	P99ChangePct          float64
	AvgLatencyChangePct   float64
	Regressed             bool
	Summary               string
}

// Compare computes percentage deltas of candidate relative to baseline for
// throughput, error rate, and p50/p90/p99/avg latency. A positive latency
// or error-rate delta, or a negative throughput delta, marks Regressed.
func Compare(baseline, candidate collector.Summary) ComparisonReport {
	baseThroughput := throughput(baseline)
	candThroughput := throughput(candidate)
	baseErrRate := errorRate(baseline)
	candErrRate := errorRate(candidate)

	basePcts := percentiles(baseline)
	candPcts := percentiles(candidate)

	r := ComparisonReport{
		ThroughputChangePct: pctChange(baseThroughput, candThroughput),
		ErrorRateChangePct:  pctChange(baseErrRate, candErrRate),
		P50ChangePct:        pctChange(basePcts.p50, candPcts.p50),
		P90ChangePct:        pctChange(basePcts.p90, candPcts.p90),
		P99ChangePct:        pctChange(basePcts.p99, candPcts.p99),
		AvgLatencyChangePct: pctChange(baseline.AvgLatencyMs, candidate.AvgLatencyMs),
	}

	r.Regressed = r.ThroughputChangePct < -5 || r.ErrorRateChangePct > 5 || r.P99ChangePct > 10
	r.Summary = formatSummary(r)
	return r
}

type pctSet struct{ p50, p90, p99 float64 }

func percentiles(s collector.Summary) pctSet {
	if s.AllHistogram == nil {
		return pctSet{}
	}
	return pctSet{
		p50: s.AllHistogram.Percentile(50),
		p90: s.AllHistogram.Percentile(90),
		p99: s.AllHistogram.Percentile(99),
	}
}

func throughput(s collector.Summary) float64 {
	if s.DurationMs <= 0 {
		return 0
	}
	return float64(s.TotalRequests) / (float64(s.DurationMs) / 1000.0)
}

func errorRate(s collector.Summary) float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ErrorRequests) / float64(s.TotalRequests) * 100
}

func pctChange(base, candidate float64) float64 {
	if base == 0 {
		if candidate == 0 {
			return 0
		}
		return 100
	}
	return (candidate - base) / base * 100
}

func formatSummary(r ComparisonReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "throughput %+.1f%%, error rate %+.1f%%, p50 %+.1f%%, p90 %+.1f%%, p99 %+.1f%%",
		r.ThroughputChangePct, r.ErrorRateChangePct, r.P50ChangePct, r.P90ChangePct, r.P99ChangePct)
	if r.Regressed {
		sb.WriteString(" (regressed)")
	}
	return sb.String()
}
