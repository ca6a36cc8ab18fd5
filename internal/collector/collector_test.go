package collector

import (
	"path/filepath"
	"testing"

	"github.com/bc-dunia/loadtrestler/internal/metriclog"
)

func newTestCollector(t *testing.T, warmupMs int64) *Collector {
	t.Helper()
	dir := t.TempDir()
	w, err := metriclog.NewWriter(filepath.Join(dir, "records.log"), 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return New(Config{ExpectedStatus: 200, WarmupMs: warmupMs, LogWriter: w, StreamDepth: 16})
}

func TestClassifyDisjoint(t *testing.T) {
	cases := []struct {
		rec  metriclog.Record
		want Classification
	}{
		{metriclog.Record{StatusCode: 200}, ClassSuccess},
		{metriclog.Record{StatusCode: 200, TimedOut: true}, ClassTimeout},
		{metriclog.Record{StatusCode: 200, TransportError: true}, ClassTransportError},
		{metriclog.Record{StatusCode: 500}, ClassNonExpectedStatus},
		{metriclog.Record{StatusCode: 500, TimedOut: true, TransportError: true}, ClassTimeout},
	}
	for _, c := range cases {
		if got := Classify(c.rec, 200); got != c.want {
			t.Errorf("Classify(%+v) = %v, want %v", c.rec, got, c.want)
		}
	}
}

func TestObserveAndFinalize(t *testing.T) {
	c := newTestCollector(t, 0)

	recs := []metriclog.Record{
		{ElapsedMs: 1, LatencyMs: 10, StatusCode: 200},
		{ElapsedMs: 2, LatencyMs: 20, StatusCode: 200},
		{ElapsedMs: 3, LatencyMs: 5, StatusCode: 500},
		{ElapsedMs: 4, LatencyMs: 999, StatusCode: 0, TimedOut: true},
	}
	for _, r := range recs {
		if err := c.Observe(r); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	s := c.Finalize(10)
	if s.TotalRequests != 4 {
		t.Fatalf("TotalRequests = %d, want 4", s.TotalRequests)
	}
	if s.SuccessfulRequests != 2 {
		t.Fatalf("SuccessfulRequests = %d, want 2", s.SuccessfulRequests)
	}
	if s.ErrorRequests != 2 {
		t.Fatalf("ErrorRequests = %d, want 2", s.ErrorRequests)
	}
	if got := s.SuccessfulRequests + s.TimeoutRequests + s.TransportErrors + s.NonExpectedStatus; got != s.TotalRequests {
		t.Fatalf("classification sum = %d, want %d (disjointness invariant)", got, s.TotalRequests)
	}
	if s.SuccessMinLatencyMs != 10 || s.SuccessMaxLatencyMs != 20 {
		t.Fatalf("success min/max = %v/%v, want 10/20", s.SuccessMinLatencyMs, s.SuccessMaxLatencyMs)
	}
}

func TestWarmupExclusion(t *testing.T) {
	c := newTestCollector(t, 100)

	if err := c.Observe(metriclog.Record{ElapsedMs: 50, LatencyMs: 5, StatusCode: 200}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := c.Observe(metriclog.Record{ElapsedMs: 150, LatencyMs: 5, StatusCode: 200}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	s := c.Finalize(200)
	if s.TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d, want 1 (warmup record excluded from counters)", s.TotalRequests)
	}
}

func TestOnRecordHookFiresForEveryRecordIncludingWarmup(t *testing.T) {
	dir := t.TempDir()
	w, err := metriclog.NewWriter(filepath.Join(dir, "records.log"), 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	var seen []Classification
	c := New(Config{
		ExpectedStatus: 200,
		WarmupMs:       100,
		LogWriter:      w,
		StreamDepth:    16,
		OnRecord: func(_ metriclog.Record, class Classification) {
			seen = append(seen, class)
		},
	})

	if err := c.Observe(metriclog.Record{ElapsedMs: 50, StatusCode: 200}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := c.Observe(metriclog.Record{ElapsedMs: 150, StatusCode: 500}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("onRecord fired %d times, want 2 (including the warmup-window record)", len(seen))
	}
	if seen[0] != ClassSuccess || seen[1] != ClassNonExpectedStatus {
		t.Fatalf("onRecord classifications = %v, want [ClassSuccess ClassNonExpectedStatus]", seen)
	}
}

func TestStreamingDropOnFull(t *testing.T) {
	dir := t.TempDir()
	w, err := metriclog.NewWriter(filepath.Join(dir, "records.log"), 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	c := New(Config{ExpectedStatus: 200, LogWriter: w, StreamDepth: 1})
	for i := 0; i < 5; i++ {
		if err := c.Observe(metriclog.Record{ElapsedMs: int64(i), StatusCode: 200}); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if c.Dropped() == 0 {
		t.Fatal("expected at least one dropped record once the streaming channel filled")
	}
	s := c.Finalize(10)
	if s.TotalRequests != 5 {
		t.Fatalf("TotalRequests = %d, want 5 (counters unaffected by streaming drops)", s.TotalRequests)
	}
}

func TestSnapshotHistogramRoundTrips(t *testing.T) {
	c := newTestCollector(t, 0)
	for i := 1; i <= 10; i++ {
		if err := c.Observe(metriclog.Record{ElapsedMs: int64(i), LatencyMs: float64(i), StatusCode: 200}); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	snap, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Counts.Total != 10 {
		t.Fatalf("Counts.Total = %d, want 10", snap.Counts.Total)
	}
	if snap.AllHistogramB64 == "" || snap.SuccessHistogramB64 == "" {
		t.Fatal("expected non-empty base64 histogram payloads")
	}
}
