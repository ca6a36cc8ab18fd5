package mockserver

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestDefaultAlwaysReturns200(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get(s.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if s.Hits() != 1 {
		t.Fatalf("Hits() = %d, want 1", s.Hits())
	}
}

func TestWeightedStatusDistribution(t *testing.T) {
	s, err := New(Config{Statuses: []StatusWeight{{Code: 500, Weight: 1}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get(s.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestLatencyDelaysResponse(t *testing.T) {
	s, err := New(Config{LatencyMs: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background())

	start := time.Now()
	resp, err := http.Get(s.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 50ms", elapsed)
	}
}

func TestRateLimitRejectsOverCap(t *testing.T) {
	s, err := New(Config{RateLimitPerSecond: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background())

	resp1, _ := http.Get(s.URL())
	resp1.Body.Close()
	resp2, err := http.Get(s.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 on the second immediate request", resp2.StatusCode)
	}
}

func TestBodyBytesControlsResponseSize(t *testing.T) {
	s, err := New(Config{BodyBytes: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get(s.URL())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.ContentLength != 1024 {
		t.Fatalf("ContentLength = %d, want 1024", resp.ContentLength)
	}
}
