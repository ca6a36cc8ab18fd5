package workerpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/errsig"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
	"github.com/bc-dunia/loadtrestler/internal/ratecontrol"
	"github.com/bc-dunia/loadtrestler/internal/reqlimiter"
	"github.com/bc-dunia/loadtrestler/internal/workload"
)

func TestRatePacerDeliversTokensAtFixedRate(t *testing.T) {
	ctrl := ratecontrol.New(ratecontrol.Config{FixedRPS: 5})
	pacer := NewRatePacer(ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	go pacer.Run(ctx)

	got := 0
	for {
		tok, err := pacer.Acquire(ctx)
		if err != nil {
			break
		}
		if tok.ScheduledAt.IsZero() {
			t.Fatalf("token has zero ScheduledAt")
		}
		got++
	}
	if got < 4 || got > 6 {
		t.Fatalf("tokens delivered in ~1s at 5 rps = %d, want close to 5", got)
	}
}

type countingSink struct {
	mu   sync.Mutex
	recs []metriclog.Record
}

func (c *countingSink) Observe(rec metriclog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *countingSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestRequestLimiterStopsExactlyAtCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &countingSink{}
	limiter := reqlimiter.New(50)
	pool := New(Config{
		Workload:   workload.SingleTemplate{Template: workload.Template{Method: "GET", URL: srv.URL}},
		Sink:       sink,
		Limiter:    limiter,
		MaxWorkers: 10,
		SpawnRate:  10,
		SpawnTick:  time.Millisecond,
	})

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.len() != 50 {
		t.Fatalf("observed %d records, want exactly 50", sink.len())
	}
}

func TestDeadlineStopsPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &countingSink{}
	pool := New(Config{
		Workload:   workload.SingleTemplate{Template: workload.Template{Method: "GET", URL: srv.URL}},
		Sink:       sink,
		MaxWorkers: 5,
		SpawnRate:  5,
		SpawnTick:  time.Millisecond,
		Deadline:   time.Now().Add(100 * time.Millisecond),
	})

	start := time.Now()
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run took %v, expected to stop near the 100ms deadline", elapsed)
	}
	if sink.len() == 0 {
		t.Fatal("expected at least some requests to complete before the deadline")
	}
}

func TestExplicitStop(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &countingSink{}
	pool := New(Config{
		Workload:   workload.SingleTemplate{Template: workload.Template{Method: "GET", URL: srv.URL}},
		Sink:       sink,
		MaxWorkers: 4,
		SpawnRate:  4,
		SpawnTick:  time.Millisecond,
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		pool.Stop()
	}()

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits.Load() == 0 {
		t.Fatal("expected at least one request before stop")
	}
}

func TestTransportErrorsFeedAggregator(t *testing.T) {
	sink := &countingSink{}
	errs := errsig.NewAggregator()
	pool := New(Config{
		Workload:   workload.SingleTemplate{Template: workload.Template{Method: "GET", URL: "http://127.0.0.1:1"}},
		Sink:       sink,
		Errors:     errs,
		MaxWorkers: 2,
		SpawnRate:  2,
		SpawnTick:  time.Millisecond,
		Deadline:   time.Now().Add(100 * time.Millisecond),
	})

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.len() == 0 {
		t.Fatal("expected some failed requests to be observed")
	}
	top := errs.Top(1)
	if len(top) != 1 {
		t.Fatalf("len(top) = %d, want 1 clustered connection-refused signature", len(top))
	}
	if top[0].Count == 0 {
		t.Fatal("expected a non-zero count on the clustered signature")
	}
}

func TestPreflightFailure(t *testing.T) {
	pool := New(Config{
		Workload: workload.SingleTemplate{Template: workload.Template{Method: "GET", URL: "http://127.0.0.1:1"}},
	})
	if err := pool.Preflight(context.Background()); err == nil {
		t.Fatal("expected preflight to fail against an unreachable address")
	}
}
