// Package main provides the loadtrestler-mockserver CLI binary: a
// configurable HTTP target for exercising the load generator without
// hitting a real upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/mockserver"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:3000", "HTTP listen address")
	latencyMs := flag.Int("latency-ms", 0, "base per-request latency in milliseconds")
	jitterMs := flag.Int("latency-jitter-ms", 0, "additional uniform random latency in milliseconds")
	status := flag.Int("status", 200, "status code returned on every request")
	bodyBytes := flag.Int("body-bytes", 0, "response body size in bytes")
	rateLimit := flag.Int("rate-limit", 0, "max accepted requests per second (0 disables)")
	flag.Parse()

	cfg := mockserver.Config{
		Addr:               *addr,
		LatencyMs:          *latencyMs,
		LatencyJitterMs:    *jitterMs,
		Statuses:           []mockserver.StatusWeight{{Code: *status, Weight: 1}},
		BodyBytes:          *bodyBytes,
		RateLimitPerSecond: *rateLimit,
	}

	srv, err := mockserver.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock target listening on %s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	fmt.Printf("Mock target stopped, served %d requests\n", srv.Hits())
}
