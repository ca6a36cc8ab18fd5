package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay LOG [LOG...]",
	Short: "Reconstruct a run summary from one or more on-disk record logs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.Int("expected-status", 200, "status code counted as success")
	f.Int64("warmup-ms", 0, "discard records with elapsed_ms below this")
	f.Int64("start-ms", 0, "only include records at or after this elapsed_ms")
	f.Int64("end-ms", 0, "only include records at or before this elapsed_ms; 0 is unbounded")
}

func runReplay(cmd *cobra.Command, paths []string) error {
	f := cmd.Flags()
	expectedStatus, _ := f.GetInt("expected-status")
	warmupMs, _ := f.GetInt64("warmup-ms")
	startMs, _ := f.GetInt64("start-ms")
	endMs, _ := f.GetInt64("end-ms")

	var window *replay.Window
	if startMs > 0 || endMs > 0 {
		window = &replay.Window{StartMs: startMs, EndMs: endMs}
	}

	result, err := replay.Summary(paths, window, expectedStatus, warmupMs)
	if err != nil {
		return err
	}

	printSummary(result.Summary)
	if result.Truncated {
		fmt.Printf("records truncated at %d for display; aggregate above covers the full log\n", replay.MetricsMax)
	}
	return nil
}

func printSummary(s collector.Summary) {
	fmt.Printf("duration:            %dms\n", s.DurationMs)
	fmt.Printf("total requests:      %d\n", s.TotalRequests)
	fmt.Printf("successful:          %d\n", s.SuccessfulRequests)
	fmt.Printf("errors:              %d\n", s.ErrorRequests)
	fmt.Printf("timeouts:            %d\n", s.TimeoutRequests)
	fmt.Printf("transport errors:    %d\n", s.TransportErrors)
	fmt.Printf("non-expected status: %d\n", s.NonExpectedStatus)
	fmt.Printf("latency avg/min/max: %.2fms / %.2fms / %.2fms\n", s.AvgLatencyMs, s.MinLatencyMs, s.MaxLatencyMs)
	if s.AllHistogram != nil {
		fmt.Printf("latency p50/p90/p99: %.2fms / %.2fms / %.2fms\n",
			s.AllHistogram.Percentile(50), s.AllHistogram.Percentile(90), s.AllHistogram.Percentile(99))
	}
}
