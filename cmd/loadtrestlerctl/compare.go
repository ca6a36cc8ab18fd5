package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/loadtrestler/internal/replay"
)

var compareCmd = &cobra.Command{
	Use:   "compare --baseline LOG[,LOG...] --candidate LOG[,LOG...]",
	Short: "Compare two runs' record logs and report the relative deltas",
	RunE:  runCompare,
}

func init() {
	f := compareCmd.Flags()
	f.StringSlice("baseline", nil, "baseline run's record log path(s)")
	f.StringSlice("candidate", nil, "candidate run's record log path(s)")
	f.Int("expected-status", 200, "status code counted as success")
	f.Int64("warmup-ms", 0, "discard records with elapsed_ms below this")
	compareCmd.MarkFlagRequired("baseline")
	compareCmd.MarkFlagRequired("candidate")
}

func runCompare(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	baseline, _ := f.GetStringSlice("baseline")
	candidate, _ := f.GetStringSlice("candidate")
	expectedStatus, _ := f.GetInt("expected-status")
	warmupMs, _ := f.GetInt64("warmup-ms")

	baseResult, err := replay.Summary(baseline, nil, expectedStatus, warmupMs)
	if err != nil {
		return err
	}
	candResult, err := replay.Summary(candidate, nil, expectedStatus, warmupMs)
	if err != nil {
		return err
	}

	report := replay.Compare(baseResult.Summary, candResult.Summary)
	fmt.Println(strings.TrimSpace(report.Summary))
	return nil
}
