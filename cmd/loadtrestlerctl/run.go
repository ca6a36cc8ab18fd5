package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/loadtrestler/internal/artifacts"
	"github.com/bc-dunia/loadtrestler/internal/config"
	"github.com/bc-dunia/loadtrestler/internal/runner"
	"github.com/bc-dunia/loadtrestler/internal/sink"
	"github.com/bc-dunia/loadtrestler/internal/wire"
	"github.com/bc-dunia/loadtrestler/internal/workload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a single local (non-distributed) run",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("method", "GET", "HTTP method")
	f.String("url", "", "target URL (single/single-dynamic workloads)")
	f.StringSlice("header", nil, "request header KEY=VALUE, may be repeated")
	f.String("body", "", "request body")
	f.Int("expected-status", 200, "status code counted as success")
	f.String("url-template", "", "when set, enables dynamic-URL mode: {n} is replaced by the request's 1-based sequence number")

	f.String("scenario", "", "path to a scenario YAML file; overrides --url")

	f.Duration("duration", 30*time.Second, "run duration; 0 means unbounded (requires --requests)")
	f.Int64("requests", 0, "total request cap; 0 is unbounded")

	f.Int("max-workers", 50, "max concurrent workers")
	f.Int("spawn-rate", 0, "workers spawned per spawn-tick; defaults to max-workers")
	f.Duration("spawn-tick", 100*time.Millisecond, "interval between spawn ramps")

	f.Float64("initial-rpm", 0, "rate-plan starting requests/minute")
	f.StringSlice("stage", nil, "rate-plan stage \"duration_secs:target_rpm\", may be repeated, applied in order")
	f.Float64("fixed-rps", 0, "fixed requests/sec; overrides rate plan when set")
	f.Int("burst-rate", 0, "requests issued in each burst")
	f.Duration("burst-delay", 0, "delay between bursts; required when --burst-rate is set")
	f.Bool("correct-latency", false, "add scheduling/coordination delay to recorded latency (fixed-rps runs only)")

	f.Int64("warmup-ms", 0, "discard records with elapsed_ms below this from aggregates")
	f.Bool("wait-ongoing", false, "let in-flight requests finish after the deadline instead of abandoning them")

	f.String("record-log", "", "path to write this run's record log; empty disables it")
	f.String("output", "text", "output format: text or json")
	f.String("artifacts-dir", "", "directory to persist this run's report, effective config, and record log under; empty disables it")
	f.String("metrics-addr", "", "address to expose a Prometheus /metrics endpoint on for the run's duration; empty disables it")
}

func runRun(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()

	method, _ := f.GetString("method")
	url, _ := f.GetString("url")
	headerPairs, _ := f.GetStringSlice("header")
	body, _ := f.GetString("body")
	expectedStatus, _ := f.GetInt("expected-status")
	urlTemplate, _ := f.GetString("url-template")
	scenarioPath, _ := f.GetString("scenario")

	duration, _ := f.GetDuration("duration")
	requests, _ := f.GetInt64("requests")

	maxWorkers, _ := f.GetInt("max-workers")
	spawnRate, _ := f.GetInt("spawn-rate")
	spawnTick, _ := f.GetDuration("spawn-tick")

	initialRPM, _ := f.GetFloat64("initial-rpm")
	stageFlags, _ := f.GetStringSlice("stage")
	fixedRPS, _ := f.GetFloat64("fixed-rps")
	burstRate, _ := f.GetInt("burst-rate")
	burstDelay, _ := f.GetDuration("burst-delay")
	correctLatency, _ := f.GetBool("correct-latency")

	warmupMs, _ := f.GetInt64("warmup-ms")
	waitOngoing, _ := f.GetBool("wait-ongoing")

	recordLog, _ := f.GetString("record-log")
	output, _ := f.GetString("output")
	artifactsDir, _ := f.GetString("artifacts-dir")
	metricsAddr, _ := f.GetString("metrics-addr")

	headers, err := parseHeaders(headerPairs)
	if err != nil {
		return err
	}
	stages, err := parseStages(stageFlags)
	if err != nil {
		return err
	}

	kind := config.WorkloadSingle
	if urlTemplate != "" {
		kind = config.WorkloadSingleDynamic
	}
	if scenarioPath != "" {
		kind = config.WorkloadScenario
	}

	args := &config.Args{
		Workload: config.WorkloadSpec{
			Kind:           kind,
			Method:         method,
			URL:            url,
			Headers:        headers,
			Body:           body,
			ExpectedStatus: expectedStatus,
			ScenarioPath:   scenarioPath,
		},
		Duration:                 duration,
		Requests:                 requests,
		MaxWorkers:               maxWorkers,
		SpawnRate:                spawnRate,
		SpawnTick:                spawnTick,
		FixedRPS:                 fixedRPS,
		BurstRate:                burstRate,
		BurstDelay:               burstDelay,
		CorrectLatency:           correctLatency,
		WarmupMs:                 warmupMs,
		WaitOngoingAfterDeadline: waitOngoing,
		RecordLogPath:            recordLog,
	}
	if len(stages) > 0 {
		args.RatePlan = &config.RatePlan{InitialRPM: initialRPM, Stages: stages}
	}
	if recordLog == "" {
		// Args.Validate requires a record_log_path; a local interactive run
		// with no replay need still picks an unambiguous default rather than
		// forcing every invocation to pass --record-log explicitly.
		args.RecordLogPath = fmt.Sprintf("loadtrestlerctl-%d.log", time.Now().UnixMilli())
	}

	if err := args.Validate(); err != nil {
		return err
	}

	effectiveArgs, err := args.ToEffectiveArgs()
	if err != nil {
		return err
	}
	effectiveArgs.RecordLogPath = args.RecordLogPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runID := fmt.Sprintf("%d-ctl", time.Now().UnixMilli())

	var opts runner.RunOptions
	if metricsAddr != "" {
		promSink := sink.NewPrometheusSink()
		opts.OnRecord = promSink.Write
		srv := &http.Server{Addr: metricsAddr, Handler: promSink.Handler()}
		go srv.ListenAndServe()
		defer srv.Close()
	}

	var wl workload.Workload
	if kind == config.WorkloadSingleDynamic {
		wl = workload.DynamicURL{
			Template: workload.Template{Method: method, Header: toHeader(headers), Body: []byte(body)},
			Gen:      func(n uint64) string { return strings.ReplaceAll(urlTemplate, "{n}", strconv.FormatUint(n, 10)) },
		}
	} else {
		wl, err = runner.BuildWorkload(effectiveArgs)
		if err != nil {
			return err
		}
	}

	report, err := runner.RunWorkloadOpts(ctx, wl, effectiveArgs, nil, nil, opts)
	if err != nil {
		return err
	}

	if artifactsDir != "" {
		if err := saveArtifacts(artifactsDir, runID, effectiveArgs, report); err != nil {
			return err
		}
	}

	return printReport(output, report)
}

// saveArtifacts persists a finished run's report, effective config, and
// record log (if one was written) so it can be audited or replayed later
// without re-running it.
func saveArtifacts(dir, runID string, effectiveArgs wire.EffectiveArgs, report wire.Report) error {
	store, err := artifacts.NewFilesystemStore(dir)
	if err != nil {
		return err
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if _, err := store.SaveArtifact(runID, artifacts.ArtifactTypeReport, "report.json", reportJSON); err != nil {
		return err
	}

	argsJSON, err := json.Marshal(effectiveArgs)
	if err != nil {
		return err
	}
	if _, err := store.SaveArtifact(runID, artifacts.ArtifactTypeConfig, "args.json", argsJSON); err != nil {
		return err
	}

	if effectiveArgs.RecordLogPath != "" {
		data, err := os.ReadFile(effectiveArgs.RecordLogPath)
		if err != nil {
			return err
		}
		if _, err := store.SaveArtifact(runID, artifacts.ArtifactTypeRecordLog, filepath.Base(effectiveArgs.RecordLogPath), data); err != nil {
			return err
		}
	}

	return nil
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --header %q, want KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

func toHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func parseStages(raw []string) ([]config.Stage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	stages := make([]config.Stage, 0, len(raw))
	for _, s := range raw {
		durStr, rpmStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --stage %q, want duration_secs:target_rpm", s)
		}
		dur, err := strconv.Atoi(durStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --stage %q: %w", s, err)
		}
		rpm, err := strconv.ParseFloat(rpmStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --stage %q: %w", s, err)
		}
		stages = append(stages, config.Stage{DurationSecs: dur, TargetRPM: rpm})
	}
	return stages, nil
}

func printReport(output string, report wire.Report) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	s := report.Summary
	fmt.Printf("duration:            %dms\n", s.DurationMs)
	fmt.Printf("total requests:      %d\n", s.TotalRequests)
	fmt.Printf("successful:          %d\n", s.SuccessfulRequests)
	fmt.Printf("timeouts:            %d\n", s.TimeoutRequests)
	fmt.Printf("transport errors:    %d\n", s.TransportErrors)
	fmt.Printf("non-expected status: %d\n", s.NonExpectedStatus)
	fmt.Printf("latency min/max:     %.2fms / %.2fms\n", s.MinLatencyMs, s.MaxLatencyMs)
	fmt.Printf("success latency min/max: %.2fms / %.2fms\n", s.SuccessMinLatencyMs, s.SuccessMaxLatencyMs)
	if len(report.Errors) > 0 {
		fmt.Println("errors:")
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}
