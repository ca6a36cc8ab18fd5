// Package runner wires a wire.EffectiveArgs into a running workerpool.Pool:
// it builds the workload, the collector, an optional rate pacer and request
// limiter, drives the pool to completion (or until stopCh fires), and folds
// the result into a wire.Report. Run matches agent.Runner's signature;
// cmd/agent wraps RunOpts as its Runner, and cmd/loadtrestlerctl calls
// RunWorkloadOpts for a non-distributed local run.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/config"
	"github.com/bc-dunia/loadtrestler/internal/errs"
	"github.com/bc-dunia/loadtrestler/internal/errsig"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
	"github.com/bc-dunia/loadtrestler/internal/ratecontrol"
	"github.com/bc-dunia/loadtrestler/internal/reqlimiter"
	"github.com/bc-dunia/loadtrestler/internal/wire"
	"github.com/bc-dunia/loadtrestler/internal/workerpool"
	"github.com/bc-dunia/loadtrestler/internal/workload"
)

// BuildWorkload builds a Workload from args. ScenarioYAML, when set, takes
// priority over the single-template fields. Per-request dynamic URL
// generation has no wire representation and is local-run only, so it is
// never produced here.
func BuildWorkload(args wire.EffectiveArgs) (workload.Workload, error) {
	if args.ScenarioYAML != "" {
		sc, err := workload.ParseScenarioYAML([]byte(args.ScenarioYAML))
		if err != nil {
			return nil, err
		}
		return sc, nil
	}

	header := http.Header{}
	for k, v := range args.Headers {
		header.Set(k, v)
	}
	var body []byte
	if args.Body != "" {
		body = []byte(args.Body)
	}
	return workload.SingleTemplate{Template: workload.Template{
		Method: args.Method,
		URL:    args.URL,
		Header: header,
		Body:   body,
	}}, nil
}

// Run builds and drives one full run from args, reporting interim progress
// via streamFn and honoring stopCh by stopping the pool: in-flight requests
// are cancelled unless args.WaitOngoingAfterDeadline is set, in which case
// they run to completion. It matches
// agent.Runner's signature so it can be wired directly as Config.Runner.
func Run(ctx context.Context, runID string, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}) (wire.Report, error) {
	return RunOpts(ctx, runID, args, streamFn, stopCh, RunOptions{})
}

// RunOpts is Run plus non-wire-representable hooks; runID is otherwise
// unused by this package but kept in the signature for parity with
// agent.Runner and to name on-disk artifacts a caller derives from it.
func RunOpts(ctx context.Context, runID string, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}, opts RunOptions) (wire.Report, error) {
	wl, err := BuildWorkload(args)
	if err != nil {
		return wire.Report{}, err
	}
	return RunWorkloadOpts(ctx, wl, args, streamFn, stopCh, opts)
}

// RunWorkload drives an already-built Workload, e.g. one assembled locally
// with a workload.DynamicURL generator that args alone cannot express.
func RunWorkload(ctx context.Context, wl workload.Workload, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}) (wire.Report, error) {
	return RunWorkloadOpts(ctx, wl, args, streamFn, stopCh, RunOptions{})
}

// RunOptions carries hooks that have no wire representation and so can't
// ride along in a wire.EffectiveArgs, e.g. an external metrics sink a local
// CLI run wants fed from the same record stream as the collector.
type RunOptions struct {
	OnRecord func(metriclog.Record, collector.Classification)
}

// RunWorkloadOpts is RunWorkload plus non-wire-representable hooks.
func RunWorkloadOpts(ctx context.Context, wl workload.Workload, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}, opts RunOptions) (wire.Report, error) {
	var logWriter *metriclog.Writer
	if args.RecordLogPath != "" {
		w, err := metriclog.NewWriter(args.RecordLogPath, config.MaxRecordLogFlush)
		if err != nil {
			return wire.Report{}, err
		}
		defer w.Close()
		logWriter = w
	}

	col := collector.New(collector.Config{
		ExpectedStatus: args.ExpectedStatus,
		WarmupMs:       args.WarmupMs,
		LogWriter:      logWriter,
		OnRecord:       opts.OnRecord,
	})
	defer col.Close()

	errAgg := errsig.NewAggregator()

	cfg := workerpool.Config{
		Workload:                 wl,
		Client:                   http.DefaultClient,
		Sink:                     col,
		Errors:                   errAgg,
		MaxWorkers:               args.MaxWorkers,
		SpawnRate:                args.SpawnRate,
		SpawnTick:                time.Duration(args.SpawnTickMs) * time.Millisecond,
		WaitOngoingAfterDeadline: args.WaitOngoingAfterDeadline,
		CorrectLatency:           args.CorrectLatency,
	}
	if args.DurationMs > 0 {
		cfg.Deadline = time.Now().Add(time.Duration(args.DurationMs) * time.Millisecond)
	}
	if args.Requests > 0 {
		cfg.Limiter = reqlimiter.New(args.Requests)
	}

	var pacer *workerpool.RatePacer
	if plan := planFromArgs(args); plan != nil || args.FixedRPS > 0 || args.BurstRate > 0 {
		ctrl := ratecontrol.New(ratecontrol.Config{
			Plan:           plan,
			FixedRPS:       args.FixedRPS,
			BurstRate:      args.BurstRate,
			BurstDelay:     time.Duration(args.BurstDelayMs) * time.Millisecond,
			CorrectLatency: args.CorrectLatency,
		})
		pacer = workerpool.NewRatePacer(ctrl)
		cfg.Tokens = pacer
		// Latency correction applies to fixed-rate pacing only.
		cfg.CorrectLatency = args.CorrectLatency && ctrl.Mode() == ratecontrol.ModeFixed
	}

	pool := workerpool.New(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	startedAt := time.Now()

	if pacer != nil {
		go pacer.Run(runCtx)
	}

	if stopCh != nil {
		go func() {
			select {
			case <-stopCh:
				pool.Stop()
			case <-runCtx.Done():
			}
		}()
	}

	var streamStop chan struct{}
	if streamFn != nil {
		interval := time.Duration(args.StreamIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = config.DefaultStreamInterval
		}
		streamStop = make(chan struct{})
		out := make(chan collector.StreamingSnapshot, 1)
		go func() {
			col.RunSnapshotLoop(interval, out, streamStop)
			close(out)
		}()
		go func() {
			for snap := range out {
				streamFn(snapshotToStream(snap))
			}
		}()
	}

	runErr := pool.Run(runCtx)
	if streamStop != nil {
		close(streamStop)
	}

	summary := col.Finalize(time.Since(startedAt).Milliseconds())

	report, err := summaryToReport(summary)
	if err != nil {
		return wire.Report{}, err
	}
	if runErr != nil {
		report.Errors = append(report.Errors, runErr.Error())
	}
	report.Errors = append(report.Errors, topErrorSignatures(errAgg)...)
	return report, nil
}

// maxReportedSignatures caps how many distinct error signatures ride along
// in a report; a run hammering a dead host can otherwise produce one
// signature per slightly-different connection-refused message.
const maxReportedSignatures = 5

func topErrorSignatures(agg *errsig.Aggregator) []string {
	sigs := agg.Top(maxReportedSignatures)
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = fmt.Sprintf("%s (x%d): %s", s.Pattern, s.Count, s.SampleError)
	}
	return out
}

func planFromArgs(args wire.EffectiveArgs) *ratecontrol.Plan {
	if len(args.Stages) == 0 {
		return nil
	}
	stages := make([]ratecontrol.Stage, len(args.Stages))
	for i, s := range args.Stages {
		stages[i] = ratecontrol.Stage{DurationSecs: s.DurationSecs, TargetRPM: s.TargetRPM}
	}
	return &ratecontrol.Plan{InitialRPM: args.InitialRPM, Stages: stages}
}

func snapshotToStream(snap collector.StreamingSnapshot) wire.Stream {
	return wire.Stream{
		Summary:             snapshotToWireSummary(snap),
		AllHistogramB64:     snap.AllHistogramB64,
		SuccessHistogramB64: snap.SuccessHistogramB64,
	}
}

func snapshotToWireSummary(snap collector.StreamingSnapshot) wire.WireSummary {
	ws := wire.WireSummary{
		DurationMs:          snap.DurationMs,
		TotalRequests:       snap.Counts.Total,
		SuccessfulRequests:  snap.Counts.Successful,
		TimeoutRequests:     snap.Counts.Timeout,
		TransportErrors:     snap.Counts.TransportError,
		NonExpectedStatus:   snap.Counts.NonExpectedStatus,
		MinLatencyMs:        snap.MinMs,
		MaxLatencyMs:        snap.MaxMs,
		SuccessMinLatencyMs: snap.SuccessMinMs,
		SuccessMaxLatencyMs: snap.SuccessMaxMs,
	}
	ws.LatencySumMs.AddMillis(int64(snap.SumMs))
	ws.SuccessLatencySumMs.AddMillis(int64(snap.SuccessSumMs))
	return ws
}

func summaryToReport(s collector.Summary) (wire.Report, error) {
	allB64, err := s.AllHistogram.EncodeBase64()
	if err != nil {
		return wire.Report{}, errs.New(errs.KindMetrics, "runner.summaryToReport", err)
	}
	successB64, err := s.SuccessHistogram.EncodeBase64()
	if err != nil {
		return wire.Report{}, errs.New(errs.KindMetrics, "runner.summaryToReport", err)
	}

	ws := wire.WireSummary{
		DurationMs:          s.DurationMs,
		TotalRequests:       s.TotalRequests,
		SuccessfulRequests:  s.SuccessfulRequests,
		TimeoutRequests:     s.TimeoutRequests,
		TransportErrors:     s.TransportErrors,
		NonExpectedStatus:   s.NonExpectedStatus,
		MinLatencyMs:        s.MinLatencyMs,
		MaxLatencyMs:        s.MaxLatencyMs,
		SuccessMinLatencyMs: s.SuccessMinLatencyMs,
		SuccessMaxLatencyMs: s.SuccessMaxLatencyMs,
	}
	ws.LatencySumMs.AddMillis(int64(s.AvgLatencyMs * float64(s.TotalRequests)))
	ws.SuccessLatencySumMs.AddMillis(int64(s.SuccessAvgLatencyMs * float64(s.SuccessfulRequests)))

	return wire.Report{
		Summary:             ws,
		AllHistogramB64:     allB64,
		SuccessHistogramB64: successB64,
	}, nil
}
