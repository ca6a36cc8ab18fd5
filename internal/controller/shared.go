// Package controller implements both controller modes: auto (accept N
// agents, dispatch one run, merge a final report) and manual (a
// long-lived agent pool driven by an HTTP control plane).
package controller

import (
	"math"
	"net"
	"sync"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/histogram"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

// AgentSnapshot is the controller's view of one agent's progress,
// updated on every stream/report message and finalized on report.
type AgentSnapshot struct {
	AgentID   string
	Conn      net.Conn
	Weight    uint64
	Summary   wire.WireSummary
	All       *histogram.Histogram
	Success   *histogram.Histogram
	Reported  bool
	LastSeen  time.Time
	Errors    []string
}

// AgentEvent is pushed from each agent's reader goroutine into the
// controller's shared event queue.
type AgentEvent struct {
	AgentID      string
	Stream       *wire.Stream
	Report       *wire.Report
	Error        *wire.ErrorMsg
	Heartbeat    bool
	Disconnected bool
}

func newSnapshotFromHello(agentID string, conn net.Conn, weight uint64) *AgentSnapshot {
	return &AgentSnapshot{
		AgentID:  agentID,
		Conn:     conn,
		Weight:   weight,
		All:      histogram.New(),
		Success:  histogram.New(),
		LastSeen: time.Now(),
	}
}

// applyStream updates the snapshot from an interim stream message.
func (a *AgentSnapshot) applyStream(msg wire.Stream) error {
	a.Summary = msg.Summary
	a.LastSeen = time.Now()
	all, err := histogram.DecodeHistogramBase64(msg.AllHistogramB64)
	if err != nil {
		return err
	}
	success, err := histogram.DecodeHistogramBase64(msg.SuccessHistogramB64)
	if err != nil {
		return err
	}
	a.All = all
	a.Success = success
	return nil
}

// applyReport finalizes the snapshot from the agent's report message.
func (a *AgentSnapshot) applyReport(msg wire.Report) error {
	a.Summary = msg.Summary
	a.Reported = true
	a.Errors = msg.Errors
	a.LastSeen = time.Now()
	all, err := histogram.DecodeHistogramBase64(msg.AllHistogramB64)
	if err != nil {
		return err
	}
	success, err := histogram.DecodeHistogramBase64(msg.SuccessHistogramB64)
	if err != nil {
		return err
	}
	a.All = all
	a.Success = success
	return nil
}

// MergedReport is the finalized cross-agent result: sum counters, take
// min/min and max/max, sum latency sums, and merge both histograms across
// every agent in a live distributed run.
type MergedReport struct {
	Summary collector.Summary
	Errors  []string
}

// Merge combines every reporting agent's snapshot into one run-wide
// result. Agents that never reported still contribute their last stream
// snapshot and are recorded as a runtime error, treated as an agent loss.
func Merge(snapshots []*AgentSnapshot) MergedReport {
	all := histogram.New()
	success := histogram.New()

	var counts collector.Counts
	var minMs, maxMs = posInf(), 0.0
	var successMinMs, successMaxMs = posInf(), 0.0
	var sumMs, successSumMs float64
	var durationMs int64
	var errs []string

	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		if !snap.Reported {
			errs = append(errs, "agent "+snap.AgentID+" never reported (treated as agent loss)")
		}
		errs = append(errs, snap.Errors...)

		all.Merge(snap.All)
		success.Merge(snap.Success)

		counts.Total += snap.Summary.TotalRequests
		counts.Successful += snap.Summary.SuccessfulRequests
		counts.Timeout += snap.Summary.TimeoutRequests
		counts.TransportError += snap.Summary.TransportErrors
		counts.NonExpectedStatus += snap.Summary.NonExpectedStatus

		if snap.Summary.DurationMs > durationMs {
			durationMs = snap.Summary.DurationMs
		}
		if snap.Summary.MinLatencyMs < minMs {
			minMs = snap.Summary.MinLatencyMs
		}
		if snap.Summary.MaxLatencyMs > maxMs {
			maxMs = snap.Summary.MaxLatencyMs
		}
		if snap.Summary.SuccessMinLatencyMs < successMinMs {
			successMinMs = snap.Summary.SuccessMinLatencyMs
		}
		if snap.Summary.SuccessMaxLatencyMs > successMaxMs {
			successMaxMs = snap.Summary.SuccessMaxLatencyMs
		}
		sumMs += bigSumToFloat(snap.Summary.LatencySumMs)
		successSumMs += bigSumToFloat(snap.Summary.SuccessLatencySumMs)
	}

	avg, successAvg := 0.0, 0.0
	if counts.Total > 0 {
		avg = sumMs / float64(counts.Total)
	}
	if counts.Successful > 0 {
		successAvg = successSumMs / float64(counts.Successful)
	}
	if minMs == posInf() {
		minMs = 0
	}
	if successMinMs == posInf() {
		successMinMs = 0
	}

	return MergedReport{
		Summary: collector.Summary{
			DurationMs:          durationMs,
			TotalRequests:       counts.Total,
			SuccessfulRequests:  counts.Successful,
			ErrorRequests:       counts.Total - counts.Successful,
			TimeoutRequests:     counts.Timeout,
			TransportErrors:     counts.TransportError,
			NonExpectedStatus:   counts.NonExpectedStatus,
			MinLatencyMs:        minMs,
			MaxLatencyMs:        maxMs,
			AvgLatencyMs:        avg,
			SuccessMinLatencyMs: successMinMs,
			SuccessMaxLatencyMs: successMaxMs,
			SuccessAvgLatencyMs: successAvg,
			AllHistogram:        all,
			SuccessHistogram:    success,
		},
		Errors: errs,
	}
}

func posInf() float64 { return math.Inf(1) }

func bigSumToFloat(b wire.BigLatencySum) float64 {
	// Hi is only ever non-zero for latency sums far beyond anything a real
	// run produces; dropping it here only affects the average computed
	// from stream/report summaries already in flight, not histogram
	// percentiles (those come from the merged histograms, never this sum).
	return float64(b.Lo)
}

// defaultHeartbeatTimeout is how long a collection loop (auto mode, or a
// manual-mode dispatched run) waits without a heartbeat before treating an
// agent as stale.
const defaultHeartbeatTimeout = 15 * time.Second

// defaultReportDeadlineTail is added to a run's configured duration to get
// a default report_deadline when the caller doesn't set one explicitly.
const defaultReportDeadlineTail = 30 * time.Second

// heartbeatMonitor tracks per-agent last-seen times and reports agents
// silent beyond timeout as Disconnected events.
type heartbeatMonitor struct {
	mu      sync.Mutex
	timeout time.Duration
	seen    map[string]time.Time
}

func newHeartbeatMonitor(timeout time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{timeout: timeout, seen: map[string]time.Time{}}
}

func (h *heartbeatMonitor) touch(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[agentID] = time.Now()
}

func (h *heartbeatMonitor) stale() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	now := time.Now()
	for id, last := range h.seen {
		if now.Sub(last) > h.timeout {
			out = append(out, id)
		}
	}
	return out
}

func (h *heartbeatMonitor) forget(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, agentID)
}
