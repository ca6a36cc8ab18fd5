// Package collector fans per-request metric records into running counters,
// an "all" and a "success" latency histogram, an on-disk record log, and a
// bounded streaming channel consumed by the TUI and the distributed
// streamer.
package collector

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/config"
	"github.com/bc-dunia/loadtrestler/internal/histogram"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
)

// Classification is the exactly-one-of-four outcome bucket a record falls
// into.
type Classification int

const (
	ClassSuccess Classification = iota
	ClassTimeout
	ClassTransportError
	ClassNonExpectedStatus
)

// Classify buckets a record into disjoint classes: timeouts and transport
// errors take priority over a merely unexpected status code, since either
// one means no valid status was ever observed.
func Classify(rec metriclog.Record, expectedStatus int) Classification {
	switch {
	case rec.TimedOut:
		return ClassTimeout
	case rec.TransportError:
		return ClassTransportError
	case rec.StatusCode != expectedStatus:
		return ClassNonExpectedStatus
	default:
		return ClassSuccess
	}
}

// Counts holds the per-classification tallies plus the derived total.
type Counts struct {
	Total             int64
	Successful        int64
	Timeout           int64
	TransportError    int64
	NonExpectedStatus int64
}

// StreamingSnapshot is the periodic interim view emitted to subscribers and
// forwarded to the distributed streamer (wire "stream" message payload).
type StreamingSnapshot struct {
	DurationMs          int64
	Counts              Counts
	MinMs               float64
	MaxMs               float64
	SumMs               float64
	SuccessMinMs        float64
	SuccessMaxMs        float64
	SuccessSumMs        float64
	AllHistogramB64     string
	SuccessHistogramB64 string
}

// Collector accumulates metric records into counters, histograms, and a
// record log, and emits StreamingSnapshots on a ticker.
type Collector struct {
	expectedStatus int
	warmupMs       int64
	startedAt      time.Time

	log *metriclog.Writer

	mu           sync.Mutex
	counts       Counts
	minMs        float64
	maxMs        float64
	sumMs        float64
	successMinMs float64
	successMaxMs float64
	successSumMs float64

	all     *histogram.Histogram
	success *histogram.Histogram

	streamCh chan metriclog.Record
	dropped  atomic.Int64
	onRecord func(metriclog.Record, Classification)
}

// Config configures a Collector.
type Config struct {
	ExpectedStatus int
	WarmupMs       int64
	LogWriter      *metriclog.Writer
	StreamDepth    int

	// OnRecord, if set, is called synchronously for every accepted record
	// (including ones inside the warmup window) with its classification.
	// It lets an external sink (e.g. internal/sink's Prometheus adapter)
	// observe the same stream the record log and histograms see, without
	// this package importing anything sink-shaped.
	OnRecord func(metriclog.Record, Classification)
}

// New builds a Collector writing to cfg.LogWriter (may be nil to disable
// on-disk logging, e.g. for unit tests) and forwarding accepted records to a
// bounded channel of depth cfg.StreamDepth.
func New(cfg Config) *Collector {
	depth := cfg.StreamDepth
	if depth <= 0 {
		depth = config.DefaultStreamChannelDepth
	}
	return &Collector{
		expectedStatus: cfg.ExpectedStatus,
		warmupMs:       cfg.WarmupMs,
		startedAt:      time.Now(),
		log:            cfg.LogWriter,
		all:            histogram.New(),
		success:        histogram.New(),
		streamCh:       make(chan metriclog.Record, depth),
		minMs:          math.Inf(1),
		successMinMs:   math.Inf(1),
		onRecord:       cfg.OnRecord,
	}
}

// Stream exposes the bounded channel of accepted records for the TUI and
// distributed streamer to range over.
func (c *Collector) Stream() <-chan metriclog.Record {
	return c.streamCh
}

// Dropped reports how many records were shed because the streaming channel
// was full. The record log and counters still saw every record; only the
// best-effort streaming view drops.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Observe processes one completed request. It always appends to the record
// log (if configured) and, outside the warmup window, updates counters and
// histograms. It never blocks: a full streaming channel sheds the record.
func (c *Collector) Observe(rec metriclog.Record) error {
	if c.log != nil {
		if err := c.log.Append(rec); err != nil {
			return err
		}
	}

	select {
	case c.streamCh <- rec:
	default:
		c.dropped.Add(1)
	}

	class := Classify(rec, c.expectedStatus)
	if c.onRecord != nil {
		c.onRecord(rec, class)
	}

	if rec.ElapsedMs < c.warmupMs {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts.Total++
	switch class {
	case ClassSuccess:
		c.counts.Successful++
	case ClassTimeout:
		c.counts.Timeout++
	case ClassTransportError:
		c.counts.TransportError++
	case ClassNonExpectedStatus:
		c.counts.NonExpectedStatus++
	}

	c.all.Record(rec.LatencyMs)
	c.sumMs += rec.LatencyMs
	if rec.LatencyMs < c.minMs {
		c.minMs = rec.LatencyMs
	}
	if rec.LatencyMs > c.maxMs {
		c.maxMs = rec.LatencyMs
	}

	if class == ClassSuccess {
		c.success.Record(rec.LatencyMs)
		c.successSumMs += rec.LatencyMs
		if rec.LatencyMs < c.successMinMs {
			c.successMinMs = rec.LatencyMs
		}
		if rec.LatencyMs > c.successMaxMs {
			c.successMaxMs = rec.LatencyMs
		}
	}

	return nil
}

// Snapshot builds the current StreamingSnapshot. Called directly by tests
// and by the ticker loop started from RunSnapshotLoop.
func (c *Collector) Snapshot() (StreamingSnapshot, error) {
	c.mu.Lock()
	counts := c.counts
	minMs, maxMs, sumMs := zeroIfInf(c.minMs), c.maxMs, c.sumMs
	successMinMs, successMaxMs, successSumMs := zeroIfInf(c.successMinMs), c.successMaxMs, c.successSumMs
	c.mu.Unlock()

	allB64, err := c.all.EncodeBase64()
	if err != nil {
		return StreamingSnapshot{}, err
	}
	successB64, err := c.success.EncodeBase64()
	if err != nil {
		return StreamingSnapshot{}, err
	}

	return StreamingSnapshot{
		DurationMs:          time.Since(c.startedAt).Milliseconds(),
		Counts:              counts,
		MinMs:               minMs,
		MaxMs:               maxMs,
		SumMs:               sumMs,
		SuccessMinMs:        successMinMs,
		SuccessMaxMs:        successMaxMs,
		SuccessSumMs:        successSumMs,
		AllHistogramB64:     allB64,
		SuccessHistogramB64: successB64,
	}, nil
}

func zeroIfInf(v float64) float64 {
	if math.IsInf(v, 1) {
		return 0
	}
	return v
}

// RunSnapshotLoop emits a StreamingSnapshot on every tick of interval until
// ctx-like stop channel closes, sending each one to out. It returns when
// stop is closed; callers typically run it in its own goroutine.
func (c *Collector) RunSnapshotLoop(interval time.Duration, out chan<- StreamingSnapshot, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			snap, err := c.Snapshot()
			if err != nil {
				continue
			}
			select {
			case out <- snap:
			default:
			}
		}
	}
}

// Summary is the finalized, human-consumable aggregate over a run or replay
// window.
type Summary struct {
	DurationMs        int64
	TotalRequests     int64
	SuccessfulRequests int64
	ErrorRequests     int64
	TimeoutRequests   int64
	TransportErrors   int64
	NonExpectedStatus int64

	MinLatencyMs float64
	MaxLatencyMs float64
	AvgLatencyMs float64

	SuccessMinLatencyMs float64
	SuccessMaxLatencyMs float64
	SuccessAvgLatencyMs float64

	AllHistogram     *histogram.Histogram
	SuccessHistogram *histogram.Histogram
}

// Finalize produces the run Summary. DurationMs is supplied by the caller
// (wall-clock elapsed for a live run, or the max elapsed_ms seen for
// replay) since the Collector itself only knows when it was constructed.
func (c *Collector) Finalize(durationMs int64) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := 0.0
	if c.counts.Total > 0 {
		avg = c.sumMs / float64(c.counts.Total)
	}
	successAvg := 0.0
	if c.counts.Successful > 0 {
		successAvg = c.successSumMs / float64(c.counts.Successful)
	}

	return Summary{
		DurationMs:         durationMs,
		TotalRequests:      c.counts.Total,
		SuccessfulRequests: c.counts.Successful,
		ErrorRequests:      c.counts.Total - c.counts.Successful,
		TimeoutRequests:    c.counts.Timeout,
		TransportErrors:    c.counts.TransportError,
		NonExpectedStatus:  c.counts.NonExpectedStatus,

		MinLatencyMs: zeroIfInf(c.minMs),
		MaxLatencyMs: c.maxMs,
		AvgLatencyMs: avg,

		SuccessMinLatencyMs: zeroIfInf(c.successMinMs),
		SuccessMaxLatencyMs: c.successMaxMs,
		SuccessAvgLatencyMs: successAvg,

		AllHistogram:     c.all,
		SuccessHistogram: c.success,
	}
}

// Close closes the underlying record log, if any.
func (c *Collector) Close() error {
	if c.log == nil {
		return nil
	}
	return c.log.Close()
}
