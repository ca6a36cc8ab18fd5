// Package replay reconstructs run summaries from on-disk record logs,
// either for cold analysis of a finished run or for scrubbing through a
// chart's time axis.
package replay

import (
	"github.com/bc-dunia/loadtrestler/internal/collector"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
)

// MetricsMax bounds how many raw records Summary returns alongside the
// aggregate; records beyond the bound are dropped and Truncated is set
// rather than growing memory unbounded on huge logs.
const MetricsMax = 200_000

// Window optionally restricts replay to [StartMs, EndMs].
type Window struct {
	StartMs int64
	EndMs   int64 // 0 means unbounded
}

func (w *Window) includes(elapsedMs int64) bool {
	if w == nil {
		return true
	}
	if elapsedMs < w.StartMs {
		return false
	}
	if w.EndMs > 0 && elapsedMs > w.EndMs {
		return false
	}
	return true
}

// Result is what Summary returns: the aggregate, a bounded slice of raw
// records for chart rendering, and whether that slice was truncated.
type Result struct {
	Summary   collector.Summary
	Records   []metriclog.Record
	Truncated bool
}

// Summary streams one or more record logs (already time-ordered via
// metriclog.MergeReaders when there is more than one) through a
// pared-down collector, applying an optional window filter, and returns
// the reconstructed summary plus a bounded raw record slice.
func Summary(paths []string, window *Window, expectedStatus int, warmupMs int64) (Result, error) {
	readers := make([]*metriclog.Reader, 0, len(paths))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, p := range paths {
		r, err := metriclog.NewReader(p)
		if err != nil {
			return Result{}, err
		}
		readers = append(readers, r)
	}

	it, err := metriclog.MergeReaders(readers)
	if err != nil {
		return Result{}, err
	}

	c := collector.New(collector.Config{ExpectedStatus: expectedStatus, WarmupMs: warmupMs})
	defer c.Close()

	var records []metriclog.Record
	var truncated bool
	var maxElapsed int64

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		if !window.includes(rec.ElapsedMs) {
			continue
		}
		if rec.ElapsedMs > maxElapsed {
			maxElapsed = rec.ElapsedMs
		}
		if err := c.Observe(rec); err != nil {
			return Result{}, err
		}
		if len(records) < MetricsMax {
			records = append(records, rec)
		} else {
			truncated = true
		}
	}

	return Result{
		Summary:   c.Finalize(maxElapsed),
		Records:   records,
		Truncated: truncated,
	}, nil
}

// WindowSlice returns the subset of records whose ElapsedMs falls within
// [startMs, endMs], preserving order. endMs<=0 means unbounded.
func WindowSlice(records []metriclog.Record, startMs, endMs int64) []metriclog.Record {
	w := &Window{StartMs: startMs, EndMs: endMs}
	out := make([]metriclog.Record, 0, len(records))
	for _, r := range records {
		if w.includes(r.ElapsedMs) {
			out = append(out, r)
		}
	}
	return out
}

// PlaybackCursor tracks a scrubber position over an ordered record slice,
// exposed as a pure function over records without any chart rendering.
type PlaybackCursor struct {
	Records []metriclog.Record
	Index   int
}

// NewPlaybackCursor starts a cursor at the beginning of records.
func NewPlaybackCursor(records []metriclog.Record) *PlaybackCursor {
	return &PlaybackCursor{Records: records}
}

// AdvancePlayback moves the cursor forward to the first record whose
// ElapsedMs is >= targetMs, returning the records passed over (in order)
// since the last call. Calling with a targetMs before the current position
// is a no-op returning nil, since playback only moves forward.
func (c *PlaybackCursor) AdvancePlayback(targetMs int64) []metriclog.Record {
	start := c.Index
	for c.Index < len(c.Records) && c.Records[c.Index].ElapsedMs < targetMs {
		c.Index++
	}
	if c.Index == start {
		return nil
	}
	return c.Records[start:c.Index]
}

// Done reports whether the cursor has reached the end of its records.
func (c *PlaybackCursor) Done() bool {
	return c.Index >= len(c.Records)
}
