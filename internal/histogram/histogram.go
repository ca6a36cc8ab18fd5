// Package histogram wraps HdrHistogram-go for per-category latency
// recording, merging, and wire transport.
package histogram

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"sync"

	hdr "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/bc-dunia/loadtrestler/internal/errs"
)

const (
	minValue           = 1
	maxValue           = 3_600_000_000 // 1 hour in microseconds
	sigFigs            = 3
	microsPerMillisecond = 1000.0
)

// Histogram is a concurrency-safe wrapper over hdr.Histogram recording
// latencies in microsecond resolution.
type Histogram struct {
	mu  sync.Mutex
	hdr *hdr.Histogram
}

// New returns an empty histogram covering 1us..1h at 3 significant figures.
func New() *Histogram {
	return &Histogram{hdr: hdr.New(minValue, maxValue, sigFigs)}
}

// Record adds a latency sample given in fractional milliseconds. Values
// below 1us are clamped to 1us; values above the tracked range are clamped
// to maxValue rather than dropped, so totals stay consistent with the
// counters tracked alongside the histogram.
func (h *Histogram) Record(ms float64) {
	v := int64(ms * microsPerMillisecond)
	if v < minValue {
		v = minValue
	}
	if v > maxValue {
		v = maxValue
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hdr.RecordValue(v)
}

// Merge folds other's recorded values into h.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	other.mu.Lock()
	snap := other.hdr.Export()
	other.mu.Unlock()

	src := hdr.Import(snap)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.hdr.Merge(src)
}

// Percentile returns the q-th percentile (0..100) latency in milliseconds.
// Returns 0 for an empty histogram.
func (h *Histogram) Percentile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hdr.TotalCount() == 0 {
		return 0
	}
	return float64(h.hdr.ValueAtQuantile(q)) / microsPerMillisecond
}

// Max returns the maximum recorded latency in milliseconds.
func (h *Histogram) Max() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return float64(h.hdr.Max()) / microsPerMillisecond
}

// TotalCount returns the number of recorded samples.
func (h *Histogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hdr.TotalCount()
}

// Mean returns the arithmetic mean latency in milliseconds.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hdr.Mean() / microsPerMillisecond
}

// EncodeBase64 serializes the histogram's snapshot via gob then base64, for
// embedding in a wire "stream" or "report" message.
func (h *Histogram) EncodeBase64() (string, error) {
	h.mu.Lock()
	snap := h.hdr.Export()
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return "", errs.New(errs.KindMetrics, "histogram.EncodeBase64", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeHistogramBase64 reconstructs a Histogram from the string produced by
// EncodeBase64.
func DecodeHistogramBase64(s string) (*Histogram, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.New(errs.KindMetrics, "histogram.DecodeHistogramBase64", err)
	}
	var snap hdr.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, errs.New(errs.KindMetrics, "histogram.DecodeHistogramBase64", err)
	}
	h := hdr.Import(&snap)
	if h == nil {
		return nil, errs.New(errs.KindMetrics, "histogram.DecodeHistogramBase64", fmt.Errorf("import returned nil"))
	}
	return &Histogram{hdr: h}, nil
}
