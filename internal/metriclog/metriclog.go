// Package metriclog implements the append-only per-request record log: a
// CSV-shaped file written during a run and replayed afterward by the same
// reader the live streaming pipeline uses.
package metriclog

import (
	"bufio"
	"container/heap"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bc-dunia/loadtrestler/internal/errs"
)

// Record is one logged request outcome.
type Record struct {
	ElapsedMs      int64
	LatencyMs      float64
	StatusCode     int
	TimedOut       bool
	TransportError bool
	ResponseBytes  int64
	InFlightOps    int64
}

func (r Record) encode() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(r.ElapsedMs, 10))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatFloat(r.LatencyMs, 'f', -1, 64))
	sb.WriteByte(',')
	sb.WriteString(strconv.Itoa(r.StatusCode))
	sb.WriteByte(',')
	sb.WriteString(boolBit(r.TimedOut))
	sb.WriteByte(',')
	sb.WriteString(boolBit(r.TransportError))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatInt(r.ResponseBytes, 10))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatInt(r.InFlightOps, 10))
	return sb.String()
}

func boolBit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

const defaultFlushEvery = 256

// Writer appends Records to a file, flushing every flushEvery records or on
// Close.
type Writer struct {
	f          *os.File
	bw         *bufio.Writer
	flushEvery int
	unflushed  int
}

// NewWriter opens path for appending (creating it if needed) and returns a
// Writer that buffers writes and flushes every flushEvery records.
func NewWriter(path string, flushEvery int) (*Writer, error) {
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.New(errs.KindMetrics, "metriclog.NewWriter", err)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), flushEvery: flushEvery}, nil
}

// Append writes one record, flushing if the threshold is reached.
func (w *Writer) Append(r Record) error {
	if _, err := w.bw.WriteString(r.encode()); err != nil {
		return errs.New(errs.KindMetrics, "metriclog.Append", err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return errs.New(errs.KindMetrics, "metriclog.Append", err)
	}
	w.unflushed++
	if w.unflushed >= w.flushEvery {
		if err := w.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flush() error {
	if err := w.bw.Flush(); err != nil {
		return errs.New(errs.KindMetrics, "metriclog.flush", err)
	}
	w.unflushed = 0
	return nil
}

// Close flushes any buffered records and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return errs.New(errs.KindMetrics, "metriclog.Close", err)
	}
	return nil
}

// Reader streams Records from a record log. Malformed lines (fewer than 5
// fields) are skipped; missing response_bytes/in_flight_ops fields default
// to 0 for compatibility with logs written before those columns existed.
type Reader struct {
	f   *os.File
	sc  *bufio.Scanner
	err error
}

// NewReader opens path for streaming read.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.KindMetrics, "metriclog.NewReader", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{f: f, sc: sc}, nil
}

// Next returns the next record, or ok=false at EOF. err is set only on a
// genuine I/O failure, not on skipped malformed lines.
func (r *Reader) Next() (Record, bool, error) {
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			continue
		}
		return rec, true, nil
	}
	if err := r.sc.Err(); err != nil {
		r.err = errs.New(errs.KindMetrics, "metriclog.Next", err)
		return Record{}, false, r.err
	}
	return Record{}, false, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

func parseLine(line string) (Record, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return Record{}, false
	}
	elapsed, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, false
	}
	latency, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Record{}, false
	}
	status, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, false
	}
	rec := Record{
		ElapsedMs:      elapsed,
		LatencyMs:      latency,
		StatusCode:     status,
		TimedOut:       fields[3] == "1",
		TransportError: fields[4] == "1",
	}
	if len(fields) > 5 {
		if v, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			rec.ResponseBytes = v
		}
	}
	if len(fields) > 6 {
		if v, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
			rec.InFlightOps = v
		}
	}
	return rec, true
}

// mergeItem is one slot in the merge heap: the most recently read record
// from a given reader, kept until consumed.
type mergeItem struct {
	rec    Record
	reader *Reader
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].rec.ElapsedMs < h[j].rec.ElapsedMs }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MergeIterator yields Records from multiple Readers in ascending ElapsedMs
// order, used by both the live multi-agent stream merge and cold replay.
type MergeIterator struct {
	h mergeHeap
}

// MergeReaders builds a MergeIterator priming one record from every reader.
func MergeReaders(readers []*Reader) (*MergeIterator, error) {
	it := &MergeIterator{}
	heap.Init(&it.h)
	for _, r := range readers {
		rec, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(&it.h, mergeItem{rec: rec, reader: r})
		}
	}
	return it, nil
}

// Next returns the globally next record across all readers by ElapsedMs, or
// ok=false once every reader is exhausted.
func (it *MergeIterator) Next() (Record, bool, error) {
	if it.h.Len() == 0 {
		return Record{}, false, nil
	}
	top := heap.Pop(&it.h).(mergeItem)
	next, ok, err := top.reader.Next()
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		heap.Push(&it.h, mergeItem{rec: next, reader: top.reader})
	}
	return top.rec, true, nil
}

var _ io.Closer = (*Reader)(nil)
