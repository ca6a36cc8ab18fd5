// Package wire implements the distributed protocol's line-delimited JSON
// framing and message structs exchanged between a controller and its
// agents.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"

	"github.com/bc-dunia/loadtrestler/internal/errs"
)

// MaxMessageBytes bounds a single framed message at 4MiB.
const MaxMessageBytes = 4 * 1024 * 1024

// Type tags a message's "type" field with a snake_case value.
type Type string

const (
	TypeHello     Type = "hello"
	TypeConfig    Type = "config"
	TypeStart     Type = "start"
	TypeStop      Type = "stop"
	TypeHeartbeat Type = "heartbeat"
	TypeStream    Type = "stream"
	TypeReport    Type = "report"
	TypeError     Type = "error"
)

// Envelope carries just the type tag, used to sniff a message before
// unmarshaling the typed payload.
type Envelope struct {
	Type Type `json:"type"`
}

// BigLatencySum holds a 128-bit latency-sum value as two uint64 words and
// marshals as a decimal string, since Go has no native u128 and JSON
// numbers lose precision above 53 bits.
type BigLatencySum struct {
	Lo uint64
	Hi uint64 // overflow word; non-zero only for extremely long/high-throughput runs
}

// AddMillis accumulates one latency sample (in milliseconds, truncated to
// an integer) into the sum, carrying into Hi on overflow.
func (b *BigLatencySum) AddMillis(ms int64) {
	if ms < 0 {
		ms = 0
	}
	before := b.Lo
	b.Lo += uint64(ms)
	if b.Lo < before {
		b.Hi++
	}
}

// Add folds other into b.
func (b *BigLatencySum) Add(other BigLatencySum) {
	before := b.Lo
	b.Lo += other.Lo
	b.Hi += other.Hi
	if b.Lo < before {
		b.Hi++
	}
}

func (b BigLatencySum) big() *big.Int {
	v := new(big.Int).SetUint64(b.Hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(b.Lo))
	return v
}

// MarshalJSON renders the combined 128-bit value as a decimal string.
func (b BigLatencySum) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.big().String())
}

// UnmarshalJSON parses a decimal string back into the Lo/Hi word pair.
func (b *BigLatencySum) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("wire: invalid BigLatencySum decimal string %q", s)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask)
	hi := new(big.Int).Rsh(v, 64)
	b.Lo = lo.Uint64()
	b.Hi = hi.Uint64()
	return nil
}

// WireSummary mirrors collector.Counts plus latency sums in the
// wire-transportable shape used by Stream and Report.
type WireSummary struct {
	DurationMs        int64         `json:"duration_ms"`
	TotalRequests     int64         `json:"total_requests"`
	SuccessfulRequests int64        `json:"successful_requests"`
	TimeoutRequests   int64         `json:"timeout_requests"`
	TransportErrors   int64         `json:"transport_errors"`
	NonExpectedStatus int64         `json:"non_expected_status"`
	LatencySumMs        BigLatencySum `json:"latency_sum_ms"`
	SuccessLatencySumMs BigLatencySum `json:"success_latency_sum_ms"`
	MinLatencyMs        float64       `json:"min_latency_ms"`
	MaxLatencyMs        float64       `json:"max_latency_ms"`
	SuccessMinLatencyMs float64       `json:"success_min_latency_ms"`
	SuccessMaxLatencyMs float64       `json:"success_max_latency_ms"`
}

// Hello is sent agent -> controller on connect.
type Hello struct {
	Type      Type   `json:"type"`
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	Cores     int    `json:"cores"`
	Weight    uint64 `json:"weight"`
	AuthToken string `json:"auth_token,omitempty"`
}

// EffectiveArgs is the serialized run configuration sent controller -> agent
// inside a Config message. Mirrors internal/config.Args, flattened for the
// wire (no time.Duration/time.Time types, which don't round-trip usefully
// across a heterogeneous agent fleet).
type EffectiveArgs struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expected_status"`

	DurationMs int64 `json:"duration_ms"`
	Requests   int64 `json:"requests,omitempty"`

	MaxWorkers int `json:"max_workers"`
	SpawnRate  int `json:"spawn_rate"`
	SpawnTickMs int64 `json:"spawn_tick_ms"`

	InitialRPM float64      `json:"initial_rpm,omitempty"`
	Stages     []StageWire  `json:"stages,omitempty"`
	FixedRPS   float64      `json:"fixed_rps,omitempty"`
	BurstRate  int          `json:"burst_rate,omitempty"`
	BurstDelayMs int64      `json:"burst_delay_ms,omitempty"`
	CorrectLatency bool     `json:"correct_latency,omitempty"`

	WarmupMs                 int64 `json:"warmup_ms,omitempty"`
	WaitOngoingAfterDeadline bool  `json:"wait_ongoing_after_deadline,omitempty"`

	ScenarioYAML string `json:"scenario_yaml,omitempty"`

	StreamIntervalMs int64 `json:"stream_interval_ms,omitempty"`
	DistributedSilent bool `json:"distributed_silent,omitempty"`

	// RecordLogPath is never set by a controller dispatching a run; each
	// agent fills it in locally (if at all) right before invoking its
	// Runner, since it names a path on that agent's own filesystem.
	RecordLogPath string `json:"record_log_path,omitempty"`
}

// StageWire mirrors config.Stage for the wire.
type StageWire struct {
	DurationSecs int     `json:"duration_secs"`
	TargetRPM    float64 `json:"target_rpm"`
}

// Config is sent controller -> agent to assign a run.
type Config struct {
	Type  Type          `json:"type"`
	RunID string        `json:"run_id"`
	Args  EffectiveArgs `json:"args"`
}

// Start is sent controller -> agent to begin a previously configured run.
type Start struct {
	Type         Type  `json:"type"`
	RunID        string `json:"run_id"`
	StartAfterMs int64  `json:"start_after_ms"`
}

// Stop is sent controller -> agent to abort a running run.
type Stop struct {
	Type  Type   `json:"type"`
	RunID string `json:"run_id"`
}

// Heartbeat is bidirectional liveness.
type Heartbeat struct {
	Type        Type  `json:"type"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// Stream is an interim progress update, agent -> controller.
type Stream struct {
	Type                Type        `json:"type"`
	RunID               string      `json:"run_id"`
	AgentID             string      `json:"agent_id"`
	Summary             WireSummary `json:"summary"`
	AllHistogramB64     string      `json:"all_histogram_b64"`
	SuccessHistogramB64 string      `json:"success_histogram_b64"`
}

// Report is the final result, agent -> controller.
type Report struct {
	Type                Type        `json:"type"`
	RunID               string      `json:"run_id"`
	AgentID             string      `json:"agent_id"`
	Summary             WireSummary `json:"summary"`
	AllHistogramB64     string      `json:"all_histogram_b64"`
	SuccessHistogramB64 string      `json:"success_histogram_b64"`
	Errors              []string    `json:"errors,omitempty"`
}

// ErrorMsg is a human-readable error, sent by either side.
type ErrorMsg struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Encoder writes newline-framed JSON messages to a net.Conn. A session has
// several goroutines sending on the same connection at once (heartbeats,
// stream updates, the final report), so Encode serializes them internally
// rather than pushing that requirement onto every caller.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps conn for writing.
func NewEncoder(conn net.Conn) *Encoder {
	return &Encoder{w: bufio.NewWriter(conn)}
}

// Encode marshals msg and writes it followed by a newline, flushing
// immediately since each message is a discrete protocol event.
func (e *Encoder) Encode(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.New(errs.KindProtocol, "wire.Encode", err)
	}
	if len(data) > MaxMessageBytes {
		return errs.New(errs.KindProtocol, "wire.Encode", fmt.Errorf("message of %d bytes exceeds max %d", len(data), MaxMessageBytes))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return errs.New(errs.KindProtocol, "wire.Encode", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return errs.New(errs.KindProtocol, "wire.Encode", err)
	}
	return errs.New(errs.KindProtocol, "wire.Encode", e.w.Flush())
}

// Decoder reads newline-framed JSON messages from a net.Conn.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder wraps conn for reading, sizing the scan buffer to
// MaxMessageBytes.
func NewDecoder(conn net.Conn) *Decoder {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), MaxMessageBytes)
	return &Decoder{sc: sc}
}

// PeekType reads the next line and returns both its Type tag and the raw
// bytes, so the caller can dispatch to the right typed Decode.
func (d *Decoder) PeekType() (Type, []byte, bool, error) {
	if !d.sc.Scan() {
		if err := d.sc.Err(); err != nil {
			return "", nil, false, errs.New(errs.KindProtocol, "wire.PeekType", err)
		}
		return "", nil, false, nil
	}
	line := append([]byte(nil), d.sc.Bytes()...)
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", nil, false, errs.New(errs.KindProtocol, "wire.PeekType", err)
	}
	return env.Type, line, true, nil
}

// Decode unmarshals raw into v.
func Decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.New(errs.KindProtocol, "wire.Decode", err)
	}
	return nil
}
