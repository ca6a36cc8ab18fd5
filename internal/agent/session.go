// Package agent implements the agent side of the distributed wire
// protocol: connect, hello, await config/start, run the local workload,
// stream/report, and optionally loop back into standby.
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/bc-dunia/loadtrestler/internal/errs"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

// State is one node of the session's state machine.
type State int

const (
	StateConnect State = iota
	StateHelloSent
	StateAwaitingStart
	StateRunning
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "connect"
	case StateHelloSent:
		return "hello_sent"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateRunning:
		return "running"
	case StateTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Runner executes one assigned run locally. It must honor stopCh by
// ending the run and returning the best report it can, and
// should invoke streamFn periodically with interim snapshots.
type Runner func(ctx context.Context, runID string, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}) (wire.Report, error)

// Config configures a Session.
type Config struct {
	ControllerAddr   string
	AgentID          string
	Weight           uint64
	AuthToken        string
	HeartbeatPeriod  time.Duration
	ReconnectDelay   time.Duration // pause before each reconnect when Standby is set
	Standby          bool
	Runner           Runner
	Logger           zerolog.Logger
	DialTimeout      time.Duration
}

// Session drives one agent's connection lifecycle, looping back into
// standby reconnects when configured.
type Session struct {
	cfg   Config
	state State
}

// NewSession builds a Session from cfg.
func NewSession(cfg Config) *Session {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Session{cfg: cfg, state: StateConnect}
}

// Run drives the session until ctx is cancelled. In standby mode it
// reconnects after ReconnectDelay on every teardown; otherwise it returns
// after the first run completes or fails.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.cfg.Standby {
			return err
		}
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("agent session ended, reconnecting")
		}
		select {
		case <-time.After(s.cfg.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	s.state = StateConnect
	conn, err := net.DialTimeout("tcp", s.cfg.ControllerAddr, s.cfg.DialTimeout)
	if err != nil {
		return errs.New(errs.KindProtocol, "agent.runOnce", err)
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)

	hostname, _ := os.Hostname()
	if err := enc.Encode(wire.Hello{
		Type:      wire.TypeHello,
		AgentID:   s.cfg.AgentID,
		Hostname:  hostname,
		Cores:     CoreCount(),
		Weight:    s.cfg.Weight,
		AuthToken: s.cfg.AuthToken,
	}); err != nil {
		return err
	}
	s.state = StateHelloSent

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(runCtx, enc)

	s.state = StateAwaitingStart
	runID, args, err := s.awaitConfigAndStart(runCtx, dec, enc)
	if err != nil {
		s.state = StateTeardown
		return err
	}

	s.state = StateRunning
	stopCh := make(chan struct{})
	go s.watchForStop(runCtx, dec, runID, stopCh)

	streamFn := func(msg wire.Stream) {
		msg.Type = wire.TypeStream
		msg.RunID = runID
		msg.AgentID = s.cfg.AgentID
		_ = enc.Encode(msg)
	}

	var report wire.Report
	if s.cfg.Runner != nil {
		report, err = s.cfg.Runner(runCtx, runID, args, streamFn, stopCh)
	}
	s.state = StateTeardown

	report.Type = wire.TypeReport
	report.RunID = runID
	report.AgentID = s.cfg.AgentID
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	return enc.Encode(report)
}

func (s *Session) awaitConfigAndStart(ctx context.Context, dec *wire.Decoder, enc *wire.Encoder) (string, wire.EffectiveArgs, error) {
	typ, raw, ok, err := dec.PeekType()
	if err != nil {
		return "", wire.EffectiveArgs{}, err
	}
	if !ok {
		return "", wire.EffectiveArgs{}, errs.New(errs.KindProtocol, "agent.awaitConfigAndStart", fmt.Errorf("connection closed before config"))
	}
	if typ != wire.TypeConfig {
		return "", wire.EffectiveArgs{}, errs.New(errs.KindProtocol, "agent.awaitConfigAndStart", fmt.Errorf("expected config, got %s", typ))
	}
	var cfg wire.Config
	if err := wire.Decode(raw, &cfg); err != nil {
		return "", wire.EffectiveArgs{}, err
	}

	typ, raw, ok, err = dec.PeekType()
	if err != nil {
		return "", wire.EffectiveArgs{}, err
	}
	if !ok {
		return "", wire.EffectiveArgs{}, errs.New(errs.KindProtocol, "agent.awaitConfigAndStart", fmt.Errorf("connection closed before start"))
	}
	if typ != wire.TypeStart {
		return "", wire.EffectiveArgs{}, errs.New(errs.KindProtocol, "agent.awaitConfigAndStart", fmt.Errorf("expected start, got %s", typ))
	}
	var start wire.Start
	if err := wire.Decode(raw, &start); err != nil {
		return "", wire.EffectiveArgs{}, err
	}
	if start.RunID != cfg.RunID {
		return "", wire.EffectiveArgs{}, errs.New(errs.KindProtocol, "agent.awaitConfigAndStart", fmt.Errorf("run id mismatch: config=%s start=%s", cfg.RunID, start.RunID))
	}

	if start.StartAfterMs > 0 {
		select {
		case <-time.After(time.Duration(start.StartAfterMs) * time.Millisecond):
		case <-ctx.Done():
			return "", wire.EffectiveArgs{}, ctx.Err()
		}
	}

	return cfg.RunID, cfg.Args, nil
}

// watchForStop reads subsequent messages looking for a matching stop;
// anything else (including connection close) also ends the run.
func (s *Session) watchForStop(ctx context.Context, dec *wire.Decoder, runID string, stopCh chan<- struct{}) {
	defer close(stopCh)
	for {
		typ, raw, ok, err := dec.PeekType()
		if err != nil || !ok {
			return
		}
		if typ == wire.TypeStop {
			var stop wire.Stop
			if wire.Decode(raw, &stop) == nil && stop.RunID == runID {
				return
			}
		}
		if typ == wire.TypeError {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// heartbeatLoop emits a heartbeat every HeartbeatPeriod. Go's time.Ticker
// has no native MissedTickBehavior; draining any buffered tick before
// re-arming reproduces "Skip" rather than "Burst" or "Delay".
func (s *Session) heartbeatLoop(ctx context.Context, enc *wire.Encoder) {
	t := time.NewTicker(s.cfg.HeartbeatPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			drainTicks(t)
			_ = enc.Encode(wire.Heartbeat{Type: wire.TypeHeartbeat, TimestampMs: time.Now().UnixMilli()})
		}
	}
}

func drainTicks(t *time.Ticker) {
	for {
		select {
		case <-t.C:
		default:
			return
		}
	}
}

// State reports the session's current state, for tests and diagnostics.
func (s *Session) State() State { return s.state }
