package controller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bc-dunia/loadtrestler/internal/auth"
	"github.com/bc-dunia/loadtrestler/internal/errs"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

// AutoConfig configures an auto-mode run: accept exactly MinAgents (or time
// out), split the load by weight, dispatch simultaneously, and collect a
// single merged report.
type AutoConfig struct {
	ListenAddr       string
	RunID            string
	MinAgents        int
	AgentWaitTimeout time.Duration
	BaseArgs         wire.EffectiveArgs
	StartAfterMs     int64
	ReportDeadline   time.Duration
	HeartbeatTimeout time.Duration
	AuthToken        string
	Logger           zerolog.Logger
}

// RunAuto accepts MinAgents connections, dispatches the split run, and
// blocks until every agent has reported or the deadline/timeout fires.
func RunAuto(ctx context.Context, cfg AutoConfig) (MergedReport, error) {
	if cfg.ReportDeadline <= 0 {
		cfg.ReportDeadline = time.Duration(cfg.BaseArgs.DurationMs)*time.Millisecond + defaultReportDeadlineTail
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return MergedReport{}, errs.New(errs.KindProtocol, "controller.RunAuto", err)
	}
	defer ln.Close()

	snapshots, err := acceptAgents(ctx, ln, cfg)
	if err != nil {
		return MergedReport{}, err
	}

	weights := make([]uint64, len(snapshots))
	for i, s := range snapshots {
		weights[i] = s.Weight
	}

	splitArgs := splitArgsForAgents(cfg.BaseArgs, weights)

	report := dispatchAndCollect(ctx, snapshots, cfg.RunID, splitArgs, cfg.StartAfterMs, cfg.ReportDeadline, cfg.HeartbeatTimeout)
	return report, nil
}

// dispatchAndCollect sends each snapshot its split config/start, then blocks
// folding stream/report events into the snapshots until every agent has
// reported, ctx is cancelled (e.g. a manual-mode /stop), or reportDeadline
// elapses — the same collection loop auto and manual mode both need.
func dispatchAndCollect(ctx context.Context, snapshots []*AgentSnapshot, runID string, splitArgs []wire.EffectiveArgs, startAfterMs int64, reportDeadline, heartbeatTimeout time.Duration) MergedReport {
	if reportDeadline <= 0 {
		reportDeadline = defaultReportDeadlineTail
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}

	events := make(chan AgentEvent, 256)
	var wg sync.WaitGroup
	for i, snap := range snapshots {
		args := splitArgs[i]
		args.DistributedSilent = true
		if err := dispatchAgent(snap.Conn, runID, args, startAfterMs); err != nil {
			snap.Errors = append(snap.Errors, err.Error())
			continue
		}
		wg.Add(1)
		go readAgentEvents(snap.Conn, runID, snap.AgentID, events, &wg)
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	hb := newHeartbeatMonitor(heartbeatTimeout)
	byID := map[string]*AgentSnapshot{}
	for _, s := range snapshots {
		byID[s.AgentID] = s
		hb.touch(s.AgentID)
	}

	deadline := time.After(reportDeadline)
	ticker := time.NewTicker(heartbeatTimeout / 3)
	defer ticker.Stop()

	pending := len(snapshots)
	finished := map[string]bool{}
	finish := func(id string) {
		if !finished[id] {
			finished[id] = true
			pending--
		}
	}
collect:
	for pending > 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				break collect
			}
			snap := byID[ev.AgentID]
			if snap == nil {
				continue
			}
			hb.touch(ev.AgentID)
			switch {
			case ev.Stream != nil:
				_ = snap.applyStream(*ev.Stream)
			case ev.Report != nil:
				_ = snap.applyReport(*ev.Report)
				finish(ev.AgentID)
			case ev.Error != nil:
				snap.Errors = append(snap.Errors, ev.Error.Message)
			case ev.Disconnected:
				snap.Errors = append(snap.Errors, fmt.Sprintf("agent %s disconnected", ev.AgentID))
				finish(ev.AgentID)
			}
		case <-ticker.C:
			for _, id := range hb.stale() {
				hb.forget(id)
				if s := byID[id]; s != nil && !s.Reported && !finished[id] {
					s.Errors = append(s.Errors, "heartbeat timeout")
					finish(id)
				}
			}
		case <-deadline:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	return Merge(snapshots)
}

func acceptAgents(ctx context.Context, ln net.Listener, cfg AutoConfig) ([]*AgentSnapshot, error) {
	type result struct {
		snap *AgentSnapshot
		err  error
	}
	results := make(chan result, cfg.MinAgents)

	go func() {
		for i := 0; i < cfg.MinAgents; i++ {
			conn, err := ln.Accept()
			if err != nil {
				results <- result{err: err}
				return
			}
			snap, err := receiveHello(conn, cfg.AuthToken)
			if err != nil {
				conn.Close()
				results <- result{err: err}
				return
			}
			results <- result{snap: snap}
		}
	}()

	var timeout <-chan time.Time
	if cfg.AgentWaitTimeout > 0 {
		t := time.NewTimer(cfg.AgentWaitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var snapshots []*AgentSnapshot
	for len(snapshots) < cfg.MinAgents {
		select {
		case r := <-results:
			if r.err != nil {
				return nil, errs.New(errs.KindProtocol, "controller.acceptAgents", r.err)
			}
			snapshots = append(snapshots, r.snap)
		case <-timeout:
			return nil, errs.New(errs.KindTimeout, "controller.acceptAgents",
				fmt.Errorf("only %d/%d agents connected before agent_wait_timeout", len(snapshots), cfg.MinAgents))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snapshots, nil
}

func receiveHello(conn net.Conn, authToken string) (*AgentSnapshot, error) {
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	typ, raw, ok, err := dec.PeekType()
	if err != nil {
		return nil, err
	}
	if !ok || typ != wire.TypeHello {
		return nil, errs.New(errs.KindProtocol, "controller.receiveHello", fmt.Errorf("expected hello, got %s", typ))
	}
	var hello wire.Hello
	if err := wire.Decode(raw, &hello); err != nil {
		return nil, err
	}
	if !auth.Equal(authToken, hello.AuthToken) {
		_ = enc.Encode(wire.ErrorMsg{Type: wire.TypeError, Message: "auth token mismatch"})
		return nil, errs.New(errs.KindProtocol, "controller.receiveHello", fmt.Errorf("auth token mismatch for agent %s", hello.AgentID))
	}
	weight := hello.Weight
	if weight == 0 {
		weight = 1
	}
	return newSnapshotFromHello(hello.AgentID, conn, weight), nil
}

func dispatchAgent(conn net.Conn, runID string, args wire.EffectiveArgs, startAfterMs int64) error {
	enc := wire.NewEncoder(conn)
	if err := enc.Encode(wire.Config{Type: wire.TypeConfig, RunID: runID, Args: args}); err != nil {
		return err
	}
	return enc.Encode(wire.Start{Type: wire.TypeStart, RunID: runID, StartAfterMs: startAfterMs})
}

func readAgentEvents(conn net.Conn, runID, agentID string, events chan<- AgentEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	dec := wire.NewDecoder(conn)
	for {
		typ, raw, ok, err := dec.PeekType()
		if err != nil || !ok {
			events <- AgentEvent{AgentID: agentID, Disconnected: true}
			return
		}
		switch typ {
		case wire.TypeHeartbeat:
			events <- AgentEvent{AgentID: agentID, Heartbeat: true}
		case wire.TypeStream:
			var msg wire.Stream
			if err := wire.Decode(raw, &msg); err == nil && msg.RunID == runID {
				events <- AgentEvent{AgentID: agentID, Stream: &msg}
			}
		case wire.TypeReport:
			var msg wire.Report
			if err := wire.Decode(raw, &msg); err == nil && msg.RunID == runID {
				events <- AgentEvent{AgentID: agentID, Report: &msg}
				return
			}
		case wire.TypeError:
			var msg wire.ErrorMsg
			if err := wire.Decode(raw, &msg); err == nil {
				events <- AgentEvent{AgentID: agentID, Error: &msg}
			}
		}
	}
}
