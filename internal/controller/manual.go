package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bc-dunia/loadtrestler/internal/auth"
	"github.com/bc-dunia/loadtrestler/internal/config"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

// AgentPool is a long-lived, copy-on-write registry of connected agents:
// readers take an immutable snapshot pointer; writers clone, mutate, and
// publish a new map.
type AgentPool struct {
	agents atomic.Pointer[map[string]*AgentSnapshot]
}

// NewAgentPool returns an empty pool.
func NewAgentPool() *AgentPool {
	p := &AgentPool{}
	empty := map[string]*AgentSnapshot{}
	p.agents.Store(&empty)
	return p
}

// Snapshot returns the current immutable view. Callers must not mutate the
// returned map or its values in place.
func (p *AgentPool) Snapshot() map[string]*AgentSnapshot {
	return *p.agents.Load()
}

// Register adds or replaces one agent, publishing a new map.
func (p *AgentPool) Register(snap *AgentSnapshot) {
	for {
		old := p.agents.Load()
		next := make(map[string]*AgentSnapshot, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[snap.AgentID] = snap
		if p.agents.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove prunes one agent, publishing a new map.
func (p *AgentPool) Remove(agentID string) {
	for {
		old := p.agents.Load()
		if _, ok := (*old)[agentID]; !ok {
			return
		}
		next := make(map[string]*AgentSnapshot, len(*old))
		for k, v := range *old {
			if k != agentID {
				next[k] = v
			}
		}
		if p.agents.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ManualController runs a persistent agent pool plus an HTTP control plane
// exposing POST /start and POST /stop.
type ManualController struct {
	pool      *AgentPool
	authToken string
	minAgents int
	logger    zerolog.Logger

	scenariosMu sync.RWMutex
	scenarios   map[string]string

	mu         sync.Mutex
	running    bool
	runID      string
	cancel     context.CancelFunc
	lastReport *MergedReport
}

// NewManualController builds a ManualController.
func NewManualController(authToken string, minAgents int, logger zerolog.Logger) *ManualController {
	return &ManualController{
		pool:      NewAgentPool(),
		authToken: authToken,
		minAgents: minAgents,
		logger:    logger,
		scenarios: map[string]string{},
	}
}

// RegisterScenario adds name to the preloaded scenario registry, so /start
// can reference it by scenario_name instead of inlining scenario_yaml on
// every request.
func (m *ManualController) RegisterScenario(name, scenarioYAML string) {
	m.scenariosMu.Lock()
	defer m.scenariosMu.Unlock()
	m.scenarios[name] = scenarioYAML
}

func (m *ManualController) lookupScenario(name string) (string, bool) {
	m.scenariosMu.RLock()
	defer m.scenariosMu.RUnlock()
	yaml, ok := m.scenarios[name]
	return yaml, ok
}

// AcceptLoop runs the agent-facing TCP listener, registering each
// connecting agent into the pool and keeping its reader goroutine alive
// for the pool's lifetime.
func (m *ManualController) AcceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go m.handleAgentConn(conn)
	}
}

func (m *ManualController) handleAgentConn(conn net.Conn) {
	snap, err := receiveHello(conn, m.authToken)
	if err != nil {
		conn.Close()
		return
	}
	m.pool.Register(snap)
	defer m.pool.Remove(snap.AgentID)
	defer conn.Close()

	dec := wire.NewDecoder(conn)
	for {
		typ, raw, ok, err := dec.PeekType()
		if err != nil || !ok {
			return
		}
		switch typ {
		case wire.TypeHeartbeat:
			snap.LastSeen = time.Now()
		case wire.TypeStream:
			var msg wire.Stream
			if wire.Decode(raw, &msg) == nil {
				_ = snap.applyStream(msg)
			}
		case wire.TypeReport:
			var msg wire.Report
			if wire.Decode(raw, &msg) == nil {
				_ = snap.applyReport(msg)
			}
		}
	}
}

type startRequest struct {
	ScenarioName       string             `json:"scenario_name,omitempty"`
	ScenarioYAML       string             `json:"scenario_yaml,omitempty"`
	StartAfterMs       int64              `json:"start_after_ms"`
	AgentWaitTimeoutMs int64              `json:"agent_wait_timeout_ms"`
	ReportDeadlineMs   int64              `json:"report_deadline_ms"`
	Args               wire.EffectiveArgs `json:"args"`
}

type startResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// ServeControlPlane runs the HTTP control plane on ln, enforcing its
// body-size limit, Connection-close, and bearer-auth rules.
func (m *ManualController) ServeControlPlane(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", m.handleStart)
	mux.HandleFunc("/stop", m.handleStop)

	srv := &http.Server{
		Handler:           withControlPlaneDefaults(mux, m.authToken),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       5 * time.Second,
	}
	return srv.Serve(ln)
}

func withControlPlaneDefaults(h http.Handler, authToken string) http.Handler {
	h = auth.RequireBearer(h, authToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Close = true
		w.Header().Set("Connection", "close")
		r.Body = http.MaxBytesReader(w, r.Body, config.DefaultControlBodyBytes)
		h.ServeHTTP(w, r)
	})
}

func (m *ManualController) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		http.Error(w, `{"error":"run already in progress"}`, http.StatusConflict)
		return
	}
	m.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"body too large or unreadable"}`, http.StatusBadRequest)
		return
	}
	var req startRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, `{"error":"malformed json"}`, http.StatusBadRequest)
			return
		}
	}

	if req.ScenarioName != "" {
		scenarioYAML, ok := m.lookupScenario(req.ScenarioName)
		if !ok {
			http.Error(w, fmt.Sprintf(`{"error":"unknown scenario_name %q"}`, req.ScenarioName), http.StatusBadRequest)
			return
		}
		req.Args.ScenarioYAML = scenarioYAML
	} else if req.ScenarioYAML != "" {
		req.Args.ScenarioYAML = req.ScenarioYAML
	}

	available := m.pool.Snapshot()
	if len(available) < m.minAgents && req.AgentWaitTimeoutMs <= 0 {
		http.Error(w, fmt.Sprintf(`{"error":"only %d/%d agents available"}`, len(available), m.minAgents), http.StatusConflict)
		return
	}

	runID := fmt.Sprintf("%d-manual", time.Now().UnixMilli())
	snapshots := make([]*AgentSnapshot, 0, len(available))
	weights := make([]uint64, 0, len(available))
	for _, s := range available {
		snapshots = append(snapshots, s)
		weights = append(weights, s.Weight)
	}

	splitArgs := splitArgsForAgents(req.Args, weights)

	reportDeadline := time.Duration(req.ReportDeadlineMs) * time.Millisecond
	if reportDeadline <= 0 {
		reportDeadline = time.Duration(req.Args.DurationMs)*time.Millisecond + defaultReportDeadlineTail
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.running = true
	m.runID = runID
	m.cancel = cancel
	m.lastReport = nil
	m.mu.Unlock()

	go func() {
		// Identical collection loop to auto mode: fold stream/report events
		// into the snapshots until every agent reports, /stop cancels runCtx,
		// or reportDeadline elapses.
		report := dispatchAndCollect(runCtx, snapshots, runID, splitArgs, req.StartAfterMs, reportDeadline, defaultHeartbeatTimeout)

		m.mu.Lock()
		if m.runID == runID {
			m.running = false
			m.cancel = nil
			m.lastReport = &report
		}
		m.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startResponse{Status: "started", RunID: runID})
}

func (m *ManualController) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	runID := m.runID
	cancel := m.cancel
	m.mu.Unlock()

	for _, s := range m.pool.Snapshot() {
		enc := wire.NewEncoder(s.Conn)
		_ = enc.Encode(wire.Stop{Type: wire.TypeStop, RunID: runID})
	}
	if cancel != nil {
		cancel()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startResponse{Status: "stopping", RunID: runID})
}
