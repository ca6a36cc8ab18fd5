package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/agent"
	"github.com/bc-dunia/loadtrestler/internal/wire"
	"github.com/rs/zerolog"
)

func TestAgentPoolCopyOnWrite(t *testing.T) {
	pool := NewAgentPool()
	snapA := newSnapshotFromHello("a", nil, 1)
	pool.Register(snapA)

	view1 := pool.Snapshot()
	if len(view1) != 1 {
		t.Fatalf("len(view1) = %d, want 1", len(view1))
	}

	snapB := newSnapshotFromHello("b", nil, 2)
	pool.Register(snapB)

	if len(view1) != 1 {
		t.Fatal("previously taken snapshot must not observe later mutations")
	}
	view2 := pool.Snapshot()
	if len(view2) != 2 {
		t.Fatalf("len(view2) = %d, want 2", len(view2))
	}

	pool.Remove("a")
	view3 := pool.Snapshot()
	if len(view3) != 1 {
		t.Fatalf("len(view3) = %d, want 1 after removal", len(view3))
	}
	if len(view2) != 2 {
		t.Fatal("view2 must remain unaffected by the later removal")
	}
}

func TestManualControlPlaneStartStop(t *testing.T) {
	agentLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen agent: %v", err)
	}
	defer agentLn.Close()

	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen control: %v", err)
	}
	defer ctrlLn.Close()

	mc := NewManualController("", 1, zerolog.Nop())
	go mc.AcceptLoop(agentLn)
	go mc.ServeControlPlane(ctrlLn)

	started := make(chan struct{}, 1)
	runner := func(ctx context.Context, runID string, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}) (wire.Report, error) {
		started <- struct{}{}
		<-stopCh
		return wire.Report{Summary: wire.WireSummary{TotalRequests: 1}}, nil
	}
	sess := agent.NewSession(agent.Config{
		ControllerAddr:  agentLn.Addr().String(),
		AgentID:         "manual-agent",
		Weight:          1,
		HeartbeatPeriod: 50 * time.Millisecond,
		Runner:          runner,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Run(ctx)

	waitForPoolSize(t, mc.pool, 1)

	resp, err := http.Post("http://"+ctrlLn.Addr().String()+"/start", "application/json",
		bytes.NewReader([]byte(`{"args":{"fixed_rps":10}}`)))
	if err != nil {
		t.Fatalf("POST /start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/start status = %d, want 200", resp.StatusCode)
	}
	var sresp startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sresp); err != nil {
		t.Fatalf("decode /start response: %v", err)
	}
	if sresp.RunID == "" {
		t.Fatal("expected a non-empty run_id")
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("agent runner was never started")
	}

	resp2, err := http.Post("http://"+ctrlLn.Addr().String()+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /stop: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("/stop status = %d, want 200", resp2.StatusCode)
	}
}

func TestManualControlPlaneConflictWhenRunning(t *testing.T) {
	mc := NewManualController("", 0, zerolog.Nop())
	mc.running = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go mc.ServeControlPlane(ln)

	resp, err := http.Post("http://"+ln.Addr().String()+"/start", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST /start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestManualControlPlaneAuth(t *testing.T) {
	mc := NewManualController("secret", 0, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go mc.ServeControlPlane(ln)

	resp, err := http.Post("http://"+ln.Addr().String()+"/start", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST /start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func waitForPoolSize(t *testing.T, pool *AgentPool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.Snapshot()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never reached size %d", n)
}
