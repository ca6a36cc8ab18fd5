package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/loadtrestler/internal/wire"
)

type startRequest struct {
	ScenarioYAML       string             `json:"scenario_yaml,omitempty"`
	StartAfterMs       int64              `json:"start_after_ms"`
	AgentWaitTimeoutMs int64              `json:"agent_wait_timeout_ms"`
	Args               wire.EffectiveArgs `json:"args"`
}

type startResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

var dispatchStartCmd = &cobra.Command{
	Use:   "dispatch-start",
	Short: "POST /start to a manual controller's control plane",
	RunE:  runDispatchStart,
}

var dispatchStopCmd = &cobra.Command{
	Use:   "dispatch-stop",
	Short: "POST /stop to a manual controller's control plane",
	RunE:  runDispatchStop,
}

func init() {
	for _, cmd := range []*cobra.Command{dispatchStartCmd, dispatchStopCmd} {
		cmd.Flags().String("control-addr", "127.0.0.1:9001", "control plane HTTP address")
		cmd.Flags().String("auth-token", "", "bearer token expected by the control plane")
	}

	f := dispatchStartCmd.Flags()
	f.String("method", "GET", "HTTP method")
	f.String("url", "", "target URL")
	f.Int("expected-status", 200, "status code counted as success")
	f.Duration("duration", 30*time.Second, "run duration")
	f.Int64("requests", 0, "total request cap across all agents; 0 is unbounded")
	f.Int("max-workers", 50, "concurrent workers per agent")
	f.Float64("fixed-rps", 0, "aggregate fixed requests/sec, split by agent weight")
	f.Duration("agent-wait-timeout", 0, "how long the controller waits for min-agents before failing")
	f.Duration("start-after", 0, "delay before agents begin issuing requests, for clock-skew tolerant starts")
}

func runDispatchStart(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	controlAddr, _ := f.GetString("control-addr")
	authToken, _ := f.GetString("auth-token")
	method, _ := f.GetString("method")
	url, _ := f.GetString("url")
	expectedStatus, _ := f.GetInt("expected-status")
	duration, _ := f.GetDuration("duration")
	requests, _ := f.GetInt64("requests")
	maxWorkers, _ := f.GetInt("max-workers")
	fixedRPS, _ := f.GetFloat64("fixed-rps")
	agentWaitTimeout, _ := f.GetDuration("agent-wait-timeout")
	startAfter, _ := f.GetDuration("start-after")

	req := startRequest{
		StartAfterMs:       startAfter.Milliseconds(),
		AgentWaitTimeoutMs: agentWaitTimeout.Milliseconds(),
		Args: wire.EffectiveArgs{
			Method:         method,
			URL:            url,
			ExpectedStatus: expectedStatus,
			DurationMs:     duration.Milliseconds(),
			Requests:       requests,
			MaxWorkers:     maxWorkers,
			FixedRPS:       fixedRPS,
		},
	}

	resp, err := postControlPlane(controlAddr, authToken, "/start", req)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s, run_id: %s\n", resp.Status, resp.RunID)
	return nil
}

func runDispatchStop(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	controlAddr, _ := f.GetString("control-addr")
	authToken, _ := f.GetString("auth-token")

	resp, err := postControlPlane(controlAddr, authToken, "/stop", nil)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s, run_id: %s\n", resp.Status, resp.RunID)
	return nil
}

func postControlPlane(addr, authToken, path string, body any) (startResponse, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return startResponse{}, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+path, reqBody)
	if err != nil {
		return startResponse{}, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	httpResp, err := client.Do(req)
	if err != nil {
		return startResponse{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return startResponse{}, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return startResponse{}, fmt.Errorf("control plane returned %d: %s", httpResp.StatusCode, string(raw))
	}

	var resp startResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return startResponse{}, err
	}
	return resp, nil
}
