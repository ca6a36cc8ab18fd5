// Package main provides the loadtrestler-controller daemon. In auto mode it
// waits for exactly min-agents to connect, dispatches a single split run,
// and prints the merged report. In manual mode it runs a persistent agent
// pool plus an HTTP control plane (POST /start, POST /stop) that can
// dispatch runs at will.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bc-dunia/loadtrestler/internal/artifacts"
	"github.com/bc-dunia/loadtrestler/internal/controller"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

func main() {
	mode := flag.String("mode", "auto", "\"auto\" (one split run, exits after report) or \"manual\" (persistent pool + HTTP control plane)")
	listenAddr := flag.String("listen-addr", "0.0.0.0:9000", "agent-facing TCP listen address")
	controlAddr := flag.String("control-addr", "0.0.0.0:9001", "HTTP control plane listen address (manual mode only)")
	authToken := flag.String("auth-token", "", "shared token agents and control-plane clients must present")
	minAgents := flag.Int("min-agents", 1, "number of agents required before a run starts")
	agentWaitTimeout := flag.Duration("agent-wait-timeout", 60*time.Second, "how long auto mode waits for min-agents to connect")
	reportDeadline := flag.Duration("report-deadline", 0, "how long auto mode waits for every agent's report; 0 derives it from the run's duration")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 15*time.Second, "how long without a heartbeat before an agent is considered stale")

	method := flag.String("method", "GET", "auto mode: HTTP method")
	url := flag.String("url", "", "auto mode: target URL")
	expectedStatus := flag.Int("expected-status", 200, "auto mode: status code counted as success")
	duration := flag.Duration("duration", 30*time.Second, "auto mode: run duration")
	requests := flag.Int64("requests", 0, "auto mode: total request cap across all agents; 0 is unbounded")
	maxWorkers := flag.Int("max-workers", 50, "auto mode: concurrent workers per agent")
	fixedRPS := flag.Float64("fixed-rps", 0, "auto mode: aggregate fixed requests/sec, split by agent weight")
	artifactsDir := flag.String("artifacts-dir", "", "auto mode: directory to persist the merged report and effective config under; empty disables it")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "controller").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	switch *mode {
	case "auto":
		runAuto(ctx, logger, autoFlags{
			listenAddr:       *listenAddr,
			authToken:        *authToken,
			minAgents:        *minAgents,
			agentWaitTimeout: *agentWaitTimeout,
			reportDeadline:   *reportDeadline,
			heartbeatTimeout: *heartbeatTimeout,
			method:           *method,
			url:              *url,
			expectedStatus:   *expectedStatus,
			duration:         *duration,
			requests:         *requests,
			maxWorkers:       *maxWorkers,
			fixedRPS:         *fixedRPS,
			artifactsDir:     *artifactsDir,
		})
	case "manual":
		runManual(ctx, logger, *listenAddr, *controlAddr, *authToken, *minAgents)
	default:
		logger.Fatal().Str("mode", *mode).Msg("unknown mode, want \"auto\" or \"manual\"")
	}
}

type autoFlags struct {
	listenAddr       string
	authToken        string
	minAgents        int
	agentWaitTimeout time.Duration
	reportDeadline   time.Duration
	heartbeatTimeout time.Duration

	method         string
	url            string
	expectedStatus int
	duration       time.Duration
	requests       int64
	maxWorkers     int
	fixedRPS       float64
	artifactsDir   string
}

func runAuto(ctx context.Context, logger zerolog.Logger, f autoFlags) {
	if f.url == "" {
		logger.Fatal().Msg("-url is required in auto mode")
	}

	runID := time.Now().UTC().Format("20060102T150405") + "-auto"
	cfg := controller.AutoConfig{
		ListenAddr:       f.listenAddr,
		RunID:            runID,
		MinAgents:        f.minAgents,
		AgentWaitTimeout: f.agentWaitTimeout,
		ReportDeadline:   f.reportDeadline,
		HeartbeatTimeout: f.heartbeatTimeout,
		AuthToken:        f.authToken,
		Logger:           logger,
		BaseArgs: wire.EffectiveArgs{
			Method:         f.method,
			URL:            f.url,
			ExpectedStatus: f.expectedStatus,
			DurationMs:     f.duration.Milliseconds(),
			Requests:       f.requests,
			MaxWorkers:     f.maxWorkers,
			FixedRPS:       f.fixedRPS,
		},
	}

	logger.Info().Int("min_agents", f.minAgents).Str("listen_addr", f.listenAddr).Msg("waiting for agents")
	report, err := controller.RunAuto(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("auto run failed")
	}

	if f.artifactsDir != "" {
		if err := saveAutoArtifacts(f.artifactsDir, runID, cfg.BaseArgs, report); err != nil {
			logger.Error().Err(err).Msg("failed to persist run artifacts")
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

// saveAutoArtifacts persists an auto-mode run's merged report and the base
// effective args it was dispatched with, so it can be audited later without
// rerunning the agents.
func saveAutoArtifacts(dir, runID string, baseArgs wire.EffectiveArgs, report controller.MergedReport) error {
	store, err := artifacts.NewFilesystemStore(dir)
	if err != nil {
		return err
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if _, err := store.SaveArtifact(runID, artifacts.ArtifactTypeReport, "report.json", reportJSON); err != nil {
		return err
	}

	argsJSON, err := json.Marshal(baseArgs)
	if err != nil {
		return err
	}
	_, err = store.SaveArtifact(runID, artifacts.ArtifactTypeConfig, "args.json", argsJSON)
	return err
}

func runManual(ctx context.Context, logger zerolog.Logger, listenAddr, controlAddr, authToken string, minAgents int) {
	mc := controller.NewManualController(authToken, minAgents, logger)

	agentLn, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen on agent address")
	}
	defer agentLn.Close()

	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen on control address")
	}
	defer controlLn.Close()

	go func() {
		if err := mc.AcceptLoop(agentLn); err != nil {
			logger.Error().Err(err).Msg("agent accept loop stopped")
		}
	}()
	go func() {
		if err := mc.ServeControlPlane(controlLn); err != nil {
			logger.Error().Err(err).Msg("control plane stopped")
		}
	}()

	logger.Info().Str("agent_addr", listenAddr).Str("control_addr", controlAddr).Msg("manual controller running")
	<-ctx.Done()
	logger.Info().Msg("controller stopped")
}
