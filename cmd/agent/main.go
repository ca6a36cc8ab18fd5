// Package main provides the loadtrestler-agent daemon: it connects to a
// controller, waits for a run assignment, drives the run locally via
// internal/runner, and streams progress back over the wire protocol.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bc-dunia/loadtrestler/internal/agent"
	"github.com/bc-dunia/loadtrestler/internal/runner"
	"github.com/bc-dunia/loadtrestler/internal/sink"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

func main() {
	controllerAddr := flag.String("controller-addr", "127.0.0.1:9000", "controller's agent-facing TCP address")
	agentID := flag.String("agent-id", "", "this agent's id; defaults to hostname+pid if empty")
	weight := flag.Uint64("weight", 1, "relative share of a split run's rate assigned to this agent")
	authToken := flag.String("auth-token", "", "shared token sent in the hello message")
	heartbeatPeriod := flag.Duration("heartbeat-period", 5*time.Second, "interval between heartbeats while connected")
	reconnectDelay := flag.Duration("reconnect-delay", 5*time.Second, "delay before reconnecting after a run ends, in standby mode")
	standby := flag.Bool("standby", false, "reconnect and wait for another assignment after each run instead of exiting")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "timeout dialing the controller")
	recordLogDir := flag.String("record-log-dir", "", "directory to write this agent's per-run record log; empty disables it")
	metricsAddr := flag.String("metrics-addr", "", "address to expose a Prometheus /metrics endpoint on; empty disables it")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "agent").Logger()

	var promSink *sink.PrometheusSink
	if *metricsAddr != "" {
		promSink = sink.NewPrometheusSink()
		srv := &http.Server{Addr: *metricsAddr, Handler: promSink.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	id := *agentID
	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname + "-" + itoa(os.Getpid())
	}

	sess := agent.NewSession(agent.Config{
		ControllerAddr:  *controllerAddr,
		AgentID:         id,
		Weight:          *weight,
		AuthToken:       *authToken,
		HeartbeatPeriod: *heartbeatPeriod,
		ReconnectDelay:  *reconnectDelay,
		Standby:         *standby,
		Runner:          newRunner(*recordLogDir, promSink),
		Logger:          logger,
		DialTimeout:     *dialTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("controller", *controllerAddr).Str("agent_id", id).Bool("standby", *standby).Msg("agent starting")
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("agent session ended with error")
		os.Exit(1)
	}
	logger.Info().Msg("agent stopped")
}

// newRunner returns an agent.Runner that stamps args.RecordLogPath with a
// path under logDir (named after the run id) before delegating to the
// runner package, and, when promSink is non-nil, feeds it every record
// alongside this agent's own collector.
func newRunner(logDir string, promSink *sink.PrometheusSink) agent.Runner {
	var opts runner.RunOptions
	if promSink != nil {
		opts.OnRecord = promSink.Write
	}
	return func(ctx context.Context, runID string, args wire.EffectiveArgs, streamFn func(wire.Stream), stopCh <-chan struct{}) (wire.Report, error) {
		if logDir != "" {
			args.RecordLogPath = filepath.Join(logDir, runID+".log")
		}
		return runner.RunOpts(ctx, runID, args, streamFn, stopCh, opts)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
