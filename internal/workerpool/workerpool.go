// Package workerpool runs the bounded set of concurrent request-issuing
// workers: a spawn ramp gates startup, and each worker repeats the
// seven-step iteration loop until shutdown.
package workerpool

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/errs"
	"github.com/bc-dunia/loadtrestler/internal/errsig"
	"github.com/bc-dunia/loadtrestler/internal/metriclog"
	"github.com/bc-dunia/loadtrestler/internal/ratecontrol"
	"github.com/bc-dunia/loadtrestler/internal/reqlimiter"
	"github.com/bc-dunia/loadtrestler/internal/workload"
)

// Sink receives one metric record per completed request attempt.
type Sink interface {
	Observe(rec metriclog.Record) error
}

// PacingToken is handed out by the token source once per issued request; it
// carries the time the token was scheduled to be available, used for
// coordinated-omission latency correction.
type PacingToken struct {
	ScheduledAt time.Time
}

// TokenSource hands out pacing tokens at the configured rate. nil means
// unrated: Acquire returns immediately.
type TokenSource interface {
	Acquire(ctx context.Context) (PacingToken, error)
}

// RatePacer adapts a ratecontrol.Controller, which emits a token count once
// per second, to the pull-based TokenSource interface. It spreads each
// second's tokens evenly across that second rather than releasing them all
// at once, so a plan's target rate is honored continuously instead of in a
// once-a-second burst.
type RatePacer struct {
	ctrl *ratecontrol.Controller
	ch   chan PacingToken
}

// NewRatePacer builds a RatePacer around ctrl. Run must be started in its
// own goroutine before any call to Acquire.
func NewRatePacer(ctrl *ratecontrol.Controller) *RatePacer {
	return &RatePacer{ctrl: ctrl, ch: make(chan PacingToken)}
}

// Run drives ctrl.NextTokens once per second until ctx is cancelled,
// spacing that second's tokens evenly across it.
func (p *RatePacer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		n := p.ctrl.NextTokens()
		tickStart := time.Now()
		if n > 0 {
			interval := time.Second / time.Duration(n)
			for i := 0; i < n; i++ {
				tok := PacingToken{ScheduledAt: tickStart.Add(interval * time.Duration(i))}
				if wait := time.Until(tok.ScheduledAt); wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return
					}
				}
				select {
				case p.ch <- tok:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Acquire implements TokenSource.
func (p *RatePacer) Acquire(ctx context.Context) (PacingToken, error) {
	select {
	case tok := <-p.ch:
		return tok, nil
	case <-ctx.Done():
		return PacingToken{}, ctx.Err()
	}
}

// Config configures a Pool run.
type Config struct {
	Workload   workload.Workload
	Client     *http.Client
	Sink       Sink
	Limiter    *reqlimiter.Limiter // nil means unbounded
	Tokens     TokenSource         // nil means unrated
	Errors     *errsig.Aggregator  // nil disables error-signature clustering

	MaxWorkers int
	SpawnRate  int
	SpawnTick  time.Duration

	Deadline                 time.Time // zero means no deadline
	WaitOngoingAfterDeadline bool
	CorrectLatency           bool

	RequestTimeout time.Duration
}

// Pool runs the worker loop, handing each completed request's record to
// Config.Sink.
type Pool struct {
	cfg Config

	shutdown   chan struct{}
	shutOnce   sync.Once
	inFlight   atomic.Int64
	sequence   atomic.Uint64
	runErr     error
	startedAt  time.Time
}

// New builds a Pool. Run must be called exactly once.
func New(cfg Config) *Pool {
	if cfg.SpawnTick <= 0 {
		cfg.SpawnTick = 100 * time.Millisecond
	}
	if cfg.SpawnRate <= 0 {
		cfg.SpawnRate = cfg.MaxWorkers
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Pool{cfg: cfg, shutdown: make(chan struct{})}
}

// Stop triggers shutdown from outside the pool, e.g. on receipt of a
// distributed "stop" message.
func (p *Pool) Stop() {
	p.triggerShutdown()
}

func (p *Pool) triggerShutdown() {
	p.shutOnce.Do(func() { close(p.shutdown) })
}

// Preflight issues a single test request before the pool starts; a failure
// aborts the run without counting toward any metric.
func (p *Pool) Preflight(ctx context.Context) error {
	req, err := p.cfg.Workload.Next(0)
	if err != nil {
		return errs.New(errs.KindRuntime, "workerpool.Preflight", err)
	}
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return errs.New(errs.KindRuntime, "workerpool.Preflight", err)
	}
	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		return errs.New(errs.KindRuntime, "workerpool.Preflight", err)
	}
	defer resp.Body.Close()
	return nil
}

// Run starts the spawn ramp and blocks until every worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	p.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !p.cfg.Deadline.IsZero() {
		go p.watchDeadline(runCtx, cancel)
	}

	go func() {
		select {
		case <-p.shutdown:
			if !p.cfg.WaitOngoingAfterDeadline {
				cancel()
			}
		case <-runCtx.Done():
		}
	}()

	if p.cfg.Limiter != nil {
		go func() {
			select {
			case <-p.cfg.Limiter.Done():
				p.triggerShutdown()
			case <-runCtx.Done():
			}
		}()
	}

	permits := make(chan struct{}, p.cfg.MaxWorkers)
	var wg sync.WaitGroup

	go p.spawnRamp(runCtx, permits)

	spawned := 0
	for spawned < p.cfg.MaxWorkers {
		select {
		case <-permits:
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.workerLoop(runCtx)
			}()
			spawned++
		case <-runCtx.Done():
			spawned = p.cfg.MaxWorkers // stop spawning, still wait below
		}
	}

	wg.Wait()
	return p.runErr
}

func (p *Pool) watchDeadline(ctx context.Context, cancelOnImmediate context.CancelFunc) {
	timer := time.NewTimer(time.Until(p.cfg.Deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		p.triggerShutdown()
		if !p.cfg.WaitOngoingAfterDeadline {
			cancelOnImmediate()
		}
	case <-ctx.Done():
	}
}

// spawnRamp adds min(S, M-spawned) permits every tick until M permits have
// been issued, gating worker startup to avoid a thundering herd of
// simultaneous connects.
func (p *Pool) spawnRamp(ctx context.Context, permits chan<- struct{}) {
	spawned := 0
	ticker := time.NewTicker(p.cfg.SpawnTick)
	defer ticker.Stop()

	add := func(n int) bool {
		for i := 0; i < n; i++ {
			select {
			case permits <- struct{}{}:
				spawned++
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	if !add(min(p.cfg.SpawnRate, p.cfg.MaxWorkers-spawned)) {
		return
	}
	for spawned < p.cfg.MaxWorkers {
		select {
		case <-ticker.C:
			if !add(min(p.cfg.SpawnRate, p.cfg.MaxWorkers-spawned)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) recordError(elapsedMs int64, err error) {
	if p.cfg.Errors == nil || err == nil {
		return
	}
	p.cfg.Errors.Record(elapsedMs, "", err.Error())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// workerLoop runs the 7-step iteration from spec §4.1 until shutdown fires.
func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		scheduledAt := time.Time{}
		if p.cfg.Tokens != nil {
			tok, err := p.cfg.Tokens.Acquire(ctx)
			if err != nil {
				return // cancelled: shutdown fired first
			}
			scheduledAt = tok.ScheduledAt
		}

		if p.cfg.Limiter != nil && !p.cfg.Limiter.TryReserve() {
			p.triggerShutdown()
			return
		}

		p.inFlight.Add(1)
		issuedAt := time.Now()
		n := p.sequence.Add(1)

		rec := p.executeOne(ctx, n, issuedAt)

		p.inFlight.Add(-1)

		if !scheduledAt.IsZero() && p.cfg.CorrectLatency {
			if delta := issuedAt.Sub(scheduledAt); delta > 0 {
				rec.LatencyMs += float64(delta.Milliseconds())
			}
		}

		if p.cfg.Sink != nil {
			_ = p.cfg.Sink.Observe(rec)
		}
	}
}

func (p *Pool) executeOne(ctx context.Context, n uint64, issuedAt time.Time) metriclog.Record {
	elapsed := issuedAt.Sub(p.startedAt)
	rec := metriclog.Record{
		ElapsedMs:   elapsed.Milliseconds(),
		InFlightOps: p.inFlight.Load(),
	}

	req, err := p.cfg.Workload.Next(n)
	if err != nil {
		rec.TransportError = true
		rec.LatencyMs = float64(time.Since(issuedAt).Milliseconds())
		p.recordError(rec.ElapsedMs, err)
		return rec
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	httpReq, err := buildHTTPRequest(reqCtx, req)
	if err != nil {
		rec.TransportError = true
		rec.LatencyMs = float64(time.Since(issuedAt).Milliseconds())
		p.recordError(rec.ElapsedMs, err)
		return rec
	}

	start := time.Now()
	resp, err := p.cfg.Client.Do(httpReq)
	rec.LatencyMs = float64(time.Since(start).Milliseconds())
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			rec.TimedOut = true
		} else {
			rec.TransportError = true
		}
		p.recordError(rec.ElapsedMs, err)
		return rec
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	n2, _ := copyAndCount(resp)
	rec.ResponseBytes = n2
	return rec
}
