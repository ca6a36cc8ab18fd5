// Package config exposes the plain Go structs the core is driven by. It
// never parses flags or files — that is a peripheral concern handled by
// cmd/loadtrestlerctl — it only validates what it is handed.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bc-dunia/loadtrestler/internal/errs"
)

// Hard system-wide caps: no single run config is allowed to exceed these
// regardless of what was requested.
const (
	MaxWorkers          = 100_000
	MaxFixedRPS         = 1_000_000
	MaxDurationMs       = 24 * 60 * 60 * 1000
	MaxInFlightPerWorker = 1
	MaxRecordLogFlush   = 10_000

	DefaultSpawnTick       = 100 * time.Millisecond
	DefaultHeartbeatPeriod = 5 * time.Second
	DefaultHeartbeatWindow = 3
	DefaultReportDeadline  = 30 * time.Second
	DefaultHelloTimeout    = 10 * time.Second
	MinStageDurationSecs   = 1
)

// Stage is the config-layer mirror of ratecontrol.Stage, kept separate so
// internal/config has no import-time dependency on internal/ratecontrol.
type Stage struct {
	DurationSecs int
	TargetRPM    float64
}

// RatePlan is the load-plan mode of the rate controller.
type RatePlan struct {
	InitialRPM float64
	Stages     []Stage
}

// Validate checks that every stage's duration is at least one second.
func (p *RatePlan) Validate() error {
	if p == nil {
		return nil
	}
	if p.InitialRPM < 0 {
		return errs.New(errs.KindValidation, "RatePlan.Validate", fmt.Errorf("initial_rpm must be >= 0"))
	}
	for i, s := range p.Stages {
		if s.DurationSecs < MinStageDurationSecs {
			return errs.New(errs.KindValidation, "RatePlan.Validate",
				fmt.Errorf("stage %d: duration_secs must be >= %d", i, MinStageDurationSecs))
		}
		if s.TargetRPM < 0 {
			return errs.New(errs.KindValidation, "RatePlan.Validate",
				fmt.Errorf("stage %d: target_rpm must be >= 0", i))
		}
	}
	return nil
}

// WorkloadKind selects which of the three workload shapes a run drives.
type WorkloadKind string

const (
	WorkloadSingle        WorkloadKind = "single"
	WorkloadSingleDynamic WorkloadKind = "single_dynamic"
	WorkloadScenario      WorkloadKind = "scenario"
)

// WorkloadSpec is the config-layer description of what to run, decoupled
// from internal/workload's runtime types so config validation needs no
// import of the (heavier) workload package.
type WorkloadSpec struct {
	Kind WorkloadKind

	// Single / SingleDynamic
	Method      string
	URL         string
	Headers     map[string]string
	Body        string
	ExpectedStatus int

	// Scenario
	ScenarioPath string
}

// Validate checks that the workload is internally consistent for its kind.
func (w *WorkloadSpec) Validate() error {
	switch w.Kind {
	case WorkloadSingle, WorkloadSingleDynamic:
		if w.URL == "" {
			return errs.New(errs.KindValidation, "WorkloadSpec.Validate", fmt.Errorf("url is required"))
		}
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			return errs.New(errs.KindValidation, "WorkloadSpec.Validate", fmt.Errorf("invalid url: %w", err))
		}
		if w.Method == "" {
			w.Method = "GET"
		}
		if w.ExpectedStatus == 0 {
			w.ExpectedStatus = 200
		}
	case WorkloadScenario:
		if w.ScenarioPath == "" {
			return errs.New(errs.KindScript, "WorkloadSpec.Validate", fmt.Errorf("scenario_path is required"))
		}
	default:
		return errs.New(errs.KindValidation, "WorkloadSpec.Validate", fmt.Errorf("unknown workload kind %q", w.Kind))
	}
	return nil
}

// Args is the full set of parameters driving a single local run, the
// in-memory equivalent of a scenario's literal "Args:" block.
type Args struct {
	Workload WorkloadSpec

	Duration time.Duration
	Requests int64 // total-request cap; 0 means unbounded

	MaxWorkers int
	SpawnRate  int
	SpawnTick  time.Duration

	RatePlan       *RatePlan
	FixedRPS       float64
	BurstRate      int
	BurstDelay     time.Duration
	CorrectLatency bool

	WarmupMs                 int64
	WaitOngoingAfterDeadline bool

	RecordLogPath string
}

// Validate enforces this config's invariants plus the hard system caps
// above. It also fills in defaults for zero-valued optional fields.
func (a *Args) Validate() error {
	if err := a.Workload.Validate(); err != nil {
		return err
	}
	if a.Duration <= 0 && a.Requests <= 0 {
		return errs.New(errs.KindValidation, "Args.Validate",
			fmt.Errorf("at least one of duration or requests must be set"))
	}
	if a.MaxWorkers <= 0 {
		a.MaxWorkers = 1
	}
	if a.MaxWorkers > MaxWorkers {
		return errs.New(errs.KindValidation, "Args.Validate",
			fmt.Errorf("max_workers %d exceeds hard cap %d", a.MaxWorkers, MaxWorkers))
	}
	if a.SpawnRate <= 0 {
		a.SpawnRate = a.MaxWorkers
	}
	if a.SpawnTick <= 0 {
		a.SpawnTick = DefaultSpawnTick
	}
	if a.FixedRPS < 0 {
		return errs.New(errs.KindValidation, "Args.Validate", fmt.Errorf("fixed rps must be >= 0"))
	}
	if a.FixedRPS > MaxFixedRPS {
		return errs.New(errs.KindValidation, "Args.Validate",
			fmt.Errorf("fixed rps %v exceeds hard cap %v", a.FixedRPS, MaxFixedRPS))
	}
	if err := a.RatePlan.Validate(); err != nil {
		return err
	}
	if a.RatePlan != nil && a.FixedRPS > 0 {
		// Priority order is enforced by ratecontrol itself; config only
		// rejects genuinely contradictory input, not mode overlap.
	}
	if a.BurstRate < 0 {
		return errs.New(errs.KindValidation, "Args.Validate", fmt.Errorf("burst rate must be >= 0"))
	}
	if a.BurstRate > 0 && a.BurstDelay <= 0 {
		return errs.New(errs.KindValidation, "Args.Validate",
			fmt.Errorf("burst_delay must be > 0 when burst_rate is set"))
	}
	if a.WarmupMs < 0 {
		return errs.New(errs.KindValidation, "Args.Validate", fmt.Errorf("warmup_ms must be >= 0"))
	}
	if a.RecordLogPath == "" {
		return errs.New(errs.KindValidation, "Args.Validate", fmt.Errorf("record_log_path is required"))
	}
	return nil
}
