package config

import (
	"os"

	"github.com/bc-dunia/loadtrestler/internal/errs"
	"github.com/bc-dunia/loadtrestler/internal/wire"
)

// ToEffectiveArgs flattens Args into the shape sent over the wire to an
// agent. WorkloadSingleDynamic has no wire representation (its URL
// generator is a Go closure) and must be run locally instead of through
// this conversion; callers building a distributed run never reach that
// kind because config.Args.Validate only requires a URL, not a generator.
func (a *Args) ToEffectiveArgs() (wire.EffectiveArgs, error) {
	ea := wire.EffectiveArgs{
		Method:                   a.Workload.Method,
		URL:                      a.Workload.URL,
		Headers:                  a.Workload.Headers,
		Body:                     a.Workload.Body,
		ExpectedStatus:           a.Workload.ExpectedStatus,
		DurationMs:               a.Duration.Milliseconds(),
		Requests:                 a.Requests,
		MaxWorkers:               a.MaxWorkers,
		SpawnRate:                a.SpawnRate,
		SpawnTickMs:              a.SpawnTick.Milliseconds(),
		FixedRPS:                 a.FixedRPS,
		BurstRate:                a.BurstRate,
		BurstDelayMs:             a.BurstDelay.Milliseconds(),
		CorrectLatency:           a.CorrectLatency,
		WarmupMs:                 a.WarmupMs,
		WaitOngoingAfterDeadline: a.WaitOngoingAfterDeadline,
	}

	if a.RatePlan != nil {
		ea.InitialRPM = a.RatePlan.InitialRPM
		ea.Stages = make([]wire.StageWire, len(a.RatePlan.Stages))
		for i, s := range a.RatePlan.Stages {
			ea.Stages[i] = wire.StageWire{DurationSecs: s.DurationSecs, TargetRPM: s.TargetRPM}
		}
	}

	if a.Workload.Kind == WorkloadScenario {
		raw, err := os.ReadFile(a.Workload.ScenarioPath)
		if err != nil {
			return wire.EffectiveArgs{}, errs.New(errs.KindScript, "Args.ToEffectiveArgs", err)
		}
		ea.ScenarioYAML = string(raw)
	}

	return ea, nil
}
