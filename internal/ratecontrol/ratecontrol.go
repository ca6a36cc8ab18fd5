// Package ratecontrol implements the token-refilling rate limiter: a
// multi-stage load plan, a fixed-rps mode, and a burst mode, in that
// mutual-exclusion priority order.
package ratecontrol

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Stage is one ramp segment of a Plan: over DurationSecs seconds, the target
// rpm interpolates linearly from the previous stage's target (or the plan's
// InitialRPM for the first stage) up to TargetRPM.
type Stage struct {
	DurationSecs int
	TargetRPM    float64
}

// Plan is a multi-stage requests-per-minute ramp.
type Plan struct {
	InitialRPM float64
	Stages     []Stage
}

// Mode selects which of the three mutually exclusive limiter behaviors a
// Controller runs.
type Mode int

const (
	ModePlan Mode = iota
	ModeFixed
	ModeBurst
)

// Config configures a Controller. Precedence when multiple fields are set:
// Plan wins over FixedRPS, which wins over Burst.
type Config struct {
	Plan           *Plan
	FixedRPS       float64
	BurstRate      int
	BurstDelay     time.Duration
	CorrectLatency bool
}

// Controller emits pacing tokens once per second via NextTokens, following
// whichever of the three modes Config selects.
type Controller struct {
	mode Mode
	cfg  Config

	stageIdx      int
	stageElapsed  int
	stageStartRPM float64
	remainder     float64

	burstElapsed time.Duration
	burstPrimed  bool
}

// New builds a Controller from cfg, logging a warning and dropping burst if
// both FixedRPS and Burst are configured.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	switch {
	case cfg.Plan != nil && len(cfg.Plan.Stages) > 0:
		c.mode = ModePlan
		c.stageStartRPM = cfg.Plan.InitialRPM
		if cfg.FixedRPS > 0 || cfg.BurstRate > 0 {
			log.Warn().Msg("ratecontrol: load plan configured alongside fixed/burst; plan takes priority")
		}
	case cfg.FixedRPS > 0:
		c.mode = ModeFixed
		if cfg.BurstRate > 0 {
			log.Warn().Msg("ratecontrol: fixed rps configured alongside burst; burst ignored")
		}
	default:
		c.mode = ModeBurst
	}
	return c
}

// Mode reports which limiter mode is active.
func (c *Controller) Mode() Mode { return c.mode }

// NextTokens returns the number of pacing tokens to issue for the upcoming
// one-second tick. Call exactly once per second of wall time.
func (c *Controller) NextTokens() int {
	switch c.mode {
	case ModePlan:
		return c.nextPlanTokens()
	case ModeFixed:
		return int(c.cfg.FixedRPS)
	case ModeBurst:
		return c.nextBurstTokens()
	default:
		return 0
	}
}

// nextBurstTokens releases BurstRate tokens every BurstDelay, emitting 0 on
// the seconds in between. NextTokens is called once per second of wall
// time, so elapsed time is tracked in second-sized ticks rather than by
// sampling the clock.
func (c *Controller) nextBurstTokens() int {
	if c.cfg.BurstDelay <= 0 {
		return c.cfg.BurstRate
	}
	if !c.burstPrimed {
		c.burstPrimed = true
		return c.cfg.BurstRate
	}
	c.burstElapsed += time.Second
	if c.burstElapsed >= c.cfg.BurstDelay {
		c.burstElapsed = 0
		return c.cfg.BurstRate
	}
	return 0
}

func (c *Controller) nextPlanTokens() int {
	plan := c.cfg.Plan
	if c.stageIdx >= len(plan.Stages) {
		// Past the last stage: hold at the final target rpm.
		target := plan.InitialRPM
		if len(plan.Stages) > 0 {
			target = plan.Stages[len(plan.Stages)-1].TargetRPM
		}
		return c.emit(target)
	}

	stage := plan.Stages[c.stageIdx]
	rpm := c.interpolate(stage)
	tokens := c.emit(rpm)

	c.stageElapsed++
	if c.stageElapsed >= stage.DurationSecs {
		c.stageStartRPM = stage.TargetRPM
		c.stageElapsed = 0
		c.stageIdx++
	}
	return tokens
}

func (c *Controller) interpolate(stage Stage) float64 {
	if stage.DurationSecs <= 0 {
		return stage.TargetRPM
	}
	frac := float64(c.stageElapsed) / float64(stage.DurationSecs)
	if frac > 1 {
		frac = 1
	}
	rpm := c.stageStartRPM + (stage.TargetRPM-c.stageStartRPM)*frac
	if (stage.TargetRPM >= c.stageStartRPM && rpm > stage.TargetRPM) ||
		(stage.TargetRPM < c.stageStartRPM && rpm < stage.TargetRPM) {
		rpm = stage.TargetRPM
	}
	return rpm
}

// emit converts an rpm value into this second's integer token count,
// carrying the fractional remainder forward so long-run rpm is preserved
// exactly across fractional seconds.
func (c *Controller) emit(rpm float64) int {
	whole := int(rpm) / 60
	frac := rpm - float64(whole*60)
	tokens := whole
	c.remainder += frac
	if c.remainder >= 60 {
		tokens++
		c.remainder -= 60
	}
	return tokens
}
