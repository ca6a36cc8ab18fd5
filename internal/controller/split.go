package controller

import "github.com/bc-dunia/loadtrestler/internal/wire"

// WeightSplit divides total proportionally across weights using
// largest-remainder rounding: floor((total*w_i)/sum(w)) for each share,
// then the leftover units are distributed one at a time to the indices
// with the largest fractional remainder. Sum(shares) == total always; a
// weight of 0 always gets a share of 0.
func WeightSplit(total int64, weights []uint64) []int64 {
	shares := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}

	var sum uint64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return shares
	}

	type remainder struct {
		idx int
		rem uint64 // numerator mod sum, to compare fractions without floats
	}
	rems := make([]remainder, 0, len(weights))

	var assigned int64
	for i, w := range weights {
		num := uint64(total) * w
		shares[i] = int64(num / sum)
		rems = append(rems, remainder{idx: i, rem: num % sum})
		assigned += shares[i]
	}

	leftover := total - assigned
	// Stable sort by descending remainder; ties broken by original index to
	// keep the split deterministic across calls with identical weights.
	for i := 0; i < len(rems); i++ {
		for j := i + 1; j < len(rems); j++ {
			if rems[j].rem > rems[i].rem || (rems[j].rem == rems[i].rem && rems[j].idx < rems[i].idx) {
				rems[i], rems[j] = rems[j], rems[i]
			}
		}
	}

	for i := int64(0); i < leftover; i++ {
		shares[rems[i%int64(len(rems))].idx]++
	}

	return shares
}

// splitArgsForAgents returns one EffectiveArgs per weight, scaling whichever
// rate dimension base actually configures so the weighted shares sum back
// to the original aggregate target: a load plan (InitialRPM plus every
// stage's TargetRPM, split stage-by-stage) takes priority over FixedRPS,
// which takes priority over a bare InitialRPM with no stages. Any other
// field is copied unsplit.
func splitArgsForAgents(base wire.EffectiveArgs, weights []uint64) []wire.EffectiveArgs {
	out := make([]wire.EffectiveArgs, len(weights))
	for i := range out {
		out[i] = base
	}

	switch {
	case len(base.Stages) > 0:
		initShares := WeightSplit(int64(base.InitialRPM), weights)
		stageShares := make([][]int64, len(base.Stages))
		for si, stage := range base.Stages {
			stageShares[si] = WeightSplit(int64(stage.TargetRPM), weights)
		}
		for i := range out {
			out[i].InitialRPM = float64(initShares[i])
			stages := make([]wire.StageWire, len(base.Stages))
			for si, stage := range base.Stages {
				stages[si] = wire.StageWire{
					DurationSecs: stage.DurationSecs,
					TargetRPM:    float64(stageShares[si][i]),
				}
			}
			out[i].Stages = stages
		}
	case base.FixedRPS > 0:
		shares := WeightSplit(int64(base.FixedRPS), weights)
		for i := range out {
			out[i].FixedRPS = float64(shares[i])
		}
	case base.InitialRPM > 0:
		shares := WeightSplit(int64(base.InitialRPM), weights)
		for i := range out {
			out[i].InitialRPM = float64(shares[i])
		}
	}

	return out
}
