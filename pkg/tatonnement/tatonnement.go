// Package tatonnement implements the parallel grid-search price oracle:
// a fixed pool of workers, each running an independent tâtonnement
// search from the same starting price vector with its own step-size
// schedule, racing to find a set of prices the LP solver confirms
// clears the market (spec.md §4.6, grounded on
// orig:price_computation/tatonnement_oracle.h/.cc).
package tatonnement

import (
	"context"
	"sync"

	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
)

// lpCheckFreq is how often (in rounds) a worker cross-checks its current
// trial prices against the LP solver's exact feasibility test.
const lpCheckFreq = 1000

// maxRounds bounds a single worker's search; the original instead relies
// on an external timeout thread plus a periodic check of a shared
// "someone else already finished" flag. Context cancellation covers the
// shared-flag case here; this cap is the backstop against a worker that
// simply never converges and nobody ever cancels.
const maxRounds = 200_000

// ControlParameters tunes one grid-search worker's step-size schedule
// and relativizer behavior (orig:price_computation/tatonnement_oracle.h
// TatonnementControlParameters).
type ControlParameters struct {
	StepRadix             uint8
	MinStep               uint64
	StepAdjustRadix       uint8
	UseVolumeRelativizer  bool
	UseDynamicRelativizer bool
}

// Measurements reports how the winning worker's search went.
type Measurements struct {
	NumRounds int
	StepRadix uint8
	Cleared   bool
}

// Oracle runs parallel grid-search tâtonnement over a fixed orderbook
// manager, using an LP solver both as a periodic feasibility cross-check
// and as the caller's final clearing solve once prices settle.
type Oracle struct {
	manager     *orderbook.Manager
	solver      *lpsolver.Solver
	numAssets   int
	volumeStats *orderbook.VolumeStats
}

// New constructs an Oracle over manager, sharing solver with whatever
// else in the block-production pipeline needs LP access. It also starts
// a fresh VolumeStats preconditioner at the neutral baseline; a replica
// resuming from disk rebuilds prices from scratch anyway (spec.md §1
// Non-goals "byzantine fault tolerance" - tâtonnement's step-size
// preconditioning is a local performance heuristic, never part of what
// a block commits to), so there is nothing to reload here.
func New(manager *orderbook.Manager, solver *lpsolver.Solver) *Oracle {
	numAssets := int(manager.NumAssets())
	return &Oracle{
		manager:     manager,
		solver:      solver,
		numAssets:   numAssets,
		volumeStats: orderbook.NewVolumeStats(numAssets),
	}
}

// UpdateVolumeStats folds one block's per-category supply activation into
// the rolling volume averages that precondition the next block's
// UseVolumeRelativizer workers (spec.md §9 Design Notes, grounded on orig
// price_computation/normalization_rolling_average.h). Callers run this
// once clearing has produced supplyActivated for the block just
// committed or validated.
func (o *Oracle) UpdateVolumeStats(activated map[orderbook.Category]price.FractionalAsset, prices []price.Price) {
	o.volumeStats.Update(activated, prices)
}

// defaultWorkers mirrors the original's fixed 6-thread pool: three step
// radii (110, 94, 78), each run once plain and once with the per-asset
// volume relativizer enabled.
func defaultWorkers() []ControlParameters {
	out := make([]ControlParameters, 0, 6)
	for i := 0; i < 3; i++ {
		radix := uint8(110 - 16*i)
		out = append(out, ControlParameters{
			StepRadix:             radix,
			MinStep:               1 << 7,
			StepAdjustRadix:       5,
			UseDynamicRelativizer: true,
		})
		out = append(out, ControlParameters{
			StepRadix:             radix,
			MinStep:               1 << 7,
			StepAdjustRadix:       5,
			UseDynamicRelativizer: true,
			UseVolumeRelativizer:  true,
		})
	}
	return out
}

type queryResult struct {
	prices    []price.Price
	cleared   bool
	objective float64
	rounds    int
	stepRadix uint8
}

// ComputePricesGridSearch runs every worker concurrently from the same
// starting prices, canceling the rest as soon as one finds prices the LP
// solver confirms clear the market. If ctx expires (or maxRounds is hit
// everywhere) before any worker clears, it returns whichever worker
// reached the lowest excess-demand objective, same as the original's
// best-utility-ratio fallback in spirit though measured here by L2
// excess-demand norm rather than lost trading utility.
func (o *Oracle) ComputePricesGridSearch(ctx context.Context, prices []price.Price, approx lpsolver.ApproximationParameters) ([]price.Price, Measurements) {
	workers := defaultWorkers()
	volumeFactors := o.volumeStats.Factors()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]queryResult, len(workers))
	var wg sync.WaitGroup
	for i, cp := range workers {
		wg.Add(1)
		go func(i int, cp ControlParameters) {
			defer wg.Done()
			start := make([]price.Price, len(prices))
			copy(start, prices)
			res := o.gridSearchQuery(ctx, cp, start, approx, volumeFactors)
			results[i] = res
			if res.cleared {
				cancel()
			}
		}(i, cp)
	}
	wg.Wait()

	best := results[0]
	for _, r := range results[1:] {
		switch {
		case r.cleared && !best.cleared:
			best = r
		case r.cleared == best.cleared && r.objective < best.objective:
			best = r
		}
	}
	return best.prices, Measurements{NumRounds: best.rounds, StepRadix: best.stepRadix, Cleared: best.cleared}
}

func (o *Oracle) computeSupplyDemand(prices []price.Price, smoothMult uint8) (supplies, demands []price.U128) {
	supplies = make([]price.U128, o.numAssets)
	demands = make([]price.U128, o.numAssets)
	o.manager.CalculateDemandsAndSuppliesTimesPrices(prices, demands, supplies, smoothMult)
	return supplies, demands
}

func (o *Oracle) gridSearchQuery(ctx context.Context, cp ControlParameters, prices []price.Price, approx lpsolver.ApproximationParameters, volumeFactors []uint16) queryResult {
	n := o.numAssets
	workspace := make([]price.Price, n)
	copy(workspace, prices)
	trial := make([]price.Price, n)

	step := cp.MinStep
	stepUp := uint64(1.4 * float64(uint64(1)<<cp.StepAdjustRadix))
	stepDown := uint64(0.8 * float64(uint64(1)<<cp.StepAdjustRadix))

	relativizers := make([]uint16, n)
	for i := range relativizers {
		relativizers[i] = 1
	}

	supplies, demands := o.computeSupplyDemand(workspace, approx.SmoothMult)
	prevObjective := objective(supplies, demands)

	forceStepRounds := 0
	round := 0

	for ; round < maxRounds; round++ {
		select {
		case <-ctx.Done():
			return queryResult{prices: workspace, objective: prevObjective, rounds: round, stepRadix: cp.StepRadix}
		default:
		}

		if round%lpCheckFreq == lpCheckFreq-1 {
			if ok, err := o.solver.CheckFeasibility(workspace, approx); err == nil && ok {
				return queryResult{prices: workspace, cleared: true, objective: prevObjective, rounds: round, stepRadix: cp.StepRadix}
			}
		}

		if round%10 == 9 {
			setRelativizers(cp, relativizers, supplies, demands, volumeFactors)
		}

		changed := setTrialPrices(workspace, trial, step, cp.StepRadix, demands, supplies, relativizers)
		if !changed {
			forceStepRounds = 10
		}

		trialSupplies, trialDemands := o.computeSupplyDemand(trial, approx.SmoothMult)
		clearing := checkClearing(trialDemands, trialSupplies, approx.TaxRate)
		newObjective := objective(trialSupplies, trialDemands)

		if newObjective <= prevObjective*1.01 || step < cp.MinStep || clearing || forceStepRounds > 0 {
			copy(workspace, trial)
			supplies, demands = trialSupplies, trialDemands
			if forceStepRounds > 0 {
				forceStepRounds--
			}
			prevObjective = newObjective
			step = incrementStep(step, stepUp, cp.StepAdjustRadix)
		} else {
			step = decrementStep(step, stepDown, cp.StepAdjustRadix)
		}

		if clearing {
			return queryResult{prices: trial, cleared: true, objective: newObjective, rounds: round, stepRadix: cp.StepRadix}
		}

		if round%1000 == 0 {
			if adjust := normalizePrices(workspace); adjust != 0 {
				if adjust > 0 {
					step >>= uint(adjust)
				} else {
					step <<= uint(-adjust)
				}
				if step < cp.MinStep {
					step = cp.MinStep
				}
				supplies, demands = o.computeSupplyDemand(workspace, approx.SmoothMult)
				prevObjective = objective(supplies, demands)
			}
		}
	}

	return queryResult{prices: workspace, objective: prevObjective, rounds: round, stepRadix: cp.StepRadix}
}
