package orderbook

import (
	"math"
	"sync"

	"github.com/speedexgo/speedex/pkg/price"
)

// relativeVolumeBasept is the fixed-point "1" every per-asset volume
// factor is scaled against, so tatonnement can consume rolling averages
// as small uint16 weights instead of floats (orig
// price_computation/normalization_rolling_average.h
// RELATIVE_VOLUME_BASEPOINT).
const relativeVolumeBasept = 16

// maxRelativeVolume is the largest ratio a uint16 factor can represent
// at relativeVolumeBasept scale.
const maxRelativeVolume = float64(65535) / relativeVolumeBasept

// keepWeight/newWeight blend each block's relative volumes into the
// rolling average as a geometric mean: keepWeight is the prior value's
// share, newWeight the new block's (orig keep_amt = 1/2).
const keepWeight = 0.5
const newWeight = 1 - keepWeight

// VolumeStats tracks a rolling, price-weighted average of each asset's
// traded volume across blocks, used to precondition tatonnement's
// per-asset step size: an asset that has been trading thin relative to
// the block's busiest asset gets a larger factor, so a worker with
// ControlParameters.UseVolumeRelativizer set can dampen that asset's
// price movement instead of swinging it on sparse information
// (grounded on orig price_computation/normalization_rolling_average.h/.cc
// - none of this feeds consensus, so float64 is fine here same as the
// original's own rationale).
type VolumeStats struct {
	mu        sync.Mutex
	numAssets int
	averages  []float64
	formatted []uint16
}

// NewVolumeStats starts every asset's rolling average at the original's
// neutral baseline (1.0, i.e. relativeVolumeBasept once formatted).
func NewVolumeStats(numAssets int) *VolumeStats {
	v := &VolumeStats{
		numAssets: numAssets,
		averages:  make([]float64, numAssets),
		formatted: make([]uint16, numAssets),
	}
	for i := range v.averages {
		v.averages[i] = 1.0
		v.formatted[i] = relativeVolumeBasept
	}
	return v
}

// Update folds one block's per-category supply activation into the
// rolling averages. Each cleared orderbook's activated supply, valued
// at its sell asset's price, sums into that asset's traded volume for
// the block; every asset's volume relative to the block's busiest asset
// then folds into its running average (orig update_averages).
func (v *VolumeStats) Update(activated map[Category]price.FractionalAsset, prices []price.Price) {
	v.mu.Lock()
	defer v.mu.Unlock()

	traded := make([]float64, v.numAssets)
	for cat, amount := range activated {
		if amount.IsZero() {
			continue
		}
		traded[cat.SellAsset] += amount.ToDouble() * prices[cat.SellAsset].ToDouble()
	}

	var max, sum float64
	for _, t := range traded {
		if t > max {
			max = t
		}
		sum += t
	}
	avg := sum / float64(v.numAssets)

	factors := make([]float64, v.numAssets)
	for i, t := range traded {
		switch {
		case max == 0:
			factors[i] = 1
		case t > 0:
			factors[i] = relativeVolumeCalc(max, t)
		default:
			factors[i] = relativeVolumeCalc(max, avg)
		}
	}

	for i := range v.averages {
		v.averages[i] = math.Pow(v.averages[i], keepWeight) * math.Pow(factors[i], newWeight)
	}
	v.updateFormatted()
}

// relativeVolumeCalc is max/supply, capped at maxRelativeVolume so the
// formatted uint16 factor never overflows (orig relative_volume_calc).
func relativeVolumeCalc(max, supply float64) float64 {
	if supply == 0 {
		return maxRelativeVolume
	}
	out := max / supply
	if out >= maxRelativeVolume {
		return maxRelativeVolume
	}
	return out
}

func (v *VolumeStats) updateFormatted() {
	for i, avg := range v.averages {
		switch {
		case avg >= float64(65535)/relativeVolumeBasept:
			v.formatted[i] = 65535
		case avg*relativeVolumeBasept <= 0:
			v.formatted[i] = 1
		default:
			v.formatted[i] = uint16(avg * relativeVolumeBasept)
		}
	}
}

// Factors returns the current per-asset preconditioning weights, each
// scaled by relativeVolumeBasept so a never-updated asset reads back as
// exactly relativeVolumeBasept (orig get_formatted_avgs).
func (v *VolumeStats) Factors() []uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint16, len(v.formatted))
	copy(out, v.formatted)
	return out
}
