package tatonnement

import (
	"math"

	"github.com/speedexgo/speedex/pkg/price"
)

// valueRadix is the fixed-point radix CalculateDemandsAndSuppliesTimesPrices
// reports values in (trade value, so one Price radix stacked on top of one
// FractionalAsset radix). Only used to turn U128 demand/supply totals into
// floats for the heuristic step-size and objective math below; never part of
// settlement.
const valueRadix = price.Radix + price.FractionalRadix

// volumeRelativizerBasept mirrors orderbook.VolumeStats's fixed-point "1"
// scale, so a never-updated (neutral) volume factor leaves relativizers
// unchanged when folded in below.
const volumeRelativizerBasept = 16

// objective is the tâtonnement query's acceptance criterion: the summed
// squared excess demand/supply across every asset (orig:tatonnement_oracle.cc
// MultifuncTatonnementObjective, l2norm_sq).
func objective(supplies, demands []price.U128) float64 {
	var sum float64
	for i := range supplies {
		diff := demands[i].ToDouble(valueRadix) - supplies[i].ToDouble(valueRadix)
		sum += diff * diff
	}
	return sum
}

// checkClearing reports whether, after taxRate is applied to demand, every
// asset's post-tax demand no longer exceeds its supply
// (orig:tatonnement_oracle.cc check_clearing).
func checkClearing(demands, supplies []price.U128, taxRate uint8) bool {
	for i := range demands {
		d := demands[i].ToDouble(valueRadix)
		taxed := d - d/math.Exp2(float64(taxRate))
		if taxed > supplies[i].ToDouble(valueRadix) {
			return false
		}
	}
	return true
}

// incrementStep grows the step size after an accepted move, by
// step_up = 1.4 * 2^stepAdjustRadix (orig:tatonnement_oracle.cc
// increment_step).
func incrementStep(step, stepUp uint64, stepAdjustRadix uint8) uint64 {
	grown := (step * stepUp) >> stepAdjustRadix
	if grown < step {
		return step + 1
	}
	return grown
}

// decrementStep shrinks the step size after a rejected move, by
// step_down = 0.8 * 2^stepAdjustRadix (orig:tatonnement_oracle.cc
// decrement_step).
func decrementStep(step, stepDown uint64, stepAdjustRadix uint8) uint64 {
	shrunk := (step * stepDown) >> stepAdjustRadix
	if shrunk == 0 {
		return 1
	}
	return shrunk
}

// setRelativizers recomputes each asset's per-round price-adjustment weight.
// With the dynamic relativizer enabled, an asset whose supply and demand are
// already close together (a thin, well-matched market) gets a smaller
// relativizer so its price moves less aggressively than an asset with a
// large demand/supply gap (orig:tatonnement_oracle.cc set_relativizers,
// MAX_MUL cap of 1000). With the volume relativizer also enabled, that
// weight is further scaled by volumeFactors - the prior blocks' rolling
// trade-volume average (orderbook.VolumeStats.Factors) - so an asset that
// has been trading thin across recent blocks is additionally dampened
// (orig:price_computation/normalization_rolling_average.h, folded into
// set_relativizers as a preconditioner).
func setRelativizers(cp ControlParameters, relativizers []uint16, supplies, demands []price.U128, volumeFactors []uint16) {
	if !cp.UseDynamicRelativizer {
		return
	}
	const maxMul = 1000
	for i := range relativizers {
		s := supplies[i].ToDouble(valueRadix)
		d := demands[i].ToDouble(valueRadix)
		lo, hi := s, d
		if hi < lo {
			lo, hi = hi, lo
		}
		if hi == 0 {
			relativizers[i] = 1
		} else {
			ratio := lo / hi
			mul := 1.0
			if ratio > 0 {
				mul = 1.0 / ratio
			}
			if mul > maxMul {
				mul = maxMul
			}
			relativizers[i] = uint16(mul)
			if relativizers[i] == 0 {
				relativizers[i] = 1
			}
		}

		if cp.UseVolumeRelativizer && i < len(volumeFactors) {
			scaled := uint32(relativizers[i]) * uint32(volumeFactors[i]) / volumeRelativizerBasept
			if scaled == 0 {
				scaled = 1
			}
			if scaled > math.MaxUint16 {
				scaled = math.MaxUint16
			}
			relativizers[i] = uint16(scaled)
		}
	}
}

// setTrialPrices nudges every asset's price proportional to its excess
// demand or supply, scaled by the round's step size and (if enabled) its
// relativizer weight. Returns false if every price stayed exactly put (the
// signal the caller uses to force through a step regardless of the
// objective, since a completely frozen price vector can otherwise never
// explore past a local optimum).
//
// The original computes this nudge with a 128-bit safe_multiply_and_drop_lowbits
// to stay overflow-safe; this is a non-consensus heuristic, so float64
// arithmetic is used here instead (orig:tatonnement_oracle.cc
// get_trial_price, set_trial_prices).
func setTrialPrices(current, trial []price.Price, step uint64, stepRadix uint8, demands, supplies []price.U128, relativizers []uint16) bool {
	changed := false
	scale := float64(step) / float64(uint64(1)<<stepRadix)
	for i := range current {
		d := demands[i].ToDouble(valueRadix)
		s := supplies[i].ToDouble(valueRadix)
		if s == 0 && d == 0 {
			trial[i] = current[i]
			continue
		}
		excess := (d - s) / math.Max(d, s)
		rel := float64(relativizers[i])
		if rel <= 0 {
			rel = 1
		}
		delta := current[i].ToDouble() * excess * scale / rel
		next := price.FromDouble(current[i].ToDouble() + delta)
		if !next.IsValid() {
			next = current[i]
		}
		if next != current[i] {
			changed = true
		}
		trial[i] = next
	}
	return changed
}

// normalizePrices renormalizes the whole price vector if it has drifted too
// far from Price's One-centered range, returning the power-of-two shift
// applied (positive means prices were shifted down, negative means shifted
// up); the caller uses this to rescale its own step size by the same factor
// so the search doesn't suddenly take enormous or microscopic steps right
// after a rescale (orig:tatonnement_oracle.cc normalize_prices).
func normalizePrices(prices []price.Price) int {
	var maxP price.Price
	for _, p := range prices {
		if p > maxP {
			maxP = p
		}
	}
	if maxP == 0 {
		return 0
	}
	bitLen := 0
	for v := uint64(maxP); v != 0; v >>= 1 {
		bitLen++
	}
	const target = price.Radix + 4
	shift := bitLen - target
	if shift == 0 {
		return 0
	}
	for i := range prices {
		var shifted price.Price
		if shift > 0 {
			shifted = prices[i] >> uint(shift)
		} else {
			shifted = prices[i] << uint(-shift)
		}
		if !shifted.IsValid() {
			shifted = 1
		}
		prices[i] = shifted
	}
	return shift
}
