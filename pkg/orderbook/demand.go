package orderbook

import (
	"sort"

	"github.com/speedexgo/speedex/pkg/price"
)

// GetExecutionPrices returns (lower, upper): upper is price[sell]/price[buy]
// as a Price, lower is upper minus its smoothMult-bit lower bound (or equal
// to upper if smoothMult is 0). spec.md §4.2.
func (ob *Orderbook) GetExecutionPrices(prices []price.Price, smoothMult uint8) (lower, upper price.Price) {
	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]
	ratio := price.U128{Lo: uint64(sellPrice)}.Shl(price.Radix).Div64(uint64(buyPrice))
	upper = price.ImposeBounds(ratio)
	if smoothMult == 0 {
		return upper, upper
	}
	return price.SmoothMult(upper, smoothMult), upper
}

// GetMetadata binary-searches the cumulative-endow index for the largest
// entry with price <= p, returning (cumulative endow, cumulative
// endow*price) at that point. Valid only after CommitForProduction.
func (ob *Orderbook) GetMetadata(p price.Price) (int64, price.U128) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return getMetadata(ob.index, p)
}

// SupplyBounds returns the [lower, upper] range of feasible
// supply-activation amounts for this orderbook at the given prices and
// smooth_mult band: upper is the endowment eligible at the full
// (un-smoothed) execution price, lower is the endowment eligible at the
// smoothed-down price (orig:orderbook/orderbook.cc get_supply_bounds).
func (ob *Orderbook) SupplyBounds(prices []price.Price, smoothMult uint8) (lower, upper int64) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	lowerP, upperP := ob.GetExecutionPrices(prices, smoothMult)
	upperEndow, _ := getMetadata(ob.index, upperP)
	lowerEndow, _ := getMetadata(ob.index, lowerP)
	return lowerEndow, upperEndow
}

// CalculateDemandsAndSupplies integrates this orderbook's contribution to
// the per-asset demand/supply accumulators at the given prices, adding
// sell-asset quantity to supplies[category.SellAsset] and buy-asset
// quantity to demands[category.BuyAsset], both radix price.Radix
// (spec.md §4.2; scenarios 2-3 in spec.md §8 fix the exact arithmetic).
func (ob *Orderbook) CalculateDemandsAndSupplies(prices []price.Price, demands, supplies []price.U128, smoothMult uint8) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	lowerP, upperP := ob.GetExecutionPrices(prices, smoothMult)
	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]

	// partial_exec_p is the upper bound (offers up to and including the
	// partial-activation band), full_exec_p is the lower bound (offers
	// that are definitely fully filled). When smoothMult is 0 the two
	// bounds coincide and metadata_full defaults to metadata_partial.
	partialEndow, partialEndowTimesPrice := getMetadata(ob.index, upperP)
	fullEndow, fullEndowTimesPrice := partialEndow, partialEndowTimesPrice
	if smoothMult != 0 {
		fullEndow, fullEndowTimesPrice = getMetadata(ob.index, lowerP)
	}

	partialExecEndow := partialEndow - fullEndow
	partialExecEndowTimesPrice := partialEndowTimesPrice.Sub(fullEndowTimesPrice)

	var partialSellVolume, partialBuyVolume price.U128
	if smoothMult != 0 && partialExecEndow > 0 {
		endowOverEpsilon := price.U128FromUint64(uint64(partialExecEndow)).Shl(uint(smoothMult))
		endowTimesPriceOverEpsilon := partialExecEndowTimesPrice.Shl(uint(smoothMult))

		sellWide := price.WideMultiplyValByAOverB(endowTimesPriceOverEpsilon, buyPrice, sellPrice)
		partialSellVolume = endowOverEpsilon.Shl(price.Radix).Sub(sellWide)

		buyWide := price.WideMultiplyValByAOverB(endowOverEpsilon.Shl(price.Radix), sellPrice, buyPrice)
		partialBuyVolume = buyWide.Sub(endowTimesPriceOverEpsilon)
	}

	fullSellVolume := partialSellVolume.Add(price.U128FromUint64(uint64(fullEndow)).Shl(price.Radix))
	fullBuyVolume := partialBuyVolume.Add(
		price.WideMultiplyValByAOverB(price.U128FromUint64(uint64(fullEndow)).Shl(price.Radix), sellPrice, buyPrice))

	supplies[ob.category.SellAsset] = supplies[ob.category.SellAsset].Add(fullSellVolume)
	demands[ob.category.BuyAsset] = demands[ob.category.BuyAsset].Add(fullBuyVolume)
}

// CalculateDemandsAndSuppliesTimesPrices is the trade-value-denominated
// variant: it folds both sides of the trade into a single per-asset-pair
// trade volume (radix price.Radix), added identically to both the
// buy-asset demand and sell-asset supply accumulator. Used by the
// tâtonnement oracle's objective function, where a single consistent unit
// of value (rather than mismatched per-asset quantities) is what needs
// comparing across assets.
func (ob *Orderbook) CalculateDemandsAndSuppliesTimesPrices(prices []price.Price, demands, supplies []price.U128, smoothMult uint8) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	lowerP, upperP := ob.GetExecutionPrices(prices, smoothMult)
	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]

	partialEndow, partialEndowTimesPrice := getMetadata(ob.index, upperP)
	fullEndow, fullEndowTimesPrice := partialEndow, partialEndowTimesPrice
	if smoothMult != 0 {
		fullEndow, fullEndowTimesPrice = getMetadata(ob.index, lowerP)
	}

	partialExecEndow := partialEndow - fullEndow
	partialExecEndowTimesPrice := partialEndowTimesPrice.Sub(fullEndowTimesPrice)

	fullExecTradeVolume := price.Mul64(uint64(fullEndow), uint64(sellPrice))
	var partialExecTradeVolume price.U128

	if smoothMult != 0 && partialExecEndow > 0 {
		part1 := price.Mul64(uint64(sellPrice), uint64(partialExecEndow))
		part2 := wideMultiplySafe(partialExecEndowTimesPrice, buyPrice)
		if part1.Cmp(part2) >= 0 {
			partialExecTradeVolume = part1.Sub(part2).Shl(uint(smoothMult))
		}
	}

	totalTradeVolume := fullExecTradeVolume.Add(partialExecTradeVolume)
	demands[ob.category.BuyAsset] = demands[ob.category.BuyAsset].Add(totalTradeVolume)
	supplies[ob.category.SellAsset] = supplies[ob.category.SellAsset].Add(totalTradeVolume)
}

// wideMultiplySafe computes (x*p) >> price.Radix for a radix-Radix U128 x
// and a raw Price p, splitting the multiply across x's two 64-bit limbs
// so the intermediate product never needs more than 128 bits.
func wideMultiplySafe(x price.U128, p price.Price) price.U128 {
	upper := price.Mul64(x.Hi, uint64(p))
	lower := price.Mul64(x.Lo, uint64(p))
	return upper.Shl(64 - price.Radix).Add(lower.Shr(price.Radix))
}

// MaxFeasibleSmoothMult returns the largest smooth_mult for which amount
// units can be absorbed without activating any offer priced beyond the
// exact sell/buy exchange rate (spec.md §4.2, concrete scenario 4).
//
// It finds the first index-entry whose cumulative endowment exceeds
// amount (the "max activated price" an infinite smooth_mult would still
// need to reach into), then derives the largest mult for which
// (exact_rate - max_activated_price) <= exact_rate >> mult, i.e. the
// widest partial-activation band that still only reaches that far.
func (ob *Orderbook) MaxFeasibleSmoothMult(amount int64, prices []price.Price) uint8 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	idx := ob.index
	if len(idx) == 0 {
		return 255
	}
	totalEndow := idx[len(idx)-1].CumEndow
	if amount > totalEndow {
		return 255
	}

	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]
	exactRate := price.ImposeBounds(price.U128{Lo: uint64(sellPrice)}.Shl(price.Radix).Div64(uint64(buyPrice)))

	i := sort.Search(len(idx), func(i int) bool { return idx[i].CumEndow > amount })
	if i == len(idx) {
		return 255
	}
	maxActivatedPrice := idx[i].Price

	if exactRate <= maxActivatedPrice {
		return 255
	}
	rawDifference := exactRate - maxActivatedPrice

	out := uint8(0)
	for rawDifference <= (exactRate >> out) {
		out++
		if out == 0 {
			// wrapped past 255: exactRate >> out hit 0 on every prior
			// iteration too, which the guard above already rules out.
			return 255
		}
	}
	if out > 0 {
		return out - 1
	}
	return 0
}
