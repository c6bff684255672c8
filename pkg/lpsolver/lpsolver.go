// Package lpsolver solves the trade-maximization linear program that
// either verifies a given price vector is feasible or, at the end of a
// round, picks exactly how much of each orderbook's eligible supply to
// activate (spec.md §4.5, grounded on orig:price_computation/lp_solver.h
// and orig:price_computation/lp_solver.cc).
package lpsolver

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
)

// OrderbookClearingParams is one orderbook's solved activation amount.
type OrderbookClearingParams struct {
	Category        orderbook.Category
	SupplyActivated price.FractionalAsset
}

// ClearingParams is the whole LP solution: every orderbook's activation
// amount plus the tax rate the block should charge (possibly lower than
// requested, if rounding in the LP solution would otherwise overdraw an
// asset).
type ClearingParams struct {
	OrderbookParams []OrderbookClearingParams
	TaxRate         uint8
}

// Solver constructs and solves trade-maximization LP instances over a
// fixed orderbook manager. gonum's Simplex is a pure function with no
// shared state of its own, but Solver still serializes calls behind mtx:
// the original's equivalent (GLPK) isn't thread-safe, and every caller
// here (tâtonnement's feasibility probes, the end-of-round solve) already
// expects to share one instance.
type Solver struct {
	manager *orderbook.Manager
	mu      sync.Mutex
}

// New constructs a Solver over manager.
func New(manager *orderbook.Manager) *Solver {
	return &Solver{manager: manager}
}

type workUnitBounds struct {
	category     orderbook.Category
	lower, upper int64
}

func (s *Solver) collectBounds(prices []price.Price, smoothMult uint8, useLowerBound bool) []workUnitBounds {
	obs := s.manager.Orderbooks()
	out := make([]workUnitBounds, len(obs))
	for i, ob := range obs {
		lower, upper := ob.SupplyBounds(prices, smoothMult)
		if !useLowerBound {
			lower = 0
		}
		out[i] = workUnitBounds{category: ob.Category(), lower: lower, upper: upper}
	}
	return out
}

// buildStandardForm lowers the range-constrained trade-maximization LP
// into gonum's required equality-constraint standard form (minimize c'x
// s.t. Ax = b, x >= 0).
//
// Each work unit i contributes a free variable g_i in [0, upper_i-lower_i]
// (the true flow is lower_i+g_i), tied off by an upper-bound slack u_i:
// g_i + u_i = upper_i - lower_i. Each asset a contributes one row
// bounding net revenue at or above zero, tied off by a surplus variable
// s_a: sum_i coeff(a,i)*g_i - s_a = rhs_a, where rhs_a folds in every
// work unit's lower_i contribution that the substitution moved to the
// right-hand side. Column layout: [g_0..g_n-1, u_0..u_n-1, s_0..s_m-1].
func buildStandardForm(bnds []workUnitBounds, numAssets int, prices []price.Price, taxRate uint8, maximize bool) (c []float64, a *mat.Dense, b []float64) {
	n := len(bnds)
	m := numAssets
	numVars := 2*n + m
	numRows := n + m

	c = make([]float64, numVars)
	b = make([]float64, numRows)
	data := make([]float64, numRows*numVars)
	row := func(r, col int) int { return r*numVars + col }

	for i, wu := range bnds {
		data[row(i, i)] = 1
		data[row(i, n+i)] = 1
		b[i] = float64(wu.upper - wu.lower)

		sellPrice := float64(prices[wu.category.SellAsset])
		buyPriceAdj := float64(prices[wu.category.SellAsset] - (prices[wu.category.SellAsset] >> taxRate))

		if maximize {
			c[i] = -sellPrice
		}

		sellRow := n + int(wu.category.SellAsset)
		data[row(sellRow, i)] += sellPrice
		b[sellRow] -= sellPrice * float64(wu.lower)

		buyRow := n + int(wu.category.BuyAsset)
		data[row(buyRow, i)] += -buyPriceAdj
		b[buyRow] -= -buyPriceAdj * float64(wu.lower)
	}
	for asset := 0; asset < m; asset++ {
		data[row(n+asset, 2*n+asset)] = -1
	}

	a = mat.NewDense(numRows, numVars, data)
	return c, a, b
}

// CheckFeasibility reports whether the trade-maximization LP has any
// feasible solution at the given prices, using each orderbook's lower
// supply bound (the check tâtonnement's inner loop runs continually).
func (s *Solver) CheckFeasibility(prices []price.Price, approx ApproximationParameters) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bnds := s.collectBounds(prices, approx.SmoothMult, true)
	numAssets := int(s.manager.NumAssets())
	if len(bnds) == 0 && numAssets == 0 {
		return true, nil
	}
	c, a, b := buildStandardForm(bnds, numAssets, prices, approx.TaxRate, false)
	_, _, err := lp.Simplex(c, a, b, 0, nil)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// ApproximationParameters bundles the smoothing/tax knobs the LP
// construction needs (spec.md §4.2's smooth_mult, §4.4's tax rate).
type ApproximationParameters struct {
	SmoothMult uint8
	TaxRate    uint8
}

// Solve finds the trade volume maximizing activation across every
// orderbook, retrying once with lower bounds relaxed to zero if the
// tighter problem proves infeasible (mirroring the original's identical
// retry-without-lower-bound fallback).
func (s *Solver) Solve(prices []price.Price, approx ApproximationParameters) (ClearingParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solve(prices, approx, true)
}

func (s *Solver) solve(prices []price.Price, approx ApproximationParameters, useLowerBound bool) (ClearingParams, error) {
	bnds := s.collectBounds(prices, approx.SmoothMult, useLowerBound)
	numAssets := int(s.manager.NumAssets())
	c, a, b := buildStandardForm(bnds, numAssets, prices, approx.TaxRate, true)

	var x []float64
	if len(c) > 0 {
		var err error
		_, x, err = lp.Simplex(c, a, b, 0, nil)
		if err != nil {
			if !useLowerBound {
				return ClearingParams{}, fmt.Errorf("lpsolver: infeasible even without lower bounds: %w", err)
			}
			return s.solve(prices, approx, false)
		}
	}

	supplies := make([]price.FractionalAsset, numAssets)
	demands := make([]price.FractionalAsset, numAssets)
	out := make([]OrderbookClearingParams, len(bnds))

	for i, wu := range bnds {
		g := 0.0
		if len(x) > 0 {
			g = x[i]
		}
		flow := float64(wu.lower) + g
		activated := price.FractionalAssetFromDouble(flow)
		out[i] = OrderbookClearingParams{Category: wu.category, SupplyActivated: activated}

		supplies[wu.category.SellAsset] = supplies[wu.category.SellAsset].Add(activated)
		demandRaw := price.WideMultiplyValByAOverB(activated.Raw(), prices[wu.category.SellAsset], prices[wu.category.BuyAsset])
		demands[wu.category.BuyAsset] = demands[wu.category.BuyAsset].Add(price.FractionalAssetFromRaw(demandRaw))
	}

	outputTaxRate := approx.TaxRate
	for asset := 0; asset < numAssets; asset++ {
		rate, err := maxTaxParam(supplies[asset], demands[asset], approx.TaxRate)
		if err != nil {
			return ClearingParams{}, err
		}
		if rate < outputTaxRate {
			outputTaxRate = rate
		}
	}

	return ClearingParams{OrderbookParams: out, TaxRate: outputTaxRate}, nil
}

// maxTaxParam computes the largest tax rate at or below targetTax for
// which supply still covers demand after tax, falling back to a
// logarithmic estimate when even targetTax-1 doesn't clear. Errors if
// that estimate still falls more than one below targetTax, which would
// mean the LP's floating-point rounding error grew implausibly large
// (grounded on orig:price_computation/lp_solver.cc
// LPSolver::max_tax_param, which throws on the same condition).
func maxTaxParam(supply, demand price.FractionalAsset, targetTax uint8) (uint8, error) {
	if supply.Ceil() >= demand.TaxAndRound(targetTax) {
		return targetTax, nil
	}
	if targetTax > 0 && supply.Ceil() >= demand.TaxAndRound(targetTax-1) {
		return targetTax - 1, nil
	}

	diff := demand.Sub(supply)
	if diff.IsZero() || demand.IsZero() {
		return 0, nil
	}
	eps := math.Log2(diff.ToDouble()) - math.Log2(demand.ToDouble())
	rate := int(math.Floor(-eps))

	if targetTax > 0 && rate < int(targetTax)-1 {
		return 0, fmt.Errorf("lpsolver: tax rate increased too much due to LP rounding error (eps=%f demand=%f supply=%f)", eps, demand.ToDouble(), supply.ToDouble())
	}
	if rate < 0 {
		rate = 0
	}
	return uint8(rate), nil
}
