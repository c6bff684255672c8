package lpsolver

import (
	"testing"

	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
)

// twoAssetManager builds a 2-asset manager with one orderbook selling
// asset 0 for asset 1, stocked with a handful of offers at increasing
// minimum prices.
func twoAssetManager(t *testing.T) *orderbook.Manager {
	t.Helper()
	m := orderbook.NewManager(2)
	ob, err := m.Lookup(orderbook.Category{SellAsset: 0, BuyAsset: 1})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	offers := make([]orderbook.Offer, 0, 5)
	for i := 0; i < 5; i++ {
		offers = append(offers, orderbook.Offer{
			Owner:    uint64(i + 1),
			OfferID:  uint64(i + 1),
			Category: orderbook.Category{SellAsset: 0, BuyAsset: 1},
			Amount:   100,
			MinPrice: price.FromDouble(float64(i + 1)),
		})
	}
	if err := ob.AddOffers(offers); err != nil {
		t.Fatalf("AddOffers: %v", err)
	}
	if err := ob.CommitForProduction(1); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	return m
}

func TestCheckFeasibilityAtGenerousPrices(t *testing.T) {
	m := twoAssetManager(t)
	s := New(m)
	prices := []price.Price{price.FromDouble(10), price.FromDouble(1)}
	ok, err := s.CheckFeasibility(prices, ApproximationParameters{SmoothMult: 0, TaxRate: 0})
	if err != nil {
		t.Fatalf("CheckFeasibility: %v", err)
	}
	if !ok {
		t.Fatalf("expected feasible at generous prices")
	}
}

func TestSolveActivatesEligibleSupply(t *testing.T) {
	m := twoAssetManager(t)
	s := New(m)
	prices := []price.Price{price.FromDouble(3), price.FromDouble(1)}
	params, err := s.Solve(prices, ApproximationParameters{SmoothMult: 0, TaxRate: 0})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	want := orderbook.Category{SellAsset: 0, BuyAsset: 1}
	var found bool
	for _, p := range params.OrderbookParams {
		if p.Category != want {
			continue
		}
		found = true
		if p.SupplyActivated.IsZero() {
			t.Fatalf("expected nonzero activation at a price clearing some offers")
		}
		if p.SupplyActivated.Ceil() > 500 {
			t.Fatalf("activation %d exceeds total offered supply", p.SupplyActivated.Ceil())
		}
	}
	if !found {
		t.Fatalf("no result for category %+v", want)
	}
}
