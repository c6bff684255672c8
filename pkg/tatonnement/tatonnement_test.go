package tatonnement

import (
	"context"
	"testing"
	"time"

	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
)

func twoAssetManager(t *testing.T) *orderbook.Manager {
	t.Helper()
	m := orderbook.NewManager(2)
	sell, err := m.Lookup(orderbook.Category{SellAsset: 0, BuyAsset: 1})
	if err != nil {
		t.Fatalf("Lookup sell: %v", err)
	}
	buy, err := m.Lookup(orderbook.Category{SellAsset: 1, BuyAsset: 0})
	if err != nil {
		t.Fatalf("Lookup buy: %v", err)
	}
	var offers []orderbook.Offer
	for i := 0; i < 5; i++ {
		offers = append(offers, orderbook.Offer{
			Owner:    uint64(i + 1),
			OfferID:  uint64(i + 1),
			Category: orderbook.Category{SellAsset: 0, BuyAsset: 1},
			Amount:   100,
			MinPrice: price.FromDouble(0.5 + float64(i)*0.2),
		})
	}
	if err := sell.AddOffers(offers); err != nil {
		t.Fatalf("AddOffers sell: %v", err)
	}
	var buyOffers []orderbook.Offer
	for i := 0; i < 5; i++ {
		buyOffers = append(buyOffers, orderbook.Offer{
			Owner:    uint64(i + 10),
			OfferID:  uint64(i + 10),
			Category: orderbook.Category{SellAsset: 1, BuyAsset: 0},
			Amount:   100,
			MinPrice: price.FromDouble(0.5 + float64(i)*0.2),
		})
	}
	if err := buy.AddOffers(buyOffers); err != nil {
		t.Fatalf("AddOffers buy: %v", err)
	}
	if err := m.CommitForProduction(1); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	return m
}

func TestComputePricesGridSearchReturnsValidPrices(t *testing.T) {
	m := twoAssetManager(t)
	solver := lpsolver.New(m)
	oracle := New(m, solver)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := []price.Price{price.One, price.One}
	approx := lpsolver.ApproximationParameters{SmoothMult: 4, TaxRate: 0}
	prices, measurements := oracle.ComputePricesGridSearch(ctx, start, approx)

	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	for i, p := range prices {
		if !p.IsValid() {
			t.Fatalf("price %d invalid: %v", i, p)
		}
	}
	if measurements.NumRounds < 0 {
		t.Fatalf("expected nonnegative round count")
	}
}

func TestComputePricesGridSearchRespectsCancellation(t *testing.T) {
	m := twoAssetManager(t)
	solver := lpsolver.New(m)
	oracle := New(m, solver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := []price.Price{price.One, price.One}
	approx := lpsolver.ApproximationParameters{SmoothMult: 4, TaxRate: 0}
	prices, _ := oracle.ComputePricesGridSearch(ctx, start, approx)
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices even on immediate cancellation, got %d", len(prices))
	}
}

func TestObjectiveZeroWhenSuppliesEqualDemands(t *testing.T) {
	supplies := []price.U128{price.U128FromUint64(100), price.U128FromUint64(200)}
	demands := []price.U128{price.U128FromUint64(100), price.U128FromUint64(200)}
	if got := objective(supplies, demands); got != 0 {
		t.Fatalf("expected zero objective for equal supply/demand, got %f", got)
	}
}

func TestCheckClearingFailsWhenDemandExceedsSupply(t *testing.T) {
	supplies := []price.U128{price.U128FromUint64(50)}
	demands := []price.U128{price.U128FromUint64(100)}
	if checkClearing(demands, supplies, 20) {
		t.Fatalf("expected clearing check to fail when demand exceeds supply with only a 2^-20 tax")
	}
}

func TestIncrementThenDecrementStepRoundTrips(t *testing.T) {
	step := uint64(1 << 7)
	stepUp := uint64(1.4 * float64(uint64(1)<<5))
	stepDown := uint64(0.8 * float64(uint64(1)<<5))
	grown := incrementStep(step, stepUp, 5)
	if grown <= step {
		t.Fatalf("expected incrementStep to grow the step, got %d from %d", grown, step)
	}
	shrunk := decrementStep(grown, stepDown, 5)
	if shrunk >= grown {
		t.Fatalf("expected decrementStep to shrink the step, got %d from %d", shrunk, grown)
	}
}
