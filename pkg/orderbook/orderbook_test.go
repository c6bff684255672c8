package orderbook

import (
	"testing"

	"github.com/speedexgo/speedex/pkg/price"
)

func tenOfferBook(t *testing.T) *Orderbook {
	t.Helper()
	cat := Category{SellAsset: 0, BuyAsset: 1}
	ob := New(cat)
	var offers []Offer
	for i := 1; i <= 10; i++ {
		offers = append(offers, Offer{
			Owner:    1,
			OfferID:  uint64(i),
			Category: cat,
			Amount:   100,
			MinPrice: price.FromDouble(float64(i)),
		})
	}
	if err := ob.AddOffers(offers); err != nil {
		t.Fatalf("AddOffers: %v", err)
	}
	if err := ob.CommitForProduction(1); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	return ob
}

func u128FromShiftedInt(v int64) price.U128 {
	return price.U128FromUint64(uint64(v)).Shl(price.Radix)
}

// spec.md §8 scenario 2: smooth_mult 0, varying sell/buy prices.
func TestCalculateDemandsAndSuppliesScenario2(t *testing.T) {
	ob := tenOfferBook(t)

	cases := []struct {
		sell, buy          int64
		wantSupply, wantDemand int64
	}{
		{500, 100, 500, 2500},
		{1200, 100, 1000, 12000},
		{80, 100, 0, 0},
	}

	for _, c := range cases {
		prices := []price.Price{price.Price(c.sell), price.Price(c.buy)}
		demands := make([]price.U128, 2)
		supplies := make([]price.U128, 2)
		ob.CalculateDemandsAndSupplies(prices, demands, supplies, 0)

		wantSupply := u128FromShiftedInt(c.wantSupply)
		wantDemand := u128FromShiftedInt(c.wantDemand)
		if supplies[0].Cmp(wantSupply) != 0 {
			t.Errorf("sell=%d buy=%d: supplies[0] = %+v, want %+v", c.sell, c.buy, supplies[0], wantSupply)
		}
		if demands[1].Cmp(wantDemand) != 0 {
			t.Errorf("sell=%d buy=%d: demands[1] = %+v, want %+v", c.sell, c.buy, demands[1], wantDemand)
		}
	}
}

// spec.md §8 scenario 3: smooth_mult 2, sell=800 buy=100.
func TestCalculateDemandsAndSuppliesScenario3(t *testing.T) {
	ob := tenOfferBook(t)

	prices := []price.Price{800, 100}
	demands := make([]price.U128, 2)
	supplies := make([]price.U128, 2)
	ob.CalculateDemandsAndSupplies(prices, demands, supplies, 2)

	wantSupply := u128FromShiftedInt(650)
	wantDemand := u128FromShiftedInt(5200)
	if supplies[0].Cmp(wantSupply) != 0 {
		t.Errorf("supplies[0] = %+v, want %+v", supplies[0], wantSupply)
	}
	if demands[1].Cmp(wantDemand) != 0 {
		t.Errorf("demands[1] = %+v, want %+v", demands[1], wantDemand)
	}
}

// spec.md §8 scenario 4: max_feasible_smooth_mult at sell=800 buy=100.
func TestMaxFeasibleSmoothMultScenario4(t *testing.T) {
	ob := tenOfferBook(t)
	prices := []price.Price{800, 100}

	cases := []struct {
		amount int64
		want   uint8
	}{
		{800, 255},
		{701, 255},
		{700, 255},
		{699, 3},
	}
	for _, c := range cases {
		got := ob.MaxFeasibleSmoothMult(c.amount, prices)
		if got != c.want {
			t.Errorf("MaxFeasibleSmoothMult(%d) = %d, want %d", c.amount, got, c.want)
		}
	}
}

func TestMarkForDeletionAndCommit(t *testing.T) {
	ob := tenOfferBook(t)
	if ob.NumOpenOffers() != 10 {
		t.Fatalf("NumOpenOffers = %d, want 10", ob.NumOpenOffers())
	}

	k := KeyOf(Offer{Owner: 1, OfferID: 3, Category: ob.category, Amount: 100, MinPrice: price.FromDouble(3)})
	offer, ok := ob.MarkForDeletion(k)
	if !ok {
		t.Fatalf("MarkForDeletion: offer not found")
	}
	if offer.OfferID != 3 {
		t.Fatalf("MarkForDeletion returned offer id %d, want 3", offer.OfferID)
	}

	if err := ob.CommitForProduction(2); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	if ob.NumOpenOffers() != 9 {
		t.Fatalf("NumOpenOffers after deletion = %d, want 9", ob.NumOpenOffers())
	}
}

func TestProcessClearOffersFullyClearsLowestPricedOffers(t *testing.T) {
	ob := tenOfferBook(t)

	var cleared []Offer
	clear := func(o Offer, sellAmount, buyAmount int64) {
		cleared = append(cleared, o)
	}

	prices := []price.Price{500, 100}
	thresholdKey, activation, err := ob.ProcessClearOffers(1, price.FractionalAssetFromInt(250), prices, 0, clear)
	if err != nil {
		t.Fatalf("ProcessClearOffers: %v", err)
	}
	if len(cleared) != 2 {
		t.Fatalf("cleared %d offers, want 2 (amount 100 each, floor(250/100)=2 fully cleared)", len(cleared))
	}
	if activation.IsZero() && thresholdKey == (Key{}) {
		t.Fatalf("expected a partial-exec threshold for the 50-unit remainder")
	}
	if ob.NumOpenOffers() != 8 {
		t.Fatalf("NumOpenOffers after clearing = %d, want 8 (2 fully cleared, 1 partially)", ob.NumOpenOffers())
	}
}

func TestRollbackThunksUndoesCommit(t *testing.T) {
	ob := tenOfferBook(t)
	hashBefore := ob.Hash()

	more := []Offer{{Owner: 2, OfferID: 100, Category: ob.category, Amount: 50, MinPrice: price.FromDouble(11)}}
	if err := ob.AddOffers(more); err != nil {
		t.Fatalf("AddOffers: %v", err)
	}
	if err := ob.CommitForProduction(2); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	if ob.NumOpenOffers() != 11 {
		t.Fatalf("NumOpenOffers = %d, want 11", ob.NumOpenOffers())
	}

	if err := ob.RollbackThunks(1); err != nil {
		t.Fatalf("RollbackThunks: %v", err)
	}
	if ob.NumOpenOffers() != 10 {
		t.Fatalf("NumOpenOffers after rollback = %d, want 10", ob.NumOpenOffers())
	}
	if ob.Hash() != hashBefore {
		t.Fatalf("hash after rollback does not match pre-commit hash")
	}
}
