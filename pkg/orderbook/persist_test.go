package orderbook

import (
	"testing"

	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/price"
)

func testEnv(t *testing.T) *kv.Environment {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Environment("orderbook")
}

func TestPersistThenLoadFromDiskReproducesHash(t *testing.T) {
	ob := tenOfferBook(t)
	ob.AttachEnv(testEnv(t))

	wantHash := ob.Hash()
	if err := ob.Persist(1); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := ob.LoadFromDisk(); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if got := ob.Hash(); got != wantHash {
		t.Fatalf("hash after reload = %x, want %x", got, wantHash)
	}
	if ob.NumOpenOffers() != 10 {
		t.Fatalf("NumOpenOffers after reload = %d, want 10", ob.NumOpenOffers())
	}
}

func TestPersistReflectsClearingAndDeletion(t *testing.T) {
	ob := tenOfferBook(t)
	ob.AttachEnv(testEnv(t))

	k := KeyOf(Offer{Owner: 1, OfferID: 1, Category: ob.category, Amount: 100, MinPrice: price.FromDouble(1)})
	if _, ok := ob.MarkForDeletion(k); !ok {
		t.Fatalf("MarkForDeletion: offer not found")
	}
	if err := ob.CommitForProduction(2); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}

	var cleared []Offer
	clear := func(o Offer, sellAmount, buyAmount int64) { cleared = append(cleared, o) }
	prices := []price.Price{500, 100}
	if _, _, err := ob.ProcessClearOffers(2, price.FractionalAssetFromInt(200), prices, 0, clear); err != nil {
		t.Fatalf("ProcessClearOffers: %v", err)
	}

	wantHash := ob.Hash()
	wantOpen := ob.NumOpenOffers()

	if err := ob.Persist(2); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := ob.LoadFromDisk(); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if got := ob.Hash(); got != wantHash {
		t.Fatalf("hash after reload = %x, want %x", got, wantHash)
	}
	if got := ob.NumOpenOffers(); got != wantOpen {
		t.Fatalf("NumOpenOffers after reload = %d, want %d", got, wantOpen)
	}
}

func TestPersistSkipsAlreadyPersistedRounds(t *testing.T) {
	ob := tenOfferBook(t)
	ob.AttachEnv(testEnv(t))

	if err := ob.Persist(1); err != nil {
		t.Fatalf("first Persist: %v", err)
	}

	more := []Offer{{Owner: 2, OfferID: 100, Category: ob.category, Amount: 50, MinPrice: price.FromDouble(11)}}
	if err := ob.AddOffers(more); err != nil {
		t.Fatalf("AddOffers: %v", err)
	}
	if err := ob.CommitForProduction(2); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	wantHash := ob.Hash()

	if err := ob.Persist(2); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if err := ob.LoadFromDisk(); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if got := ob.Hash(); got != wantHash {
		t.Fatalf("hash after reload = %x, want %x", got, wantHash)
	}
}

func TestPersistWithoutEnvErrors(t *testing.T) {
	ob := tenOfferBook(t)
	if err := ob.Persist(1); err == nil {
		t.Fatalf("expected Persist to error without an attached environment")
	}
	if err := ob.LoadFromDisk(); err == nil {
		t.Fatalf("expected LoadFromDisk to error without an attached environment")
	}
}
