package speedex

import (
	"context"
	"testing"
	"time"

	"github.com/speedexgo/speedex/internal/config"
	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/headerhash"
	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/modlog"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
	"github.com/speedexgo/speedex/pkg/tatonnement"
)

// fakeLedger is the minimal Ledger stand-in a block-production test needs:
// it never rejects a commit and tracks nothing a clearing test actually
// inspects, since account-balance arithmetic is out of scope here.
type fakeLedger struct {
	hash         [32]byte
	rolledBackTo []uint64

	lastPersisted block.Block
	havePersisted bool
}

func (l *fakeLedger) Hash() [32]byte { return l.hash }

func (l *fakeLedger) CommitForProduction(blockNumber uint64) error { return nil }

func (l *fakeLedger) RollbackThunks(blockNumber uint64) error {
	l.rolledBackTo = append(l.rolledBackTo, blockNumber)
	return nil
}

func (l *fakeLedger) PersistBlock(b block.Block) error {
	l.lastPersisted = b
	l.havePersisted = true
	return nil
}

func (l *fakeLedger) LastCommittedBlock() (block.Block, bool, error) {
	return l.lastPersisted, l.havePersisted, nil
}

func testEngineEnv(t *testing.T) *kv.Environment {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Environment("speedex")
}

// twoAssetEngine builds an Engine over a 2-asset manager with five resting
// offers in each direction (amount 100, min prices 0.5 to 1.3), so a
// single ProduceBlock call should find clearing prices quickly.
func twoAssetEngine(t *testing.T) (*Engine, *orderbook.Manager) {
	t.Helper()
	manager := orderbook.NewManager(2)

	sell, err := manager.Lookup(orderbook.Category{SellAsset: 0, BuyAsset: 1})
	if err != nil {
		t.Fatalf("Lookup sell: %v", err)
	}
	buy, err := manager.Lookup(orderbook.Category{SellAsset: 1, BuyAsset: 0})
	if err != nil {
		t.Fatalf("Lookup buy: %v", err)
	}

	var sellOffers []orderbook.Offer
	for i := 0; i < 5; i++ {
		sellOffers = append(sellOffers, orderbook.Offer{
			Owner:    uint64(i + 1),
			OfferID:  uint64(i + 1),
			Category: orderbook.Category{SellAsset: 0, BuyAsset: 1},
			Amount:   100,
			MinPrice: price.FromDouble(0.5 + float64(i)*0.2),
		})
	}
	if err := sell.AddOffers(sellOffers); err != nil {
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

	solver := lpsolver.New(manager)
	oracle := tatonnement.New(manager, solver)
	log := modlog.New()
	headerMap := headerhash.New(testEngineEnv(t))
	ledger := &fakeLedger{}

	cfg := config.Default()
	cfg.NumAssets = 2
	cfg.Tatonnement.QueryTimeout = 5 * time.Second

	engine := New(manager, solver, oracle, log, headerMap, ledger, cfg, nil, block.Block{})
	return engine, manager
}

func TestProduceBlockClearsRestingOffers(t *testing.T) {
	engine, manager := twoAssetEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	produced, err := engine.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if produced.BlockNumber != 1 {
		t.Fatalf("expected block number 1, got %d", produced.BlockNumber)
	}
	if len(produced.Prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(produced.Prices))
	}
	for i, p := range produced.Prices {
		if !p.IsValid() {
			t.Fatalf("produced price %d invalid: %v", i, p)
		}
	}
	if engine.LastBlock().BlockNumber != 1 {
		t.Fatalf("expected engine to advance to block 1")
	}
	if remaining := manager.NumOpenOffers(); remaining >= 10 {
		t.Fatalf("expected at least one of the original 10 offers to clear, got %d remaining", remaining)
	}
}

func TestProduceBlockAdvancesBlockNumberAcrossCalls(t *testing.T) {
	engine, _ := twoAssetEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := engine.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("first ProduceBlock: %v", err)
	}

	second, err := engine.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("second ProduceBlock: %v", err)
	}
	if second.BlockNumber != first.BlockNumber+1 {
		t.Fatalf("expected block number to advance, got %d then %d", first.BlockNumber, second.BlockNumber)
	}
	if second.PrevBlockHash != first.ComputeHash() {
		t.Fatalf("expected second block's PrevBlockHash to chain to the first block's hash")
	}
}

func TestValidateBlockAcceptsWhatThisReplicaWouldHaveProduced(t *testing.T) {
	producer, _ := twoAssetEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	produced, err := producer.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	validator, _ := twoAssetEngine(t)
	ok, err := validator.ValidateBlock(ctx, produced)
	if err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if !ok {
		t.Fatalf("expected an independently produced block to validate")
	}
	if validator.LastBlock().BlockNumber != produced.BlockNumber {
		t.Fatalf("expected validator to advance past the validated block")
	}
}

func TestValidateBlockRejectsWrongBlockNumber(t *testing.T) {
	engine, _ := twoAssetEngine(t)
	ok, err := engine.ValidateBlock(context.Background(), block.Block{BlockNumber: 5})
	if err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if ok {
		t.Fatalf("expected a block proposing the wrong block number to be rejected")
	}
}

func TestValidateBlockRejectsTamperedPrices(t *testing.T) {
	producer, _ := twoAssetEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	produced, err := producer.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	tampered := produced
	tampered.Prices = append([]price.Price{}, produced.Prices...)
	tampered.Prices[0] = tampered.Prices[0] + price.One

	validator, _ := twoAssetEngine(t)
	ok, err := validator.ValidateBlock(ctx, tampered)
	if err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if ok {
		t.Fatalf("expected a block with tampered prices to fail validation")
	}
}

func TestValidateBlockRejectsTamperedFractionalSupplyActivated(t *testing.T) {
	producer, _ := twoAssetEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	produced, err := producer.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	tampered := produced
	tampered.Internal.ClearingDetails = append([]block.SingleOrderbookStateCommitment{}, produced.Internal.ClearingDetails...)
	for i, d := range tampered.Internal.ClearingDetails {
		claimed := price.FractionalAssetFromRaw(d.FractionalSupplyActivated)
		if claimed.IsZero() {
			continue
		}
		tampered.Internal.ClearingDetails[i].FractionalSupplyActivated = claimed.Add(price.FractionalAssetFromInt(1)).Raw()
		break
	}

	validator, _ := twoAssetEngine(t)
	ok, err := validator.ValidateBlock(ctx, tampered)
	if err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if ok {
		t.Fatalf("expected a block claiming a FractionalSupplyActivated inconsistent with its own clearing split to fail validation")
	}
}
