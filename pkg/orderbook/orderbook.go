package orderbook

import (
	"fmt"
	"sync"

	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/price"
	"github.com/speedexgo/speedex/pkg/trie"
)

// Orderbook holds every resting offer for one (sell, buy) asset pair.
type Orderbook struct {
	mu sync.RWMutex

	category Category

	uncommitted *trie.Trie
	committed   *trie.Trie

	index []indexEntry

	thunks []*Thunk

	// env is this orderbook's KV environment, nil until AttachEnv is
	// called. Persist/LoadFromDisk are unavailable without one.
	env *kv.Environment
}

// New constructs an empty orderbook for category.
func New(category Category) *Orderbook {
	return &Orderbook{
		category:    category,
		uncommitted: newOfferTrie(),
		committed:   newOfferTrie(),
	}
}

func newOfferTrie() *trie.Trie {
	return trie.New(KeyLen, metadataOf, ZeroMetadata)
}

// rejectDuplicate is the InsertFn/merge collision handler for every trie
// this package builds: two offers can never legitimately share a key
// (price ‖ owner ‖ offer id is unique by construction), so a collision
// always means a duplicate offer id slipped through.
func rejectDuplicate(existing, incoming trie.Value) (trie.Value, error) {
	o := incoming.(Offer)
	return nil, fmt.Errorf("orderbook: duplicate offer id %d for owner %d", o.OfferID, o.Owner)
}

// Category returns the asset pair this orderbook clears.
func (ob *Orderbook) Category() Category {
	return ob.category
}

// NumOpenOffers returns the number of live offers resting in committed.
func (ob *Orderbook) NumOpenOffers() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.committed.Size()
}

// Hash returns the Merkle hash of the committed trie.
func (ob *Orderbook) Hash() [32]byte {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.committed.Hash()
}

// AddOffers merges a caller-supplied local batch of offers into
// uncommitted, erroring on any offer id collision - either within the
// batch itself or against an offer already resting in uncommitted
// (spec.md §4.2 add_offers).
func (ob *Orderbook) AddOffers(offers []Offer) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	local := newOfferTrie()
	for _, o := range offers {
		if o.Category != ob.category {
			return fmt.Errorf("orderbook: offer category %+v does not match orderbook category %+v", o.Category, ob.category)
		}
		k := KeyOf(o)
		if err := local.Insert(k.Bytes(), o, rejectDuplicate, false); err != nil {
			return err
		}
	}
	return ob.uncommitted.MergeIn(local, rejectDuplicate)
}

// MarkForDeletion flags the committed offer at key for removal by the
// next CommitForProduction, returning it if present (spec.md §4.2
// mark_for_deletion).
func (ob *Orderbook) MarkForDeletion(key Key) (Offer, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	v, ok := ob.committed.Get(key.Bytes())
	if !ok {
		return Offer{}, false
	}
	if !ob.committed.MarkForDeletion(key.Bytes()) {
		return Offer{}, false
	}
	return v.(Offer), true
}

// CommitForProduction folds uncommitted into committed for block
// blockNumber: it starts a new thunk, snapshots uncommitted into it,
// performs every pending marked deletion (recording the removed pairs in
// the thunk), merges uncommitted into committed, and rebuilds the
// cumulative-endow index (spec.md §4.2 commit_for_production).
func (ob *Orderbook) CommitForProduction(blockNumber uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	thunk := newThunk(blockNumber)

	zeroKey := make([]byte, KeyLen)
	ob.uncommitted.ApplyGeqKey(zeroKey, func(key []byte, value trie.Value) {
		thunk.NewOffers = append(thunk.NewOffers, value.(Offer))
	})

	ob.committed.PerformMarkedDeletions(thunk.recordDeletion)

	if err := ob.committed.MergeIn(ob.uncommitted, rejectDuplicate); err != nil {
		return err
	}

	ob.index = buildIndex(ob.committed)
	ob.thunks = append(ob.thunks, thunk)
	return nil
}

// currentThunk returns the thunk for blockNumber, searching from the most
// recently appended (the common case: clearing always follows the commit
// for the same block).
func (ob *Orderbook) currentThunk(blockNumber uint64) (*Thunk, error) {
	for i := len(ob.thunks) - 1; i >= 0; i-- {
		if ob.thunks[i].BlockNumber == blockNumber {
			return ob.thunks[i], nil
		}
	}
	return nil, fmt.Errorf("orderbook: no thunk for block %d", blockNumber)
}

// ClearFn is invoked once per offer executed by ProcessClearOffers or
// TentativeClearOffersForValidation. sellAmount is the quantity of
// category.SellAsset debited from the offer; buyAmount is the post-tax
// quantity of category.BuyAsset credited to its owner (spec.md §4.2,
// grounded on clear_offer_full/clear_offer_partial).
type ClearFn func(offer Offer, sellAmount, buyAmount int64)

func taxedBuyAmount(sellAmount int64, sellPrice, buyPrice price.Price, taxRate uint8) int64 {
	raw := price.WideMultiplyValByAOverB(price.FractionalAssetFromInt(sellAmount).Raw(), sellPrice, buyPrice)
	return price.FractionalAssetFromRaw(raw).TaxAndRound(taxRate)
}

// ProcessClearOffers splits committed at supplyActivated's integral floor:
// everything split off executes fully via clear. Whatever of
// supplyActivated's fractional remainder is left over is charged against
// the single lowest-keyed offer still in committed, which partially
// executes and is either left in place (amount reduced) or deleted if
// fully consumed (spec.md §4.2 process_clear_offers). Returns the
// partial-exec threshold key (the zero key if none) and the amount
// charged against it.
func (ob *Orderbook) ProcessClearOffers(
	blockNumber uint64,
	supplyActivated price.FractionalAsset,
	prices []price.Price,
	taxRate uint8,
	clear ClearFn,
) (thresholdKey Key, activationAmount price.FractionalAsset, err error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	thunk, err := ob.currentThunk(blockNumber)
	if err != nil {
		return Key{}, price.FractionalAsset{}, err
	}

	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]

	clearAmount := supplyActivated.Floor()
	clearedTrie, err := ob.committed.EndowSplit(clearAmount, endowOf)
	if err != nil {
		return Key{}, price.FractionalAsset{}, err
	}

	zeroKey := make([]byte, KeyLen)
	clearedTrie.ApplyGeqKey(zeroKey, func(key []byte, value trie.Value) {
		o := value.(Offer)
		clear(o, o.Amount, taxedBuyAmount(o.Amount, sellPrice, buyPrice, taxRate))
	})

	thunk.ClearedOffers = clearedTrie
	clearedEndow := clearedTrie.Metadata().(Metadata).Endow
	remaining := supplyActivated.Sub(price.FractionalAssetFromInt(clearedEndow))

	lowestKeyBytes, lowestVal, ok := ob.committed.Lowest()
	if !ok {
		if !remaining.IsZero() {
			return Key{}, price.FractionalAsset{}, fmt.Errorf("orderbook: no offers remain but %f supply still to activate", remaining.ToDouble())
		}
		thunk.setNoPartialExec()
		return Key{}, price.FractionalAsset{}, nil
	}

	var lowestKey Key
	copy(lowestKey[:], lowestKeyBytes)
	partialOffer := lowestVal.(Offer)

	ob.committed.Delete(lowestKey.Bytes())

	sellAmount := remaining.Ceil()
	buyAmount := taxedBuyAmount(sellAmount, sellPrice, buyPrice, taxRate)
	if sellAmount > partialOffer.Amount {
		return Key{}, price.FractionalAsset{}, fmt.Errorf("orderbook: partial-exec sell amount %d exceeds offer amount %d", sellAmount, partialOffer.Amount)
	}

	pre := partialOffer
	clear(partialOffer, sellAmount, buyAmount)
	partialOffer.Amount -= sellAmount
	thunk.setPartialExec(lowestKey, sellAmount, pre, partialOffer)

	if partialOffer.Amount > 0 {
		if err := ob.committed.Insert(lowestKey.Bytes(), partialOffer, rejectDuplicate, false); err != nil {
			return Key{}, price.FractionalAsset{}, err
		}
	}

	return lowestKey, price.FractionalAssetFromInt(sellAmount), nil
}

// TentativeClearOffersForValidation replays a block's clearing decision
// during validation: split committed at exactly the commitment's
// thresholdKey (achieving the same split as ProcessClearOffers without
// recomputing supply_activated), execute the partial-exec offer by
// activationAmount, and charge the endowment strictly below thresholdKey.
// Returns the total supply activated by the replay (endowBelowThreshold
// plus activationAmount, or the whole book's endow when everything
// clears) so the caller can check it against the commitment's claimed
// FractionalSupplyActivated - this method never looks at that claim
// itself, only at thresholdKey/activationAmount, so a caller that skips
// the comparison would accept a claim inconsistent with the orderbook's
// actual clearing split. Returns ok=false (with no mutation left in
// place by the caller's autorollback guard) if the commitment's
// partial-exec record doesn't match what committed actually contains
// (spec.md §4.2 tentative_clear_offers_for_validation, spec.md §192
// check_stats).
func (ob *Orderbook) TentativeClearOffersForValidation(
	blockNumber uint64,
	thresholdKey Key,
	activationAmount price.FractionalAsset,
	prices []price.Price,
	taxRate uint8,
	clear ClearFn,
) (totalActivated price.FractionalAsset, ok bool, err error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	thunk, err := ob.currentThunk(blockNumber)
	if err != nil {
		return price.FractionalAsset{}, false, err
	}

	sellPrice := prices[ob.category.SellAsset]
	buyPrice := prices[ob.category.BuyAsset]

	var endowBelowThreshold int64
	ob.committed.EndowLtKey(thresholdKey.Bytes(), func(m trie.Metadata) {
		endowBelowThreshold += m.(Metadata).Endow
	})

	partialVal, hadPartial := ob.committed.Delete(thresholdKey.Bytes())

	if !hadPartial {
		if thresholdKey != (Key{}) {
			return price.FractionalAsset{}, false, nil
		}
		if !activationAmount.IsZero() {
			return price.FractionalAsset{}, false, nil
		}
		wholeBookEndow := ob.committed.Metadata().(Metadata).Endow
		ob.committed.ApplyGeqKey(make([]byte, KeyLen), func(key []byte, value trie.Value) {
			o := value.(Offer)
			clear(o, o.Amount, taxedBuyAmount(o.Amount, sellPrice, buyPrice, taxRate))
		})
		thunk.setNoPartialExec()
		thunk.ClearedOffers = ob.committed
		ob.committed = newOfferTrie()
		return price.FractionalAssetFromInt(wholeBookEndow), true, nil
	}

	partialOffer := partialVal.(Offer)

	sellAmount := activationAmount.Ceil()
	buyAmount := taxedBuyAmount(sellAmount, sellPrice, buyPrice, taxRate)
	if sellAmount > partialOffer.Amount {
		if err := ob.committed.Insert(thresholdKey.Bytes(), partialOffer, rejectDuplicate, false); err != nil {
			return price.FractionalAsset{}, false, err
		}
		return price.FractionalAsset{}, false, nil
	}

	pre := partialOffer
	thunk.setPartialExec(thresholdKey, sellAmount, pre, Offer{})

	clearedTrie, err := ob.committed.EndowSplit(endowBelowThreshold, endowOf)
	if err != nil {
		return price.FractionalAsset{}, false, err
	}
	clearedTrie.ApplyGeqKey(make([]byte, KeyLen), func(key []byte, value trie.Value) {
		o := value.(Offer)
		clear(o, o.Amount, taxedBuyAmount(o.Amount, sellPrice, buyPrice, taxRate))
	})
	thunk.ClearedOffers = clearedTrie

	clear(partialOffer, sellAmount, buyAmount)
	partialOffer.Amount -= sellAmount
	thunk.PostExecutePartialOffer = partialOffer

	if partialOffer.Amount != 0 {
		if err := ob.committed.Insert(thresholdKey.Bytes(), partialOffer, rejectDuplicate, false); err != nil {
			return price.FractionalAsset{}, false, err
		}
	}

	total := price.FractionalAssetFromInt(endowBelowThreshold).Add(activationAmount)
	return total, true, nil
}

// RollbackThunks undoes every recorded thunk with BlockNumber > blockNumber,
// most recent first: it reinserts every deleted key, merges the cleared-
// offers trie back in, removes the block's newly added offers, and
// restores the pre-execution partial-exec offer - then rebuilds the index
// (spec.md §4.2 rollback_thunks).
func (ob *Orderbook) RollbackThunks(blockNumber uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	kept := ob.thunks[:0:0]
	for i := len(ob.thunks) - 1; i >= 0; i-- {
		t := ob.thunks[i]
		if t.BlockNumber <= blockNumber {
			kept = append([]*Thunk{t}, kept...)
			continue
		}
		if err := ob.undoThunk(t); err != nil {
			return err
		}
	}
	ob.thunks = kept
	ob.index = buildIndex(ob.committed)
	return nil
}

func (ob *Orderbook) undoThunk(t *Thunk) error {
	for _, d := range t.DeletedKeys {
		if err := ob.committed.Insert(d.Key.Bytes(), d.Offer, rejectDuplicate, false); err != nil {
			return err
		}
	}
	if t.ClearedOffers != nil {
		if err := ob.committed.MergeIn(t.ClearedOffers, rejectDuplicate); err != nil {
			return err
		}
	}
	for _, o := range t.NewOffers {
		ob.committed.Delete(KeyOf(o).Bytes())
	}
	if t.HasPartialExec {
		ob.committed.Delete(t.PartialExecKey.Bytes())
		if err := ob.committed.Insert(t.PartialExecKey.Bytes(), t.PreExecutePartialOffer, rejectDuplicate, false); err != nil {
			return err
		}
	}
	return nil
}
