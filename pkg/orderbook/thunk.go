package orderbook

import "github.com/speedexgo/speedex/pkg/trie"

// Thunk records everything one block's commit_for_production /
// tentative_commit_for_validation changed in one orderbook, so a later
// rollback_thunks or persist can replay or undo it without re-deriving
// the change from the committed trie (spec.md §3 "Persistence thunk").
type Thunk struct {
	BlockNumber uint64

	// NewOffers is the uncommitted-offer snapshot folded into committed
	// during commit_for_production/tentative_commit_for_validation.
	NewOffers []Offer

	// DeletedKeys accumulates every (key, offer) pair physically removed by
	// PerformMarkedDeletions during this block's commit.
	DeletedKeys []deletedEntry

	// ClearedOffers holds every offer this block's clearing pass split out
	// of committed and fully executed - kept so a rollback can splice it
	// back in, and so persist can delete those offers' keys from the KV
	// environment.
	ClearedOffers *trie.Trie

	HasPartialExec          bool
	PartialExecKey          Key
	PartialExecAmount       int64
	PreExecutePartialOffer  Offer
	PostExecutePartialOffer Offer
}

type deletedEntry struct {
	Key   Key
	Offer Offer
}

func newThunk(blockNumber uint64) *Thunk {
	return &Thunk{
		BlockNumber:   blockNumber,
		ClearedOffers: newOfferTrie(),
	}
}

func (t *Thunk) recordDeletion(key []byte, value trie.Value) {
	var k Key
	copy(k[:], key)
	t.DeletedKeys = append(t.DeletedKeys, deletedEntry{Key: k, Offer: value.(Offer)})
}

func (t *Thunk) setNoPartialExec() {
	t.HasPartialExec = false
}

func (t *Thunk) setPartialExec(key Key, amount int64, preExecute, postExecute Offer) {
	t.HasPartialExec = true
	t.PartialExecKey = key
	t.PartialExecAmount = amount
	t.PreExecutePartialOffer = preExecute
	t.PostExecutePartialOffer = postExecute
}
