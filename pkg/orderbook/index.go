package orderbook

import (
	"sort"

	"github.com/speedexgo/speedex/pkg/price"
	"github.com/speedexgo/speedex/pkg/trie"
)

// indexEntry is one point on the cumulative-endow supply curve: at price
// Price, the committed trie holds CumEndow total endowment among offers
// priced <= Price, worth CumEndowTimesPrice at that price.
type indexEntry struct {
	Price              price.Price
	CumEndow           int64
	CumEndowTimesPrice price.U128
}

// buildIndex runs one linear traversal of committed (via
// trie.MetadataTraversal) and returns the cumulative-endow index used as
// the searchable supply curve (spec.md §3 "Cumulative-endow index").
func buildIndex(committed *trie.Trie) []indexEntry {
	var entries []indexEntry
	var runningTimesPrice price.U128
	var lastLeafEndow int64

	committed.MetadataTraversal(
		func(running, leaf trie.Metadata) trie.Metadata {
			lastLeafEndow = leaf.(Metadata).Endow
			return running.(Metadata).Add(leaf)
		},
		ZeroMetadata,
		func(key []byte, running trie.Metadata) {
			var k Key
			copy(k[:], key)
			p := k.Price()
			cum := running.(Metadata).Endow
			runningTimesPrice = runningTimesPrice.Add(price.Mul64(uint64(lastLeafEndow), uint64(p)))
			entries = append(entries, indexEntry{
				Price:              p,
				CumEndow:           cum,
				CumEndowTimesPrice: runningTimesPrice,
			})
		},
	)
	return entries
}

// getMetadata binary-searches idx for the largest entry with key <= p,
// returning (cumulative endow, cumulative endow*price) at that point, or
// the zero entry if p is below every offer's price.
func getMetadata(idx []indexEntry, p price.Price) (int64, price.U128) {
	i := sort.Search(len(idx), func(i int) bool { return idx[i].Price > p })
	if i == 0 {
		return 0, price.U128{}
	}
	e := idx[i-1]
	return e.CumEndow, e.CumEndowTimesPrice
}
