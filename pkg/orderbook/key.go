package orderbook

import (
	"encoding/binary"

	"github.com/speedexgo/speedex/pkg/price"
)

// KeyLen is the fixed 24-byte orderbook key length: price (6) ‖ owner (8)
// ‖ offer_id (8). Sorting by this key sorts offers by minimum price
// ascending, breaking ties by owner then offer id (spec.md §3).
const KeyLen = price.BytesLen + 8 + 8

// Key is the fixed-length byte key an Offer occupies in its orderbook's
// trie.
type Key [KeyLen]byte

// KeyOf computes the orderbook key for o.
func KeyOf(o Offer) Key {
	var k Key
	price.WriteBigEndian(k[0:price.BytesLen], o.MinPrice)
	binary.BigEndian.PutUint64(k[price.BytesLen:price.BytesLen+8], o.Owner)
	binary.BigEndian.PutUint64(k[price.BytesLen+8:], o.OfferID)
	return k
}

// Price extracts the price prefix of a key.
func (k Key) Price() price.Price {
	return price.ReadBigEndian(k[0:price.BytesLen])
}

// Bytes returns k as a plain byte slice, for trie operations that take
// []byte keys.
func (k Key) Bytes() []byte {
	return k[:]
}

// KeyAtPrice returns the smallest possible key with the given price
// prefix (owner and offer id both zero) - the lower bound of the price
// bucket, used to binary-search the cumulative-endow index and to form
// threshold keys for ApplyLtKey/ApplyGeqKey.
func KeyAtPrice(p price.Price) Key {
	var k Key
	price.WriteBigEndian(k[0:price.BytesLen], p)
	return k
}
