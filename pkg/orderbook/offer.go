// Package orderbook implements a single sell-asset/buy-asset offer book
// and the orderbook-set / manager that fan out across all N·(N-1)
// category pairs, per spec.md §4.2-4.3.
package orderbook

import (
	"encoding/binary"
	"fmt"

	"github.com/speedexgo/speedex/pkg/price"
)

// AssetID identifies one tradeable asset within the exchange's fixed
// asset universe.
type AssetID uint32

// Category identifies one orderbook: all offers selling SellAsset for
// BuyAsset. Offer type is always SELL (spec.md §3); a "buy" is simply
// the mirror-category orderbook.
type Category struct {
	SellAsset AssetID
	BuyAsset  AssetID
}

// Offer is one resting sell order: Owner wants to sell Amount units of
// Category.SellAsset for at least MinPrice units of Category.BuyAsset per
// unit sold. Amount must be > 0 at rest.
type Offer struct {
	Owner    uint64
	OfferID  uint64
	Category Category
	Amount   int64
	MinPrice price.Price
}

// Bytes is the canonical leaf serialization fed into the Merkle hash:
// owner ‖ offer_id ‖ sell_asset ‖ buy_asset ‖ amount ‖ min_price, all
// big-endian. Distinct from Key, which only encodes what's needed to sort
// and address the offer within its own orderbook's trie.
func (o Offer) Bytes() []byte {
	buf := make([]byte, 8+8+4+4+8+price.BytesLen)
	binary.BigEndian.PutUint64(buf[0:8], o.Owner)
	binary.BigEndian.PutUint64(buf[8:16], o.OfferID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(o.Category.SellAsset))
	binary.BigEndian.PutUint32(buf[20:24], uint32(o.Category.BuyAsset))
	binary.BigEndian.PutUint64(buf[24:32], uint64(o.Amount))
	price.WriteBigEndian(buf[32:32+price.BytesLen], o.MinPrice)
	return buf
}

// ParseOffer decodes an Offer from its canonical Bytes encoding, the
// inverse used to reload a persisted orderbook from its KV environment.
func ParseOffer(data []byte) (Offer, error) {
	want := 8 + 8 + 4 + 4 + 8 + price.BytesLen
	if len(data) != want {
		return Offer{}, fmt.Errorf("orderbook: offer record has %d bytes, want %d", len(data), want)
	}
	var o Offer
	o.Owner = binary.BigEndian.Uint64(data[0:8])
	o.OfferID = binary.BigEndian.Uint64(data[8:16])
	o.Category.SellAsset = AssetID(binary.BigEndian.Uint32(data[16:20]))
	o.Category.BuyAsset = AssetID(binary.BigEndian.Uint32(data[20:24]))
	o.Amount = int64(binary.BigEndian.Uint64(data[24:32]))
	o.MinPrice = price.ReadBigEndian(data[32 : 32+price.BytesLen])
	return o, nil
}

func (o Offer) String() string {
	return fmt.Sprintf("offer{owner=%d id=%d sell=%d buy=%d amount=%d minPrice=%d}",
		o.Owner, o.OfferID, o.Category.SellAsset, o.Category.BuyAsset, o.Amount, o.MinPrice)
}
