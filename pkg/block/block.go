// Package block defines the wire/disk block header, its canonical
// big-endian encoding, and the BLAKE2b-256 block hash derived from it
// (spec.md §6 "External interfaces").
package block

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
)

// Hash is a 32-byte BLAKE2b-256 digest.
type Hash [32]byte

// SingleOrderbookStateCommitment is one orderbook's contribution to a
// block's clearing commitment: its post-clearing root, how much supply
// activated, and the partial-exec threshold/amount (spec.md §6).
type SingleOrderbookStateCommitment struct {
	RootHash                         Hash
	FractionalSupplyActivated        price.U128
	PartialExecOfferActivationAmount price.U128
	PartialExecThresholdKey          orderbook.Key
	ThresholdKeyIsNull               bool
}

// InternalHashes aggregates every subsystem's root into the values a
// block header commits to.
type InternalHashes struct {
	DBHash              Hash
	ClearingDetails     []SingleOrderbookStateCommitment
	ModificationLogHash Hash
	BlockMapHash        Hash
}

// Block is the canonical header every replica proposes, validates, and
// persists.
type Block struct {
	PrevBlockHash Hash
	BlockNumber   uint64
	Prices        []price.Price
	FeeRate       uint8
	Internal      InternalHashes
}

// Bytes is Block's canonical serialization: every field in declaration
// order, big-endian, length-prefixed where variable-length. This is what
// Hash hashes and what gets persisted to the per-block header file
// (spec.md §6).
func (b Block) Bytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, b.PrevBlockHash[:]...)

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], b.BlockNumber)
	buf = append(buf, num[:]...)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(b.Prices)))
	buf = append(buf, count[:]...)
	for _, p := range b.Prices {
		pbuf := make([]byte, price.BytesLen)
		price.WriteBigEndian(pbuf, p)
		buf = append(buf, pbuf...)
	}

	buf = append(buf, b.FeeRate)
	buf = append(buf, b.Internal.bytes()...)
	return buf
}

func (h InternalHashes) bytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, h.DBHash[:]...)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(h.ClearingDetails)))
	buf = append(buf, count[:]...)
	for _, d := range h.ClearingDetails {
		buf = append(buf, d.bytes()...)
	}

	buf = append(buf, h.ModificationLogHash[:]...)
	buf = append(buf, h.BlockMapHash[:]...)
	return buf
}

func (c SingleOrderbookStateCommitment) bytes() []byte {
	buf := make([]byte, 0, 32+16+16+orderbook.KeyLen+4)
	buf = append(buf, c.RootHash[:]...)
	supply := c.FractionalSupplyActivated.Bytes16()
	buf = append(buf, supply[:]...)
	activation := c.PartialExecOfferActivationAmount.Bytes16()
	buf = append(buf, activation[:]...)
	buf = append(buf, c.PartialExecThresholdKey.Bytes()...)

	var isNull [4]byte
	if c.ThresholdKeyIsNull {
		binary.BigEndian.PutUint32(isNull[:], 1)
	}
	buf = append(buf, isNull[:]...)
	return buf
}

// ComputeHash returns the BLAKE2b-256 hash of b's canonical encoding.
func (b Block) ComputeHash() Hash {
	return Hash(blake2b.Sum256(b.Bytes()))
}

// Parse decodes a Block from its canonical Bytes encoding, for a
// replica receiving a proposed block over the wire (spec.md §9
// "try_parse(bytes) -> Option<Block>"). Errors on any truncation or
// trailing garbage rather than returning a partially populated Block.
func Parse(data []byte) (Block, error) {
	var b Block

	r := data
	if len(r) < 32+8+4 {
		return Block{}, fmt.Errorf("block: truncated header")
	}
	copy(b.PrevBlockHash[:], r[:32])
	r = r[32:]

	b.BlockNumber = binary.BigEndian.Uint64(r[:8])
	r = r[8:]

	numPrices := binary.BigEndian.Uint32(r[:4])
	r = r[4:]

	b.Prices = make([]price.Price, numPrices)
	for i := range b.Prices {
		if len(r) < price.BytesLen {
			return Block{}, fmt.Errorf("block: truncated price %d", i)
		}
		b.Prices[i] = price.ReadBigEndian(r[:price.BytesLen])
		r = r[price.BytesLen:]
	}

	if len(r) < 1 {
		return Block{}, fmt.Errorf("block: truncated fee rate")
	}
	b.FeeRate = r[0]
	r = r[1:]

	internal, rest, err := parseInternalHashes(r)
	if err != nil {
		return Block{}, err
	}
	if len(rest) != 0 {
		return Block{}, fmt.Errorf("block: %d trailing bytes", len(rest))
	}
	b.Internal = internal
	return b, nil
}

func parseInternalHashes(r []byte) (InternalHashes, []byte, error) {
	var h InternalHashes
	if len(r) < 32+4 {
		return InternalHashes{}, nil, fmt.Errorf("block: truncated internal hashes")
	}
	copy(h.DBHash[:], r[:32])
	r = r[32:]

	count := binary.BigEndian.Uint32(r[:4])
	r = r[4:]

	h.ClearingDetails = make([]SingleOrderbookStateCommitment, count)
	for i := range h.ClearingDetails {
		c, rest, err := parseCommitment(r)
		if err != nil {
			return InternalHashes{}, nil, fmt.Errorf("block: clearing detail %d: %w", i, err)
		}
		h.ClearingDetails[i] = c
		r = rest
	}

	if len(r) < 32+32 {
		return InternalHashes{}, nil, fmt.Errorf("block: truncated trailing hashes")
	}
	copy(h.ModificationLogHash[:], r[:32])
	r = r[32:]
	copy(h.BlockMapHash[:], r[:32])
	r = r[32:]

	return h, r, nil
}

func parseCommitment(r []byte) (SingleOrderbookStateCommitment, []byte, error) {
	const fixedLen = 32 + 16 + 16 + orderbook.KeyLen + 4
	if len(r) < fixedLen {
		return SingleOrderbookStateCommitment{}, nil, fmt.Errorf("block: truncated commitment")
	}

	var c SingleOrderbookStateCommitment
	copy(c.RootHash[:], r[:32])
	r = r[32:]

	var supply, activation [16]byte
	copy(supply[:], r[:16])
	r = r[16:]
	c.FractionalSupplyActivated = price.U128FromBytes16(supply)

	copy(activation[:], r[:16])
	r = r[16:]
	c.PartialExecOfferActivationAmount = price.U128FromBytes16(activation)

	var key orderbook.Key
	copy(key[:], r[:orderbook.KeyLen])
	r = r[orderbook.KeyLen:]
	c.PartialExecThresholdKey = key

	c.ThresholdKeyIsNull = binary.BigEndian.Uint32(r[:4]) == 1
	r = r[4:]

	return c, r, nil
}
