// Package modlog implements the per-account modification log: a trie
// keyed by account id recording, for each account touched in a block,
// which of its own past offers cleared, which other accounts' offers
// paid into it, and which new transactions it submitted (spec.md §6
// "Account modification log file").
package modlog

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/speedexgo/speedex/pkg/trie"
)

// TxIdentifier names one transaction by its sender and sequence number.
type TxIdentifier struct {
	Owner          uint64
	SequenceNumber uint64
}

func (a TxIdentifier) less(b TxIdentifier) bool {
	if a.Owner != b.Owner {
		return a.Owner < b.Owner
	}
	return a.SequenceNumber < b.SequenceNumber
}

// SignedTransaction is the opaque wire form of a transaction this log
// records as newly submitted by its own account; balance/signature
// semantics are out of scope here (spec.md §1 Non-goals).
type SignedTransaction struct {
	SequenceNumber uint64
	Payload        []byte
}

// Entry is one account's accumulated modifications within a block: the
// union of every self-clear sequence number, every other-account
// transaction identifier that touched it, and every new transaction it
// itself submitted (grounded on AccountModificationEntry).
type Entry struct {
	Owner uint64

	selfIDs  map[uint64]struct{}
	otherIDs map[TxIdentifier]struct{}
	selfTxs  map[uint64]SignedTransaction
}

func newEntry(owner uint64) *Entry {
	return &Entry{
		Owner:    owner,
		selfIDs:  make(map[uint64]struct{}),
		otherIDs: make(map[TxIdentifier]struct{}),
		selfTxs:  make(map[uint64]SignedTransaction),
	}
}

// NewSelfIDEntry builds a single-element entry recording that owner's own
// offer with sequence number seq cleared.
func NewSelfIDEntry(owner, seq uint64) *Entry {
	e := newEntry(owner)
	e.selfIDs[seq] = struct{}{}
	return e
}

// NewOtherIDEntry builds a single-element entry recording that a
// transaction from id touched owner's account.
func NewOtherIDEntry(owner uint64, id TxIdentifier) *Entry {
	e := newEntry(owner)
	e.otherIDs[id] = struct{}{}
	return e
}

// NewSelfTxEntry builds a single-element entry recording that owner
// itself submitted tx.
func NewSelfTxEntry(owner uint64, tx SignedTransaction) *Entry {
	e := newEntry(owner)
	e.selfTxs[tx.SequenceNumber] = tx
	return e
}

// MergeFn is the trie.InsertFn every modlog insert uses: it folds a
// single-element delta entry into whatever entry (if any) already rests
// at that account's key, erroring if the same self-transaction sequence
// number shows up twice (grounded on AccountModificationEntry::merge_value,
// which throws "tx showed up in multiple values" on that same condition).
func MergeFn(existing, incoming trie.Value) (trie.Value, error) {
	e := existing.(*Entry)
	in := incoming.(*Entry)
	if e.Owner != in.Owner {
		return nil, fmt.Errorf("modlog: merge owner mismatch (%d vs %d)", e.Owner, in.Owner)
	}
	for id := range in.selfIDs {
		e.selfIDs[id] = struct{}{}
	}
	for id := range in.otherIDs {
		e.otherIDs[id] = struct{}{}
	}
	for seq, tx := range in.selfTxs {
		if _, exists := e.selfTxs[seq]; exists {
			return nil, fmt.Errorf("modlog: tx %d for account %d duplicated in log", seq, e.Owner)
		}
		e.selfTxs[seq] = tx
	}
	return e, nil
}

func sortedSelfIDs(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedOtherIDs(m map[TxIdentifier]struct{}) []TxIdentifier {
	out := make([]TxIdentifier, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

func sortedSelfTxs(m map[uint64]SignedTransaction) []SignedTransaction {
	out := make([]SignedTransaction, 0, len(m))
	for _, tx := range m {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// Bytes is Entry's canonical serialization, used both as the Merkle leaf
// value and as the per-block account-modification log file record
// (spec.md §6): account_id, then self-submitted transactions, then
// self-clear sequence numbers, then other-account identifiers, each a
// sorted, deduplicated (map-backed) list prefixed by its count.
func (e *Entry) Bytes() []byte {
	txs := sortedSelfTxs(e.selfTxs)
	selfIDs := sortedSelfIDs(e.selfIDs)
	otherIDs := sortedOtherIDs(e.otherIDs)

	buf := make([]byte, 0, 8+4+4+4)
	var word [8]byte

	binary.BigEndian.PutUint64(word[:], e.Owner)
	buf = append(buf, word[:]...)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(txs)))
	buf = append(buf, count[:]...)
	for _, tx := range txs {
		binary.BigEndian.PutUint64(word[:], tx.SequenceNumber)
		buf = append(buf, word[:]...)
		var plen [4]byte
		binary.BigEndian.PutUint32(plen[:], uint32(len(tx.Payload)))
		buf = append(buf, plen[:]...)
		buf = append(buf, tx.Payload...)
	}

	binary.BigEndian.PutUint32(count[:], uint32(len(selfIDs)))
	buf = append(buf, count[:]...)
	for _, id := range selfIDs {
		binary.BigEndian.PutUint64(word[:], id)
		buf = append(buf, word[:]...)
	}

	binary.BigEndian.PutUint32(count[:], uint32(len(otherIDs)))
	buf = append(buf, count[:]...)
	for _, id := range otherIDs {
		binary.BigEndian.PutUint64(word[:], id.Owner)
		buf = append(buf, word[:]...)
		binary.BigEndian.PutUint64(word[:], id.SequenceNumber)
		buf = append(buf, word[:]...)
	}

	return buf
}
