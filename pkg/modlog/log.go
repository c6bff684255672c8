package modlog

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/speedexgo/speedex/pkg/trie"
)

// KeyLen is the fixed 8-byte big-endian account-id key length.
const KeyLen = 8

type metadata struct{ Size int64 }

func (m metadata) Add(other trie.Metadata) trie.Metadata {
	return metadata{Size: m.Size + other.(metadata).Size}
}

func (m metadata) Sub(other trie.Metadata) trie.Metadata {
	return metadata{Size: m.Size - other.(metadata).Size}
}

var zeroMetadata = metadata{}

func metadataOf(trie.Value) trie.Metadata { return metadata{Size: 1} }

func keyOf(owner uint64) []byte {
	var buf [KeyLen]byte
	binary.BigEndian.PutUint64(buf[:], owner)
	return buf[:]
}

// Log is the per-block account modification log: one Entry per account
// touched, keyed by account id, merged as modifications accumulate over
// the course of producing or validating a block.
type Log struct {
	mu   sync.Mutex
	trie *trie.Trie
}

// New constructs an empty log.
func New() *Log {
	return &Log{trie: trie.New(KeyLen, metadataOf, zeroMetadata)}
}

func (l *Log) insert(owner uint64, delta *Entry, rollback bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Insert(keyOf(owner), delta, MergeFn, rollback)
}

// AddIdentifierSelf records that owner's own offer with sequence number
// seq cleared during this block.
func (l *Log) AddIdentifierSelf(owner, seq uint64, rollback bool) error {
	return l.insert(owner, NewSelfIDEntry(owner, seq), rollback)
}

// AddIdentifierOther records that a transaction identified by id touched
// owner's account (e.g. as the counterparty on a trade).
func (l *Log) AddIdentifierOther(owner uint64, id TxIdentifier, rollback bool) error {
	return l.insert(owner, NewOtherIDEntry(owner, id), rollback)
}

// AddTxSelf records that owner itself submitted tx in this block.
func (l *Log) AddTxSelf(owner uint64, tx SignedTransaction, rollback bool) error {
	return l.insert(owner, NewSelfTxEntry(owner, tx), rollback)
}

// Get returns the accumulated entry for owner, if any.
func (l *Log) Get(owner uint64) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.trie.Get(keyOf(owner))
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// NumAccounts reports how many distinct accounts this log has an entry
// for.
func (l *Log) NumAccounts() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Size()
}

// Hash returns the Merkle root over every account's entry, the value a
// block header commits to as its modification-log hash.
func (l *Log) Hash() [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Hash()
}

// DoRollback undoes every rollback-marked insert made since the last
// ClearRollback, restoring the log to the state before a failed or
// abandoned block attempt.
func (l *Log) DoRollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trie.DoRollback()
}

// ClearRollback discards rollback markers once a block has committed.
func (l *Log) ClearRollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trie.ClearRollback()
}

// Reset empties the log for reuse on the next block.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trie = trie.New(KeyLen, metadataOf, zeroMetadata)
}

// Serialize writes the per-block account-modification log file
// (spec.md §6): every account's entry, in ascending account-id order,
// each prefixed by its byte length.
func (l *Log) Serialize() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	owners := make([]uint64, 0, l.trie.Size())
	l.trie.ApplyGeqKey(keyOf(0), func(key []byte, v trie.Value) {
		owners = append(owners, binary.BigEndian.Uint64(key))
	})
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	buf := make([]byte, 0, 256)
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(owners)))
	buf = append(buf, count[:]...)
	for _, owner := range owners {
		v, ok := l.trie.Get(keyOf(owner))
		if !ok {
			continue
		}
		eb := v.(*Entry).Bytes()
		var elen [4]byte
		binary.BigEndian.PutUint32(elen[:], uint32(len(eb)))
		buf = append(buf, elen[:]...)
		buf = append(buf, eb...)
	}
	return buf
}
