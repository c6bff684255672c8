// Package trie implements the concurrent radix-16 Merkle-Patricia trie that
// backs orderbooks, the account modification log, and the block-header
// hash index. Keys are fixed-length byte strings; nodes are addressed by
// 4-bit (nibble) chunks, matching spec.md §4.1.
package trie

import (
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Value is anything storable at a trie leaf. Bytes must return the
// canonical serialization fed into the leaf's Merkle hash.
type Value interface {
	Bytes() []byte
}

// Metadata is a commutative summary aggregated up the trie (size, endow,
// deletion/rollback counters, ...). Implementations must make Add/Sub
// associative and commutative so concurrent updates under a shared lock
// are order-independent.
type Metadata interface {
	Add(Metadata) Metadata
	Sub(Metadata) Metadata
}

// InsertFn resolves a collision at an existing leaf: given the value
// already stored and the incoming value, it returns the value to store (or
// an error, e.g. for an orderbook rejecting a duplicate offer id). The same
// function shape backs trie merge's leaf-collision case.
type InsertFn func(existing, incoming Value) (Value, error)

// SideEffectFn is invoked once per leaf removed by PerformMarkedDeletions,
// in top-down traversal order.
type SideEffectFn func(key []byte, value Value)

// Trie is a concurrent, fixed-key-length, radix-16 Merkle-Patricia trie.
// The zero value is not usable; construct with New.
//
// Concurrency model: a single coarse RWMutex guards all structural
// mutation and traversal (spec.md §4.1's "Hash is protected by a coarser
// root-level lock, shared for reads, exclusive for mutation" - applied
// here to every structural operation, not just Hash, since Go's garbage
// collector removes the motivation the original per-node locks had for
// letting concurrent readers walk past an in-flight single-node edit).
// Parallelism across independent subtrees (hashing, batch merge) is still
// real: it happens via goroutines fanned out while the single writer
// holds this lock, which is exactly the "coarse mutex, fine-grained
// internal fan-out" shape spec.md §5 describes for the orderbook manager.
type Trie struct {
	hashMu sync.RWMutex
	root   *node

	keyLenBytes int
	metadataOf  func(Value) Metadata
	zeroMeta    Metadata
}

// New constructs an empty trie over fixed-length keys of keyLenBytes bytes.
// metadataOf computes a leaf's initial metadata contribution from its
// value; zeroMeta is the additive identity for Metadata.Add/Sub.
func New(keyLenBytes int, metadataOf func(Value) Metadata, zeroMeta Metadata) *Trie {
	return &Trie{
		keyLenBytes: keyLenBytes,
		metadataOf:  metadataOf,
		zeroMeta:    zeroMeta,
	}
}

// KeyLenBits is the fixed key length in bits (8 * keyLenBytes).
func (t *Trie) KeyLenBits() int { return t.keyLenBytes * 8 }

// KeyLenNibbles is the fixed key length in nibbles (2 * keyLenBytes).
func (t *Trie) KeyLenNibbles() int { return t.keyLenBytes * 2 }

// Size returns the number of live leaves in the trie (O(1); tracked
// incrementally in node metadata).
func (t *Trie) Size() int64 {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return 0
	}
	return t.root.size
}

// Metadata returns the root's aggregated metadata (zeroMeta if empty).
func (t *Trie) Metadata() Metadata {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return t.zeroMeta
	}
	return t.root.meta
}

func nibbleAt(key []byte, nibbleIdx int) byte {
	b := key[nibbleIdx/2]
	if nibbleIdx%2 == 0 {
		return b >> 4
	}
	return b & 0x0F
}

// node is one trie node. prefix[i] holds the nibble value (0-15) at
// absolute position i from the root; len(prefix) == prefixLen. Leaves have
// prefixLen == full key length in nibbles.
type node struct {
	prefix    []byte
	prefixLen int

	children [16]*node // nil entry => no child in that slot; internal nodes only
	isLeaf   bool
	value    Value

	meta Metadata

	hashValid bool
	hash      [32]byte

	size int64 // number of live leaves under this node (including self if leaf)

	deleted            bool  // leaf-only: marked for lazy deletion
	numDeletedSubnodes int64 // count of marked-deleted leaves under this node

	rollbackMarked      bool  // leaf-only: inserted under a rollback-tracked insert
	numRollbackSubnodes int64 // count of rollback-marked leaves under this node
}

func newLeaf(prefix []byte, value Value, meta Metadata, rollback bool) *node {
	n := &node{
		prefix:    append([]byte(nil), prefix...),
		prefixLen: len(prefix),
		isLeaf:    true,
		value:     value,
		meta:      meta,
		size:      1,
	}
	if rollback {
		n.rollbackMarked = true
		n.numRollbackSubnodes = 1
	}
	return n
}

func newInternal(prefix []byte) *node {
	return &node{
		prefix:    append([]byte(nil), prefix...),
		prefixLen: len(prefix),
	}
}

// invalidateHash clears this node's cached hash. Callers hold t.hashMu.
func (n *node) invalidateHash() {
	n.hashValid = false
}

// recomputeAggregates recalculates meta/size/numDeletedSubnodes/
// numRollbackSubnodes for an internal node from its children. Callers hold
// t.hashMu exclusively and all of n's children must already be up to date.
func (n *node) recomputeAggregates(zero Metadata) {
	if n.isLeaf {
		return
	}
	meta := zero
	var size, deleted, rollback int64
	for _, c := range n.children {
		if c == nil {
			continue
		}
		meta = meta.Add(c.meta)
		size += c.size
		deleted += c.numDeletedSubnodes
		rollback += c.numRollbackSubnodes
	}
	n.meta = meta
	n.size = size
	n.numDeletedSubnodes = deleted
	n.numRollbackSubnodes = rollback
}

// canonicalize absorbs a single remaining child into its parent, preserving
// the invariant that no internal node has exactly one child. Callers hold
// t.hashMu exclusively.
func (n *node) canonicalize() *node {
	if n.isLeaf {
		return n
	}
	var only *node
	count := 0
	for _, c := range n.children {
		if c != nil {
			count++
			only = c
		}
	}
	if count == 1 {
		return only
	}
	if count == 0 {
		return nil
	}
	return n
}

// canonicalHeader builds the header of the canonical node serialization
// from spec.md §4.1: u16 prefix_len_bits || prefix_bytes, to which the
// node's body is appended before hashing.
func canonicalHeader(prefixLenBits int, prefixNibbles []byte) []byte {
	out := make([]byte, 0, 2+((prefixLenBits+7)/8))
	out = append(out, byte(prefixLenBits>>8), byte(prefixLenBits))
	for i := 0; i < len(prefixNibbles); i += 2 {
		hi := prefixNibbles[i] << 4
		var lo byte
		if i+1 < len(prefixNibbles) {
			lo = prefixNibbles[i+1]
		}
		out = append(out, hi|lo)
	}
	return out
}

func blake2b256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
