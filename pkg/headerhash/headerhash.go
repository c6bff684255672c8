// Package headerhash implements the block header hash map: a small trie
// from block number to block hash, KV-persisted so a restarted replica can
// recover which hash it committed to for each round (spec.md §6, grounded
// on the original's block_header_hash_map).
package headerhash

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/trie"
)

// KeyLen is the fixed 8-byte big-endian block-number key length.
const KeyLen = 8

type hashValue block.Hash

func (h hashValue) Bytes() []byte { return h[:] }

type metadata struct{ Size int64 }

func (m metadata) Add(other trie.Metadata) trie.Metadata {
	return metadata{Size: m.Size + other.(metadata).Size}
}

func (m metadata) Sub(other trie.Metadata) trie.Metadata {
	return metadata{Size: m.Size - other.(metadata).Size}
}

var zeroMetadata = metadata{}

func metadataOf(trie.Value) trie.Metadata { return metadata{Size: 1} }

func rejectCollision(existing, incoming trie.Value) (trie.Value, error) {
	return nil, fmt.Errorf("headerhash: block number already recorded")
}

func keyOf(blockNumber uint64) []byte {
	var buf [KeyLen]byte
	binary.BigEndian.PutUint64(buf[:], blockNumber)
	return buf[:]
}

// Map stores block number -> block hash. After committing block N, it
// holds hashes for rounds 1 through N inclusive.
type Map struct {
	mu sync.RWMutex

	trie *trie.Trie
	env  *kv.Environment

	lastCommittedBlockNumber uint64
}

// New constructs an empty map backed by env.
func New(env *kv.Environment) *Map {
	return &Map{
		trie: trie.New(KeyLen, metadataOf, zeroMetadata),
		env:  env,
	}
}

// Insert records blockNumber's hash. blockNumber must be exactly one past
// the last committed block number; block 0 (the genesis block) is never
// inserted.
func (m *Map) Insert(blockNumber uint64, hash block.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if blockNumber == 0 {
		return fmt.Errorf("headerhash: refuses to insert the genesis block")
	}
	if blockNumber != m.lastCommittedBlockNumber+1 {
		return fmt.Errorf("headerhash: inserting block %d out of sequence (expected %d)", blockNumber, m.lastCommittedBlockNumber+1)
	}
	if err := m.trie.Insert(keyOf(blockNumber), hashValue(hash), rejectCollision, false); err != nil {
		return err
	}
	m.lastCommittedBlockNumber = blockNumber
	return nil
}

// Get returns the hash recorded for blockNumber, or ok=false if absent.
func (m *Map) Get(blockNumber uint64) (block.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.trie.Get(keyOf(blockNumber))
	if !ok {
		return block.Hash{}, false
	}
	return block.Hash(v.(hashValue)), true
}

// Hash returns the Merkle root of the whole map.
func (m *Map) Hash() [32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trie.Hash()
}

// RollbackToCommittedRound deletes every entry above committedBlockNumber,
// for a reorg discarding blocks this replica had tentatively committed but
// never persisted.
func (m *Map) RollbackToCommittedRound(committedBlockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	persisted, err := m.env.PersistedRound()
	if err != nil && err != kv.ErrNotFound {
		return err
	}
	if err == nil && committedBlockNumber < persisted {
		return fmt.Errorf("headerhash: can't roll back below persisted round %d", persisted)
	}
	for i := committedBlockNumber + 1; i <= m.lastCommittedBlockNumber; i++ {
		if _, ok := m.trie.Delete(keyOf(i)); !ok {
			return fmt.Errorf("headerhash: missing entry for block %d during rollback", i)
		}
	}
	m.lastCommittedBlockNumber = committedBlockNumber
	return nil
}

// Persist writes every hash from the environment's last persisted round
// through currentBlockNumber (inclusive) in one atomic write transaction,
// mirroring the original's redundant re-write of the already-persisted
// round (harmless - same value, same key).
func (m *Map) Persist(currentBlockNumber uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	persisted, err := m.env.PersistedRound()
	if err != nil {
		if err != kv.ErrNotFound {
			return err
		}
		persisted = 0
	}

	wtxn := m.env.BeginWrite()
	for i := persisted; i <= currentBlockNumber; i++ {
		if i == 0 {
			continue
		}
		v, ok := m.trie.Get(keyOf(i))
		if !ok {
			return fmt.Errorf("headerhash: missing hash for block %d during persist", i)
		}
		if err := wtxn.Put(keyOf(i), v.(hashValue).Bytes()); err != nil {
			return err
		}
	}
	return wtxn.CommitWtxn(currentBlockNumber)
}

// LoadFromDisk replays every persisted (block number, hash) pair from env
// into a freshly constructed in-memory map.
func LoadFromDisk(env *kv.Environment) (*Map, error) {
	m := New(env)

	persisted, err := env.PersistedRound()
	if err != nil {
		if err == kv.ErrNotFound {
			return m, nil
		}
		return nil, err
	}

	for i := uint64(1); i <= persisted; i++ {
		v, err := env.Get(keyOf(i))
		if err != nil {
			return nil, fmt.Errorf("headerhash: loading block %d: %w", i, err)
		}
		if len(v) != 32 {
			return nil, fmt.Errorf("headerhash: corrupt hash for block %d (len %d)", i, len(v))
		}
		var h block.Hash
		copy(h[:], v)
		if err := m.trie.Insert(keyOf(i), hashValue(h), rejectCollision, false); err != nil {
			return nil, err
		}
	}
	m.lastCommittedBlockNumber = persisted
	return m, nil
}
