// Package ledger provides the concrete speedex.Ledger this exchange
// wires up: a KV-persisted commitment to "whatever the account-balance
// collaborator's state looked like" plus durable recovery of the last
// finalized block across restarts. It deliberately carries none of the
// actual balance arithmetic (spec.md §1 Non-goals "user-account balance
// arithmetic details") - only the commit/rollback/persist shape every
// other collaborator in this package already exposes, grounded on
// pkg/headerhash.Map's same tentative-state-then-commit pattern.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/kv"
)

// lastBlockKey is the single key this environment ever writes outside of
// the reserved round marker: the most recently persisted block's bytes.
var lastBlockKey = []byte{0x01}

// Ledger tracks a running content hash over committed block numbers and
// persists the last finalized block, standing in for the account-balance
// database's root commitment and recovery surface.
type Ledger struct {
	mu  sync.RWMutex
	env *kv.Environment

	durable block.Hash

	tentative      block.Hash
	tentativeSet   bool
	tentativeBlock uint64

	last     block.Block
	haveLast bool
}

// New constructs an empty Ledger backed by env.
func New(env *kv.Environment) *Ledger {
	return &Ledger{env: env}
}

// LoadFromDisk reconstructs a Ledger from whatever block was last
// persisted to env, or an empty one if nothing has ever been persisted.
func LoadFromDisk(env *kv.Environment) (*Ledger, error) {
	l := New(env)

	data, err := env.Get(lastBlockKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return l, nil
		}
		return nil, err
	}
	b, err := block.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt persisted block: %w", err)
	}
	l.last = b
	l.haveLast = true
	l.durable = hashOf(block.Hash{}, b.BlockNumber)
	return l, nil
}

func hashOf(prev block.Hash, blockNumber uint64) block.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blockNumber)
	h := blake2b.Sum256(append(append([]byte{}, prev[:]...), buf[:]...))
	return block.Hash(h)
}

// Hash returns the current commitment: the tentative one staged by
// CommitForProduction if a round is in flight, else the last durably
// persisted one.
func (l *Ledger) Hash() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.tentativeSet {
		return [32]byte(l.tentative)
	}
	return [32]byte(l.durable)
}

// CommitForProduction stages the commitment blockNumber's round would
// produce, mirroring every other collaborator's CommitForProduction.
func (l *Ledger) CommitForProduction(blockNumber uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tentative = hashOf(l.durable, blockNumber)
	l.tentativeSet = true
	l.tentativeBlock = blockNumber
	return nil
}

// RollbackThunks discards a staged commitment for blockNumber, for
// AutoRollbackScope undoing a block attempt that never finalized.
func (l *Ledger) RollbackThunks(blockNumber uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tentativeSet && l.tentativeBlock == blockNumber {
		l.tentativeSet = false
	}
	return nil
}

// PersistBlock durably records b as the last finalized block: its staged
// commitment (if it matches b's number) becomes durable, and its bytes
// are written to env under the block's number as the persisted round.
func (l *Ledger) PersistBlock(b block.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tentativeSet && l.tentativeBlock == b.BlockNumber {
		l.durable = l.tentative
	} else {
		l.durable = hashOf(l.durable, b.BlockNumber)
	}
	l.tentativeSet = false

	wtxn := l.env.BeginWrite()
	if err := wtxn.Put(lastBlockKey, b.Bytes()); err != nil {
		return fmt.Errorf("ledger: stage block: %w", err)
	}
	if err := wtxn.CommitWtxn(b.BlockNumber); err != nil {
		return fmt.Errorf("ledger: commit block: %w", err)
	}

	l.last = b
	l.haveLast = true
	return nil
}

// LastCommittedBlock returns the most recently persisted block, or
// ok=false if nothing has ever been persisted to this environment.
func (l *Ledger) LastCommittedBlock() (block.Block, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.haveLast, nil
}
