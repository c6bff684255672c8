package speedex

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/headerhash"
	"github.com/speedexgo/speedex/pkg/modlog"
	"github.com/speedexgo/speedex/pkg/orderbook"
)

// Ledger is the account-balance collaborator's seam: SPEEDEX commits to
// its root hash as part of the block header but never touches its
// arithmetic (spec.md §1 Non-goals "user-account balance arithmetic
// details"). pkg/ledger is the concrete implementation this exchange
// wires up.
type Ledger interface {
	Hash() [32]byte
	CommitForProduction(blockNumber uint64) error
	RollbackThunks(blockNumber uint64) error

	// PersistBlock durably records b as the last finalized block, so a
	// later LastCommittedBlock call (after a restart, or a VM-level
	// rewind) can recover it.
	PersistBlock(b block.Block) error

	// LastCommittedBlock returns the most recently persisted block
	// header, for a replica resuming after a restart. ok is false on a
	// replica that has never persisted anything (spec.md §4.8 "on
	// startup, each KV reports its persisted round").
	LastCommittedBlock() (block.Block, bool, error)
}

// AutoRollbackScope composes every subsystem's tentative-change guard in
// the dependency order destructors would have run in the original: the
// account-modification-log guard constructed last so it is released
// first, since rolling back the database consults the log's contents
// before it is itself cleared (orig:speedex/autorollback_validation_structures.h
// SpeedexManagementStructuresAutoRollback).
//
// Go has no destructors, so the caller is responsible for calling exactly
// one of Rollback or FinalizeCommit before the scope goes out of use -
// typically via a defer that checks whether FinalizeCommit already ran.
type AutoRollbackScope struct {
	blockNumber uint64
	ledger      Ledger
	manager     *orderbook.Manager
	log         *modlog.Log
	headerMap   *headerhash.Map

	committed bool
}

// newAutoRollbackScope opens a new scope for the block about to be
// produced or validated.
func newAutoRollbackScope(blockNumber uint64, ledger Ledger, manager *orderbook.Manager, log *modlog.Log, headerMap *headerhash.Map) *AutoRollbackScope {
	return &AutoRollbackScope{
		blockNumber: blockNumber,
		ledger:      ledger,
		manager:     manager,
		log:         log,
		headerMap:   headerMap,
	}
}

// Rollback undoes every tentative change this scope's block made, in
// reverse construction order (log first, then orderbooks, then ledger,
// then the header-hash map). It is a no-op once FinalizeCommit has run.
func (s *AutoRollbackScope) Rollback() error {
	if s.committed {
		return nil
	}
	var err error
	s.log.DoRollback()
	if rbErr := s.manager.RollbackThunks(s.blockNumber); rbErr != nil {
		err = multierr.Append(err, fmt.Errorf("rollback orderbook manager: %w", rbErr))
	}
	if rbErr := s.ledger.RollbackThunks(s.blockNumber); rbErr != nil {
		err = multierr.Append(err, fmt.Errorf("rollback ledger: %w", rbErr))
	}
	if s.blockNumber > 0 {
		if rbErr := s.headerMap.RollbackToCommittedRound(s.blockNumber - 1); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("rollback header-hash map: %w", rbErr))
		}
	}
	return err
}

// FinalizeCommit marks the scope committed: every subsequent Rollback
// call becomes a no-op, and the modification log's rollback-tracking
// state is cleared since the block's changes are now permanent.
func (s *AutoRollbackScope) FinalizeCommit() {
	s.committed = true
	s.log.ClearRollback()
}
