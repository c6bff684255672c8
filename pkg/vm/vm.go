// Package vm is the thin dynamic-dispatch seam a consensus collaborator
// drives: propose a block, validate one a peer proposed, durably commit
// it, or rewind to the last durable commit, without knowing anything
// about orderbooks, tâtonnement or LP solving (spec.md §9 "Dynamic
// dispatch", grounded on pkg/consensus/pacemaker.go's AppHook - that
// interface's PreparePayload/OnCommit cover the same seam at the
// teacher's narrower single-round-trip granularity; VM exposes the
// fuller propose/try_parse/exec_block/log_commitment/rewind_to_last_commit
// /init_clean/init_from_disk lifecycle spec.md asks for instead).
package vm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/speedexgo/speedex/internal/config"
	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/headerhash"
	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/metrics"
	"github.com/speedexgo/speedex/pkg/modlog"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/speedex"
	"github.com/speedexgo/speedex/pkg/tatonnement"
)

// Dependencies bundles every already-constructed collaborator VM wires
// into a *speedex.Engine on InitClean/InitFromDisk. Callers build these
// once at process startup; VM never constructs them itself. Logger is
// optional - a nil logger just means LogCommitment/RewindToLastCommit
// stay quiet.
type Dependencies struct {
	Manager *orderbook.Manager
	Solver  *lpsolver.Solver
	Oracle  *tatonnement.Oracle
	Log     *modlog.Log
	Ledger  speedex.Ledger
	Config  config.Config
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// LogAccess is the opaque "how to reach persisted state" handle spec.md's
// dynamic-dispatch note passes to init_from_disk: the shared KV store
// every orderbook and the header-hash map were last persisted to.
type LogAccess struct {
	Store *kv.Store
}

// VM is the replica-local state machine a consensus collaborator drives
// through one block at a time. It owns nothing consensus itself needs
// (views, votes, quorum certificates - explicitly out of scope per
// spec.md §1 Non-goals); it only proposes, validates, commits and
// rewinds blocks against its Dependencies.
type VM struct {
	deps Dependencies

	engine    *speedex.Engine
	headerMap *headerhash.Map
	headerEnv *kv.Environment
}

// New constructs a VM over deps. Call InitClean or InitFromDisk exactly
// once before driving it.
func New(deps Dependencies) *VM {
	return &VM{deps: deps}
}

// InitClean starts the VM from an empty block history and an empty
// ledger, for a replica joining a fresh network (spec.md §9 init_clean).
func (vm *VM) InitClean(store *kv.Store) error {
	vm.headerEnv = store.Environment("headerhash")
	vm.headerMap = headerhash.New(vm.headerEnv)
	vm.deps.Manager.AttachEnvs(store)

	vm.engine = speedex.New(
		vm.deps.Manager, vm.deps.Solver, vm.deps.Oracle, vm.deps.Log,
		vm.headerMap, vm.deps.Ledger, vm.deps.Config, vm.deps.Metrics,
		block.Block{},
	)
	return nil
}

// InitFromDisk reconstructs the VM's state from access, for a replica
// resuming after a restart: the header-hash map and every orderbook
// reload their persisted contents, and the engine resumes from whatever
// block the ledger last durably committed (spec.md §9
// init_from_disk(log_access), §4.8 "on startup... replay").
func (vm *VM) InitFromDisk(access LogAccess) error {
	vm.headerEnv = access.Store.Environment("headerhash")
	headerMap, err := headerhash.LoadFromDisk(vm.headerEnv)
	if err != nil {
		return fmt.Errorf("vm: loading header-hash map: %w", err)
	}
	vm.headerMap = headerMap

	vm.deps.Manager.AttachEnvs(access.Store)
	if err := vm.deps.Manager.LoadFromDisk(); err != nil {
		return fmt.Errorf("vm: loading orderbooks: %w", err)
	}

	last, ok, err := vm.deps.Ledger.LastCommittedBlock()
	if err != nil {
		return fmt.Errorf("vm: loading last committed block: %w", err)
	}
	if !ok {
		last = block.Block{}
	}

	vm.engine = speedex.New(
		vm.deps.Manager, vm.deps.Solver, vm.deps.Oracle, vm.deps.Log,
		vm.headerMap, vm.deps.Ledger, vm.deps.Config, vm.deps.Metrics,
		last,
	)
	return nil
}

// Propose produces the next block from whatever offers are resting
// (spec.md §9 propose).
func (vm *VM) Propose(ctx context.Context) (block.Block, error) {
	return vm.engine.ProduceBlock(ctx)
}

// TryParse decodes a block from its wire encoding, returning ok=false
// instead of an error on any malformed input - the Go shape of spec.md's
// try_parse(bytes) -> Option<Block>.
func (vm *VM) TryParse(data []byte) (b block.Block, ok bool) {
	b, err := block.Parse(data)
	if err != nil {
		return block.Block{}, false
	}
	return b, true
}

// ExecBlock tentatively validates a peer-proposed block, leaving every
// collaborator's state exactly as if the block had been produced locally
// when it returns true (spec.md §9 exec_block).
func (vm *VM) ExecBlock(ctx context.Context, proposed block.Block) (bool, error) {
	return vm.engine.ValidateBlock(ctx, proposed)
}

// LogCommitment durably persists committed (every orderbook's state, the
// header-hash map, and the block itself) - the lifecycle's final
// "persist" step, run only once consensus has told this replica
// committed is final (spec.md §9 log_commitment(id), §4.7
// "...finalize / persist"). Each call gets its own correlation id,
// present only in the log line below and never in persisted or
// consensus-visible data, so a slow or stuck persist can be traced back
// to the block that triggered it.
func (vm *VM) LogCommitment(committed block.Block) error {
	cid := uuid.New().String()
	if err := vm.deps.Manager.Persist(committed.BlockNumber); err != nil {
		return fmt.Errorf("vm: persisting orderbooks: %w", err)
	}
	if err := vm.headerMap.Persist(committed.BlockNumber); err != nil {
		return fmt.Errorf("vm: persisting header-hash map: %w", err)
	}
	if err := vm.deps.Ledger.PersistBlock(committed); err != nil {
		return fmt.Errorf("vm: persisting block: %w", err)
	}
	if vm.deps.Metrics != nil {
		round := float64(committed.BlockNumber)
		vm.deps.Metrics.PersistedRound.WithLabelValues("orderbook").Set(round)
		vm.deps.Metrics.PersistedRound.WithLabelValues("headerhash").Set(round)
		vm.deps.Metrics.PersistedRound.WithLabelValues("ledger").Set(round)
	}
	if vm.deps.Logger != nil {
		vm.deps.Logger.Info("log_commitment",
			zap.String("correlation_id", cid),
			zap.Uint64("block_number", committed.BlockNumber))
	}
	return nil
}

// RewindToLastCommit discards every tentatively committed round beyond
// the last one this replica durably persisted, for a consensus
// collaborator abandoning blocks that were executed optimistically ahead
// of finality (spec.md §9 rewind_to_last_commit).
func (vm *VM) RewindToLastCommit() error {
	cid := uuid.New().String()
	persisted, err := vm.headerEnv.PersistedRound()
	if err != nil {
		if err != kv.ErrNotFound {
			return fmt.Errorf("vm: reading persisted round: %w", err)
		}
		persisted = 0
	}

	if err := vm.deps.Manager.RollbackThunks(persisted); err != nil {
		return fmt.Errorf("vm: rolling back orderbooks: %w", err)
	}
	if err := vm.headerMap.RollbackToCommittedRound(persisted); err != nil {
		return fmt.Errorf("vm: rolling back header-hash map: %w", err)
	}
	if err := vm.deps.Ledger.RollbackThunks(persisted); err != nil {
		return fmt.Errorf("vm: rolling back ledger: %w", err)
	}

	last, ok, err := vm.deps.Ledger.LastCommittedBlock()
	if err != nil {
		return fmt.Errorf("vm: loading last committed block: %w", err)
	}
	if !ok {
		last = block.Block{}
	}
	vm.engine.ResetTo(last)
	if vm.deps.Logger != nil {
		vm.deps.Logger.Info("rewind_to_last_commit",
			zap.String("correlation_id", cid),
			zap.Uint64("restored_block_number", last.BlockNumber))
	}
	return nil
}

// LastBlock returns the block the engine last committed, for a caller
// that needs the current head without going through the consensus
// collaborator (e.g. an RPC status endpoint).
func (vm *VM) LastBlock() block.Block {
	return vm.engine.LastBlock()
}
