// Package speedex wires the orderbook manager, LP solver, tâtonnement
// oracle, modification log and header-hash map into the block lifecycle
// state machine spec.md §5 describes: produce a block from whatever
// offers are resting, or validate one a peer proposed, with every
// tentative change backed out on failure (spec.md §5, grounded on
// orig:speedex/speedex_operation.cc speedex_block_creation_logic).
package speedex

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/speedexgo/speedex/internal/config"
	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/headerhash"
	"github.com/speedexgo/speedex/pkg/lpsolver"
	"github.com/speedexgo/speedex/pkg/metrics"
	"github.com/speedexgo/speedex/pkg/modlog"
	"github.com/speedexgo/speedex/pkg/orderbook"
	"github.com/speedexgo/speedex/pkg/price"
	"github.com/speedexgo/speedex/pkg/tatonnement"
)

// noopClear discards the per-offer settlement callback ProcessClearOffers
// and TentativeClearOffersForValidation want. Crediting/debiting account
// balances belongs to the Ledger collaborator and is explicitly out of
// scope here (spec.md §1 Non-goals).
func noopClear(orderbook.Offer, int64, int64) {}

// Engine drives one replica's block lifecycle: propose the next block
// from resting offers, or validate a block a peer proposed, keeping its
// collaborators' tentative state consistent via AutoRollbackScope.
type Engine struct {
	manager   *orderbook.Manager
	solver    *lpsolver.Solver
	oracle    *tatonnement.Oracle
	log       *modlog.Log
	headerMap *headerhash.Map
	ledger    Ledger
	metrics   *metrics.Registry

	tatonnementCfg config.TatonnementConfig
	clearingCfg    config.ClearingConfig

	last                   block.Block
	lastAchievedSmoothMult uint8
}

// New constructs an Engine over its collaborators, starting from genesis
// (the block this replica last committed, or the zero-value Block if
// starting fresh).
func New(
	manager *orderbook.Manager,
	solver *lpsolver.Solver,
	oracle *tatonnement.Oracle,
	log *modlog.Log,
	headerMap *headerhash.Map,
	ledger Ledger,
	cfg config.Config,
	reg *metrics.Registry,
	genesis block.Block,
) *Engine {
	return &Engine{
		manager:        manager,
		solver:         solver,
		oracle:         oracle,
		log:            log,
		headerMap:      headerMap,
		ledger:         ledger,
		metrics:        reg,
		tatonnementCfg: cfg.Tatonnement,
		clearingCfg:    cfg.Clearing,
		last:           genesis,
	}
}

// LastBlock returns the most recently committed block.
func (e *Engine) LastBlock() block.Block {
	return e.last
}

// LastAchievedSmoothMult returns the tightest smooth_mult the last
// produced block's clearing volumes would still have supported -
// diagnostic feedback for tuning future rounds' SmoothMult, mirroring
// the original's rolling_averages update after each block
// (orig:speedex/speedex_operation.cc get_max_feasible_smooth_mult call).
func (e *Engine) LastAchievedSmoothMult() uint8 {
	return e.lastAchievedSmoothMult
}

// ResetTo forces the engine's notion of the last committed block to b,
// for a caller (pkg/vm's rewind_to_last_commit) discarding tentatively
// committed rounds that were never durably persisted.
func (e *Engine) ResetTo(b block.Block) {
	e.last = b
}

// approximationParams builds the LP/tâtonnement knobs every stage of
// block production shares.
func (e *Engine) approximationParams() lpsolver.ApproximationParameters {
	return lpsolver.ApproximationParameters{
		SmoothMult: e.clearingCfg.SmoothMult,
		TaxRate:    e.clearingCfg.TaxRate,
	}
}

// startingPrices seeds a round's search from the previous block's
// settled prices, or One for every asset if there is no prior block.
func (e *Engine) startingPrices() []price.Price {
	numAssets := int(e.manager.NumAssets())
	prices := make([]price.Price, numAssets)
	for i := range prices {
		prices[i] = price.One
	}
	copy(prices, e.last.Prices)
	return prices
}

// checkClearing mirrors tatonnement.checkClearing: after taxRate is
// applied, every asset's demand must no longer exceed its supply. This is
// the final sanity check speedex_operation.cc runs on the LP solver's
// output before committing to it (orig:speedex/speedex_operation.cc,
// orig:price_computation/lp_solver.cc LPSolver::check_clearing).
func checkClearing(demands, supplies []price.U128, taxRate uint8) bool {
	const valueRadix = price.Radix + price.FractionalRadix
	for i := range demands {
		d := demands[i].ToDouble(valueRadix)
		taxed := d - d/math.Exp2(float64(taxRate))
		if taxed > supplies[i].ToDouble(valueRadix) {
			return false
		}
	}
	return true
}

// ProduceBlock runs one full round of block production: commit resting
// offers, search for clearing prices, solve the trade-maximization LP,
// clear every orderbook against the solution, and assemble the resulting
// block header. Every tentative change is rolled back if any stage fails
// (spec.md §5 propose, grounded on orig:speedex/speedex_operation.cc
// speedex_block_creation_logic).
func (e *Engine) ProduceBlock(ctx context.Context) (block.Block, error) {
	blockNumber := e.last.BlockNumber + 1
	scope := newAutoRollbackScope(blockNumber, e.ledger, e.manager, e.log, e.headerMap)
	committed := false
	defer func() {
		if !committed {
			scope.Rollback()
			if e.metrics != nil {
				e.metrics.BlocksRolledBack.Inc()
			}
		}
	}()

	if err := e.ledger.CommitForProduction(blockNumber); err != nil {
		return block.Block{}, newError(Transient, "ProduceBlock", fmt.Errorf("commit ledger: %w", err))
	}
	if err := e.manager.CommitForProduction(blockNumber); err != nil {
		return block.Block{}, newError(InternalInvariant, "ProduceBlock", fmt.Errorf("commit orderbooks: %w", err))
	}

	approx := e.approximationParams()

	tctx, cancel := context.WithTimeout(ctx, e.tatonnementCfg.QueryTimeout)
	prices, measurements := e.oracle.ComputePricesGridSearch(tctx, e.startingPrices(), approx)
	cancel()
	if e.metrics != nil {
		e.metrics.TatonnementRounds.Observe(float64(measurements.NumRounds))
	}

	clearingParams, err := e.solver.Solve(prices, approx)
	if err != nil {
		return block.Block{}, newError(ResourceExhausted, "ProduceBlock", fmt.Errorf("solve LP: %w", err))
	}

	numAssets := int(e.manager.NumAssets())
	finalDemands := make([]price.U128, numAssets)
	finalSupplies := make([]price.U128, numAssets)
	e.manager.CalculateDemandsAndSuppliesTimesPrices(prices, finalDemands, finalSupplies, 0)
	if !checkClearing(finalDemands, finalSupplies, clearingParams.TaxRate) {
		return block.Block{}, newError(InternalInvariant, "ProduceBlock", fmt.Errorf("LP solution does not clear at tax rate %d", clearingParams.TaxRate))
	}

	supplyActivated := make(map[orderbook.Category]price.FractionalAsset, len(clearingParams.OrderbookParams))
	intSupplyActivated := make(map[orderbook.Category]int64, len(clearingParams.OrderbookParams))
	for _, op := range clearingParams.OrderbookParams {
		supplyActivated[op.Category] = op.SupplyActivated
		intSupplyActivated[op.Category] = op.SupplyActivated.Floor()
	}

	clearStart := time.Now()
	details, err := e.manager.ClearOffersForProduction(blockNumber, supplyActivated, prices, clearingParams.TaxRate, noopClear)
	if e.metrics != nil {
		e.metrics.BlockClearingDuration.Observe(time.Since(clearStart).Seconds())
	}
	if err != nil {
		return block.Block{}, newError(InternalInvariant, "ProduceBlock", fmt.Errorf("clear offers: %w", err))
	}
	e.oracle.UpdateVolumeStats(supplyActivated, prices)

	e.lastAchievedSmoothMult = e.manager.GetMaxFeasibleSmoothMult(intSupplyActivated, prices)

	hashStart := time.Now()
	clearingHashes := e.manager.Hash()
	if e.metrics != nil {
		e.metrics.TrieHashDuration.Observe(time.Since(hashStart).Seconds())
	}

	commitments := make([]block.SingleOrderbookStateCommitment, len(details))
	for i, op := range clearingParams.OrderbookParams {
		d := details[i]
		commitments[i] = block.SingleOrderbookStateCommitment{
			RootHash:                         block.Hash(clearingHashes[i]),
			FractionalSupplyActivated:        op.SupplyActivated.Raw(),
			PartialExecOfferActivationAmount: d.ActivationAmount.Raw(),
			PartialExecThresholdKey:          d.ThresholdKey,
			ThresholdKeyIsNull:               d.ThresholdKey == (orderbook.Key{}),
		}
	}

	newBlock := block.Block{
		PrevBlockHash: e.last.ComputeHash(),
		BlockNumber:   blockNumber,
		Prices:        prices,
		FeeRate:       clearingParams.TaxRate,
		Internal: block.InternalHashes{
			DBHash:              block.Hash(e.ledger.Hash()),
			ClearingDetails:     commitments,
			ModificationLogHash: block.Hash(e.log.Hash()),
			BlockMapHash:        block.Hash(e.headerMap.Hash()),
		},
	}

	newHash := newBlock.ComputeHash()
	if err := e.headerMap.Insert(blockNumber, newHash); err != nil {
		return block.Block{}, newError(InternalInvariant, "ProduceBlock", fmt.Errorf("insert header map: %w", err))
	}

	scope.FinalizeCommit()
	committed = true
	e.last = newBlock

	if e.metrics != nil {
		e.metrics.BlocksProduced.Inc()
		e.metrics.OpenOffers.Set(float64(e.manager.NumOpenOffers()))
	}

	return newBlock, nil
}

// ValidateBlock replays a peer's proposed block against this replica's
// own state and reports whether every recomputed hash matches what the
// proposer claimed. A false result with a nil error means the block
// itself is invalid (spec.md §1 Non-goals "byzantine fault tolerance" -
// the caller decides what a rejected block means for consensus, this
// only reports whether it's internally consistent); a non-nil error
// means this replica could not even attempt the replay.
func (e *Engine) ValidateBlock(ctx context.Context, proposed block.Block) (bool, error) {
	if proposed.BlockNumber != e.last.BlockNumber+1 {
		return false, nil
	}
	if proposed.PrevBlockHash != e.last.ComputeHash() {
		return false, nil
	}

	blockNumber := proposed.BlockNumber
	scope := newAutoRollbackScope(blockNumber, e.ledger, e.manager, e.log, e.headerMap)
	committed := false
	defer func() {
		if !committed {
			scope.Rollback()
			if e.metrics != nil {
				e.metrics.BlocksRolledBack.Inc()
			}
		}
	}()

	if err := e.ledger.CommitForProduction(blockNumber); err != nil {
		return false, newError(Transient, "ValidateBlock", fmt.Errorf("commit ledger: %w", err))
	}
	if err := e.manager.CommitForValidation(blockNumber); err != nil {
		return false, newError(InternalInvariant, "ValidateBlock", fmt.Errorf("commit orderbooks: %w", err))
	}

	details := make([]orderbook.ClearingDetail, len(proposed.Internal.ClearingDetails))
	for i, d := range proposed.Internal.ClearingDetails {
		details[i] = orderbook.ClearingDetail{
			ThresholdKey:     d.PartialExecThresholdKey,
			ActivationAmount: price.FractionalAssetFromRaw(d.PartialExecOfferActivationAmount),
		}
	}

	totalActivated, ok, err := e.manager.TentativeClearOffersForValidation(blockNumber, details, proposed.Prices, proposed.FeeRate, noopClear)
	if err != nil {
		return false, newError(InternalInvariant, "ValidateBlock", fmt.Errorf("tentative clear: %w", err))
	}
	if !ok {
		return false, nil
	}
	numAssets := e.manager.NumAssets()
	supplyActivated := make(map[orderbook.Category]price.FractionalAsset, len(proposed.Internal.ClearingDetails))
	for i, d := range proposed.Internal.ClearingDetails {
		claimed := price.FractionalAssetFromRaw(d.FractionalSupplyActivated)
		if totalActivated[i].Cmp(claimed) != 0 {
			return false, nil
		}
		supplyActivated[orderbook.IndexToCategory(i, numAssets)] = claimed
	}

	clearingHashes := e.manager.Hash()
	commitments := make([]block.SingleOrderbookStateCommitment, len(proposed.Internal.ClearingDetails))
	copy(commitments, proposed.Internal.ClearingDetails)
	for i, h := range clearingHashes {
		commitments[i].RootHash = block.Hash(h)
	}

	recomputed := block.Block{
		PrevBlockHash: proposed.PrevBlockHash,
		BlockNumber:   proposed.BlockNumber,
		Prices:        proposed.Prices,
		FeeRate:       proposed.FeeRate,
		Internal: block.InternalHashes{
			DBHash:              block.Hash(e.ledger.Hash()),
			ClearingDetails:     commitments,
			ModificationLogHash: block.Hash(e.log.Hash()),
			BlockMapHash:        block.Hash(e.headerMap.Hash()),
		},
	}

	proposedHash := proposed.ComputeHash()
	if recomputed.ComputeHash() != proposedHash {
		return false, nil
	}

	if err := e.headerMap.Insert(blockNumber, proposedHash); err != nil {
		return false, newError(InternalInvariant, "ValidateBlock", fmt.Errorf("insert header map: %w", err))
	}
	e.oracle.UpdateVolumeStats(supplyActivated, proposed.Prices)

	scope.FinalizeCommit()
	committed = true
	e.last = proposed

	if e.metrics != nil {
		e.metrics.BlocksProduced.Inc()
		e.metrics.OpenOffers.Set(float64(e.manager.NumOpenOffers()))
	}

	return true, nil
}
