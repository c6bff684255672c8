package orderbook

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/speedexgo/speedex/pkg/kv"
	"github.com/speedexgo/speedex/pkg/price"
)

// grainSize is the number of orderbooks handed to one goroutine per
// fan-out task, mirroring the manager's work-stealing parallel-for grain
// (spec.md §4.3).
const grainSize = 3

// Manager holds every (sell, buy) orderbook for a fixed asset universe
// and fans operations out across them.
type Manager struct {
	mu         sync.Mutex
	numAssets  uint32
	orderbooks []*Orderbook
}

// NewManager constructs a manager with one empty orderbook per ordered
// asset pair.
func NewManager(numAssets uint32) *Manager {
	m := &Manager{numAssets: numAssets}
	m.orderbooks = make([]*Orderbook, NumOrderbooks(numAssets))
	for i := range m.orderbooks {
		m.orderbooks[i] = New(IndexToCategory(i, numAssets))
	}
	return m
}

// NumAssets returns the size of the asset universe.
func (m *Manager) NumAssets() uint32 {
	return m.numAssets
}

// Lookup returns the orderbook for category, or an error if the category
// is malformed for this manager's asset universe.
func (m *Manager) Lookup(category Category) (*Orderbook, error) {
	idx, err := CategoryToIndex(category, m.numAssets)
	if err != nil {
		return nil, err
	}
	return m.orderbooks[idx], nil
}

// Orderbooks returns the full backing slice, indexed per CategoryToIndex.
// Callers must not mutate the slice itself; the *Orderbook elements each
// guard their own state.
func (m *Manager) Orderbooks() []*Orderbook {
	return m.orderbooks
}

// forEach fans fn out across every orderbook, grainSize at a time,
// propagating the first error encountered.
func (m *Manager) forEach(fn func(ob *Orderbook) error) error {
	var g errgroup.Group
	for start := 0; start < len(m.orderbooks); start += grainSize {
		end := start + grainSize
		if end > len(m.orderbooks) {
			end = len(m.orderbooks)
		}
		batch := m.orderbooks[start:end]
		g.Go(func() error {
			for _, ob := range batch {
				if err := fn(ob); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// CommitForProduction folds every orderbook's uncommitted offers into
// committed for blockNumber and rebuilds each cumulative-endow index.
func (m *Manager) CommitForProduction(blockNumber uint64) error {
	return m.forEach(func(ob *Orderbook) error {
		return ob.CommitForProduction(blockNumber)
	})
}

// CommitForValidation is commit_for_production's validation-mode twin:
// identical merge-in behavior, documented separately because a future
// optimization (skipping the cumulative-endow index rebuild, which
// validation's tentative_clear_offers_for_validation does not consult) can
// be added without touching the production path.
func (m *Manager) CommitForValidation(blockNumber uint64) error {
	return m.forEach(func(ob *Orderbook) error {
		return ob.CommitForProduction(blockNumber)
	})
}

// ClearingDetail is one orderbook's clearing outcome, returned from
// ClearOffersForProduction for assembly into the block's state
// commitment.
type ClearingDetail struct {
	Category         Category
	ThresholdKey     Key
	ActivationAmount price.FractionalAsset
}

// ClearOffersForProduction runs ProcessClearOffers across every orderbook
// for which the tâtonnement/LP stage computed a nonzero supply
// activation, fanned out with the shared grain size.
func (m *Manager) ClearOffersForProduction(
	blockNumber uint64,
	supplyActivated map[Category]price.FractionalAsset,
	prices []price.Price,
	taxRate uint8,
	clear ClearFn,
) ([]ClearingDetail, error) {
	details := make([]ClearingDetail, len(m.orderbooks))
	err := m.forEach(func(ob *Orderbook) error {
		amount, ok := supplyActivated[ob.category]
		if !ok || amount.IsZero() {
			return nil
		}
		thresholdKey, activationAmount, err := ob.ProcessClearOffers(blockNumber, amount, prices, taxRate, clear)
		if err != nil {
			return fmt.Errorf("orderbook %+v: %w", ob.category, err)
		}
		idx, _ := CategoryToIndex(ob.category, m.numAssets)
		details[idx] = ClearingDetail{
			Category:         ob.category,
			ThresholdKey:     thresholdKey,
			ActivationAmount: activationAmount,
		}
		return nil
	})
	return details, err
}

// TentativeClearOffersForValidation replays every orderbook's clearing
// decision against a block's claimed threshold/activation commitments.
// Returns false (without aborting early) at the first orderbook whose
// commitment does not check out, so the caller's autorollback guard can
// discard the whole block's tentative state. totalActivated[idx] is the
// actual supply activated by the replay for that orderbook
// (endowBelowThreshold + ActivationAmount, or the whole book when it
// clears entirely) - the caller must still compare it against whatever
// FractionalSupplyActivated the block claims (spec.md §192 check_stats);
// this method only checks threshold/activation self-consistency.
func (m *Manager) TentativeClearOffersForValidation(
	blockNumber uint64,
	details []ClearingDetail,
	prices []price.Price,
	taxRate uint8,
	clear ClearFn,
) (totalActivated []price.FractionalAsset, ok bool, err error) {
	var mu sync.Mutex
	ok = true
	totalActivated = make([]price.FractionalAsset, len(details))
	ferr := m.forEach(func(ob *Orderbook) error {
		idx, _ := CategoryToIndex(ob.category, m.numAssets)
		d := details[idx]
		total, valid, err := ob.TentativeClearOffersForValidation(blockNumber, d.ThresholdKey, d.ActivationAmount, prices, taxRate, clear)
		if err != nil {
			return err
		}
		mu.Lock()
		totalActivated[idx] = total
		if !valid {
			ok = false
		}
		mu.Unlock()
		return nil
	})
	return totalActivated, ok, ferr
}

// RollbackThunks undoes every orderbook's thunks past blockNumber.
func (m *Manager) RollbackThunks(blockNumber uint64) error {
	return m.forEach(func(ob *Orderbook) error {
		return ob.RollbackThunks(blockNumber)
	})
}

// AttachEnvs gives every orderbook its own KV environment within store,
// named by its category, so each orderbook's persisted round advances
// independently (spec.md §6 "one per orderbook").
func (m *Manager) AttachEnvs(store *kv.Store) {
	for _, ob := range m.orderbooks {
		name := fmt.Sprintf("orderbook-%d-%d", ob.category.SellAsset, ob.category.BuyAsset)
		ob.AttachEnv(store.Environment(name))
	}
}

// Persist flushes every orderbook's thunks through blockNumber to its
// attached KV environment.
func (m *Manager) Persist(blockNumber uint64) error {
	return m.forEach(func(ob *Orderbook) error {
		return ob.Persist(blockNumber)
	})
}

// LoadFromDisk reloads every orderbook's committed trie from its attached
// KV environment, for a replica resuming after a restart.
func (m *Manager) LoadFromDisk() error {
	return m.forEach(func(ob *Orderbook) error {
		return ob.LoadFromDisk()
	})
}

// Hash returns the per-category Merkle hash of every orderbook, indexed
// per CategoryToIndex.
func (m *Manager) Hash() [][32]byte {
	hashes := make([][32]byte, len(m.orderbooks))
	m.forEach(func(ob *Orderbook) error {
		idx, _ := CategoryToIndex(ob.category, m.numAssets)
		hashes[idx] = ob.Hash()
		return nil
	})
	return hashes
}

// NumOpenOffers sums live offer counts across every orderbook.
func (m *Manager) NumOpenOffers() int64 {
	var total int64
	var mu sync.Mutex
	m.forEach(func(ob *Orderbook) error {
		n := ob.NumOpenOffers()
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total
}

// CalculateDemandsAndSupplies integrates every orderbook's contribution
// into the shared demands/supplies accumulators (quantity-denominated),
// used by the tâtonnement oracle's per-asset feasibility check.
func (m *Manager) CalculateDemandsAndSupplies(prices []price.Price, demands, supplies []price.U128, smoothMult map[Category]uint8) {
	var mu sync.Mutex
	m.forEach(func(ob *Orderbook) error {
		localDemands := make([]price.U128, len(demands))
		localSupplies := make([]price.U128, len(supplies))
		ob.CalculateDemandsAndSupplies(prices, localDemands, localSupplies, smoothMult[ob.category])
		mu.Lock()
		for i := range demands {
			demands[i] = demands[i].Add(localDemands[i])
			supplies[i] = supplies[i].Add(localSupplies[i])
		}
		mu.Unlock()
		return nil
	})
}

// CalculateDemandsAndSuppliesTimesPrices is CalculateDemandsAndSupplies's
// trade-value-denominated twin, applying one global smooth_mult across
// every orderbook: the shape the tâtonnement price oracle's objective
// function wants, where demand and supply must be comparable in a single
// unit across every asset rather than in each asset's own quantity.
func (m *Manager) CalculateDemandsAndSuppliesTimesPrices(prices []price.Price, demands, supplies []price.U128, smoothMult uint8) {
	var mu sync.Mutex
	m.forEach(func(ob *Orderbook) error {
		localDemands := make([]price.U128, len(demands))
		localSupplies := make([]price.U128, len(supplies))
		ob.CalculateDemandsAndSuppliesTimesPrices(prices, localDemands, localSupplies, smoothMult)
		mu.Lock()
		for i := range demands {
			demands[i] = demands[i].Add(localDemands[i])
			supplies[i] = supplies[i].Add(localSupplies[i])
		}
		mu.Unlock()
		return nil
	})
}

// GetMaxFeasibleSmoothMult returns the minimum, across every orderbook
// with a nonzero supply activation, of MaxFeasibleSmoothMult - the
// tightest smooth_mult bound the whole block must respect.
func (m *Manager) GetMaxFeasibleSmoothMult(supplyActivated map[Category]int64, prices []price.Price) uint8 {
	var mu sync.Mutex
	best := uint8(255)
	m.forEach(func(ob *Orderbook) error {
		amount, ok := supplyActivated[ob.category]
		if !ok || amount == 0 {
			return nil
		}
		mult := ob.MaxFeasibleSmoothMult(amount, prices)
		mu.Lock()
		if mult < best {
			best = mult
		}
		mu.Unlock()
		return nil
	})
	return best
}
