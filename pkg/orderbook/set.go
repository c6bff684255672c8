package orderbook

import "fmt"

// NumOrderbooks returns the number of (sell, buy) orderbooks for a
// universe of numAssets assets: every ordered pair of distinct assets
// (spec.md §3 "Orderbook-set").
func NumOrderbooks(numAssets uint32) int {
	return int(numAssets) * int(numAssets-1)
}

// ValidateCategory reports whether category names two distinct assets
// both within [0, numAssets).
func ValidateCategory(category Category, numAssets uint32) bool {
	if category.SellAsset == category.BuyAsset {
		return false
	}
	return uint32(category.SellAsset) < numAssets && uint32(category.BuyAsset) < numAssets
}

// CategoryToIndex maps category to its position in the orderbook set:
// sell·(N−1) + buy − [buy>sell] (spec.md §3).
func CategoryToIndex(category Category, numAssets uint32) (int, error) {
	if !ValidateCategory(category, numAssets) {
		return 0, fmt.Errorf("orderbook: invalid category %+v for %d assets", category, numAssets)
	}
	sell := int(category.SellAsset)
	buy := int(category.BuyAsset)
	adjust := 0
	if buy > sell {
		adjust = 1
	}
	return sell*(int(numAssets)-1) + buy - adjust, nil
}

// IndexToCategory is the inverse of CategoryToIndex.
func IndexToCategory(idx int, numAssets uint32) Category {
	sell := idx / (int(numAssets) - 1)
	buy := idx % (int(numAssets) - 1)
	if buy >= sell {
		buy++
	}
	return Category{SellAsset: AssetID(sell), BuyAsset: AssetID(buy)}
}
