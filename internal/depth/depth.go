// Package depth holds the pure computations behind the order book view:
// ordering, running totals, spread and bar widths.
package depth

import (
	"sort"

	"depthview/models"
)

// SortBids returns a copy of bids ordered by descending price.
func SortBids(bids []models.Order) []models.Order {
	out := make([]models.Order, len(bids))
	copy(out, bids)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// SortAsks returns a copy of asks ordered by ascending price.
func SortAsks(asks []models.Order) []models.Order {
	out := make([]models.Order, len(asks))
	copy(out, asks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// CumulativeSizes walks orders top to bottom and attaches running size and
// notional totals to each row.
func CumulativeSizes(orders []models.Order) []models.Level {
	levels := make([]models.Level, 0, len(orders))
	var cumulativeSize, cumulativeSum float64
	for _, o := range orders {
		total := o.Price * o.Size
		cumulativeSize += o.Size
		cumulativeSum += total
		levels = append(levels, models.Level{
			Order:          o,
			CumulativeSize: cumulativeSize,
			Total:          total,
			Sum:            cumulativeSum,
		})
	}
	return levels
}

func Spread(bestBid, bestAsk float64) float64 {
	return bestAsk - bestBid
}

// SpreadPercentage is the spread relative to the best bid. A zero bid yields 0.
func SpreadPercentage(bestBid, bestAsk float64) float64 {
	if bestBid == 0 {
		return 0
	}
	return (bestAsk - bestBid) / bestBid * 100
}

// BestBid returns the first bid price of an already sorted side.
func BestBid(bids []models.Order) (float64, bool) {
	if len(bids) == 0 {
		return 0, false
	}
	return bids[0].Price, true
}

// BestAsk returns the first ask price of an already sorted side.
func BestAsk(asks []models.Order) (float64, bool) {
	if len(asks) == 0 {
		return 0, false
	}
	return asks[0].Price, true
}

// DepthPercentage scales value against max; a zero max yields 0.
func DepthPercentage(value, max float64) float64 {
	if max == 0 {
		return 0
	}
	return value / max * 100
}

// MaxCumulative returns the deepest cumulative size of each side.
func MaxCumulative(bids, asks []models.Level) (maxBid, maxAsk float64) {
	if n := len(bids); n > 0 {
		maxBid = bids[n-1].CumulativeSize
	}
	if n := len(asks); n > 0 {
		maxAsk = asks[n-1].CumulativeSize
	}
	return maxBid, maxAsk
}

// MaxCumulativeSum returns the deepest cumulative notional of each side.
func MaxCumulativeSum(bids, asks []models.Level) (maxBidSum, maxAskSum float64) {
	if n := len(bids); n > 0 {
		maxBidSum = bids[n-1].Sum
	}
	if n := len(asks); n > 0 {
		maxAskSum = asks[n-1].Sum
	}
	return maxBidSum, maxAskSum
}
