package depth

import (
	"time"

	"depthview/models"
)

// View is the fully derived payload rendered by the dashboard.
type View struct {
	Pair         models.TradingPair      `json:"pair"`
	Status       models.ConnectionStatus `json:"status"`
	Error        *string                 `json:"error"`
	LastUpdateID *int64                  `json:"lastUpdateId"`
	Version      uint64                  `json:"version"`
	UpdatedAt    time.Time               `json:"updatedAt"`

	Bids []models.Level `json:"bids"`
	Asks []models.Level `json:"asks"`

	BestBid          *float64 `json:"bestBid"`
	BestAsk          *float64 `json:"bestAsk"`
	Spread           float64  `json:"spread"`
	SpreadPercentage float64  `json:"spreadPercentage"`

	MaxBidCumulative float64 `json:"maxBidCumulative"`
	MaxAskCumulative float64 `json:"maxAskCumulative"`
	MaxBidSum        float64 `json:"maxBidSum"`
	MaxAskSum        float64 `json:"maxAskSum"`
}

// BuildView derives the display rows from state. Only the first rows levels
// of each side are kept and bar widths are relative to the kept rows.
// rows <= 0 keeps every level.
func BuildView(state models.BookState, rows int) View {
	bids := CumulativeSizes(truncate(state.Bids, rows))
	asks := CumulativeSizes(truncate(state.Asks, rows))

	maxBid, maxAsk := MaxCumulative(bids, asks)
	maxBidSum, maxAskSum := MaxCumulativeSum(bids, asks)
	fillPercentages(bids, maxBid, maxBidSum)
	fillPercentages(asks, maxAsk, maxAskSum)

	view := View{
		Pair:             state.Pair,
		Status:           state.Status,
		Error:            state.Error,
		LastUpdateID:     state.LastUpdateID,
		Version:          state.Version,
		UpdatedAt:        state.UpdatedAt,
		Bids:             bids,
		Asks:             asks,
		MaxBidCumulative: maxBid,
		MaxAskCumulative: maxAsk,
		MaxBidSum:        maxBidSum,
		MaxAskSum:        maxAskSum,
	}

	bestBid, hasBid := BestBid(state.Bids)
	bestAsk, hasAsk := BestAsk(state.Asks)
	if hasBid {
		view.BestBid = &bestBid
	}
	if hasAsk {
		view.BestAsk = &bestAsk
	}
	if hasBid && hasAsk {
		view.Spread = Spread(bestBid, bestAsk)
		view.SpreadPercentage = SpreadPercentage(bestBid, bestAsk)
	}
	return view
}

func truncate(orders []models.Order, rows int) []models.Order {
	if rows > 0 && len(orders) > rows {
		return orders[:rows]
	}
	return orders
}

func fillPercentages(levels []models.Level, maxCumulative, maxSum float64) {
	for i := range levels {
		levels[i].DepthPercent = DepthPercentage(levels[i].CumulativeSize, maxCumulative)
		levels[i].SumPercent = DepthPercentage(levels[i].Sum, maxSum)
	}
}
