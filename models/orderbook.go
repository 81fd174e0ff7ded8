package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TradingPair is an instrument symbol such as BTCUSDT.
type TradingPair string

func (p TradingPair) String() string { return string(p) }

// ConnectionStatus is the lifecycle state of a streaming session.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Order is a single price level.
type Order struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Level is an Order plus the values derived from its position in the book.
type Level struct {
	Order
	// CumulativeSize is the running size from the top of the side down to
	// and including this row.
	CumulativeSize float64 `json:"cumulativeSize"`
	// Total is price*size of this row alone.
	Total float64 `json:"total"`
	// Sum is the running Total from the top of the side.
	Sum float64 `json:"sum"`

	DepthPercent float64 `json:"depthPercent"`
	SumPercent   float64 `json:"sumPercent"`
}

// DepthSnapshot is a complete, parsed order book.
type DepthSnapshot struct {
	LastUpdateID int64   `json:"lastUpdateId"`
	Bids         []Order `json:"bids"`
	Asks         []Order `json:"asks"`
}

// DepthResponse is the wire form returned by both the REST depth endpoint
// and the partial depth stream.
type DepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Parse converts the string tuples into numeric orders.
func (r DepthResponse) Parse() (*DepthSnapshot, error) {
	bids, err := parseLevels("bids", r.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("asks", r.Asks)
	if err != nil {
		return nil, err
	}
	return &DepthSnapshot{
		LastUpdateID: r.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func parseLevels(side string, levels [][]string) ([]Order, error) {
	orders := make([]Order, 0, len(levels))
	for i, level := range levels {
		if len(level) != 2 {
			return nil, fmt.Errorf("%s[%d]: expected [price, size], got %d fields", side, i, len(level))
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: invalid price %q: %w", side, i, level[0], err)
		}
		size, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: invalid size %q: %w", side, i, level[1], err)
		}
		orders = append(orders, Order{
			Price: price.InexactFloat64(),
			Size:  size.InexactFloat64(),
		})
	}
	return orders, nil
}
