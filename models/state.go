package models

import "time"

// BookState is a point-in-time copy of the order book store.
type BookState struct {
	Pair         TradingPair      `json:"pair"`
	Bids         []Order          `json:"bids"`
	Asks         []Order          `json:"asks"`
	LastUpdateID *int64           `json:"lastUpdateId"`
	Status       ConnectionStatus `json:"status"`
	Error        *string          `json:"error"`
	// Epoch changes on every pair activation.
	Epoch uint64 `json:"epoch"`
	// Version changes on every committed mutation.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}
