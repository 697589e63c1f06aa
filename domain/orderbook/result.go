package orderbook

import "github.com/shopspring/decimal"

// Trade is one execution between a resting maker and an incoming taker.
// ID is assigned from the book's trade counter, so replay reproduces it.
type Trade struct {
	ID           string          `json:"trade_id"`
	Instrument   string          `json:"instrument"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	TakerSide    Side            `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Type         OrderType       `json:"trade_type"`
	ExecutedAt   int64           `json:"executed_at"`
}

// OrderUpdate is the state of one order after a command. Resting is what
// remains on the book: zero for filled and cancelled orders.
type OrderUpdate struct {
	OrderID string          `json:"order_id"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Resting decimal.Decimal `json:"resting"`
	Status  Status          `json:"status"`
}

// MatchResult is everything needed to apply one command to a book.
type MatchResult struct {
	Instrument   string        `json:"instrument"`
	Command      Command       `json:"command"`
	Taker        *Order        `json:"taker,omitempty"`
	Trades       []Trade       `json:"trades"`
	Updates      []OrderUpdate `json:"updates"`
	TradeCounter uint64        `json:"trade_counter"`
}

// LevelChange carries the new aggregate quantity at a price level. A zero
// quantity means the level is gone.
type LevelChange struct {
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookDelta is the order-book-updated event of a command.
type BookDelta struct {
	Instrument string        `json:"instrument"`
	Changes    []LevelChange `json:"changes"`
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a top-of-book view.
type Depth struct {
	Instrument string           `json:"instrument"`
	LastSeq    uint64           `json:"last_seq"`
	Bids       []DepthLevel     `json:"bids"`
	Asks       []DepthLevel     `json:"asks"`
	BestBid    *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk    *decimal.Decimal `json:"best_ask,omitempty"`
	Mid        *decimal.Decimal `json:"mid,omitempty"`
}

// State is a point-in-time copy of a book, used by snapshots.
type State struct {
	Instrument   string   `json:"instrument"`
	LastSeq      uint64   `json:"last_seq"`
	TradeCounter uint64   `json:"trade_counter"`
	OpenOrders   []Order  `json:"open_orders"`
	ProcessedIDs []string `json:"processed_order_ids"`
}
