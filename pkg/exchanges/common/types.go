// Package common defines the canonical trading types and the adapter
// contract shared by all exchange implementations.
package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the reversing side, used when closing positions.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind denotes basic order types.
type OrderKind string

const (
	OrderKindMarket OrderKind = "Market"
	OrderKindLimit  OrderKind = "Limit"
)

// PositionSide denotes the direction of a derivatives position.
type PositionSide string

const (
	PositionLong  PositionSide = "Long"
	PositionShort PositionSide = "Short"
)

// CloseSide returns the order side that reverses a position.
func (p PositionSide) CloseSide() Side {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// HoldSide returns the order side a position of this direction was opened with.
func (p PositionSide) HoldSide() Side {
	if p == PositionLong {
		return SideBuy
	}
	return SideSell
}

// OrderStatus normalizes exchange order states into a small set.
type OrderStatus string

const (
	StatusCreated   OrderStatus = "Created"
	StatusFilled    OrderStatus = "Filled"
	StatusCancelled OrderStatus = "Cancelled"
	StatusRejected  OrderStatus = "Rejected"
	StatusUnknown   OrderStatus = "Unknown"
)

// OrderRequest captures an adapter-agnostic order intent. Quantity and the
// price fields hold the caller's raw values; the adapter normalizes them to
// the symbol's step/tick before anything touches the wire.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Kind         OrderKind
	Quantity     decimal.Decimal
	Price        decimal.Decimal // required for limit orders
	PositionSide PositionSide    // optional
	// PositionIdx is sent only when explicitly known (hedge-mode accounts).
	// When nil the exchange's account-level default applies.
	PositionIdx *int
	ReduceOnly  bool
	TakeProfit  decimal.Decimal // optional, zero means unset
	StopLoss    decimal.Decimal // optional, zero means unset
	ClientID    string          // optional client order id
}

// OrderResult is a point-in-time snapshot of an accepted order, not a live
// handle. Quantity and Price carry the normalized values actually sent.
type OrderResult struct {
	OrderID      string
	Symbol       string
	Side         Side
	Kind         OrderKind
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Status       OrderStatus
	PositionSide PositionSide
	ClientID     string
}

// OrderDetail describes an order as reported by the exchange.
type OrderDetail struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Status    string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// PositionSnapshot describes an open position. Adapters never return
// zero-size rows.
type PositionSnapshot struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
	PositionIdx   int
}

// Balance reports account funds for a single coin.
type Balance struct {
	Coin      string
	Available decimal.Decimal
	Total     decimal.Decimal
	Equity    decimal.Decimal
}

// Ticker is a market-data snapshot for a symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Volume24h decimal.Decimal
	Change24h decimal.Decimal // percent
	Timestamp time.Time
}

// SymbolFilter holds the instrument rules an exchange enforces on order
// quantity and price. QuantityStep and PriceTick are always positive;
// adapters substitute safe defaults when the exchange reports otherwise.
type SymbolFilter struct {
	Symbol       string
	QuantityStep decimal.Decimal
	MinQuantity  decimal.Decimal
	MaxQuantity  decimal.Decimal
	PriceTick    decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
}

// HistoryQuery bounds a historical lookup. Adapters clamp the window to the
// exchange's maximum lookback instead of erroring.
type HistoryQuery struct {
	Symbol    string // optional
	StartTime time.Time
	EndTime   time.Time
	Limit     int // page size hint; 0 means exchange default
}

// ClosedPnLRecord is one settled-position row from the exchange.
type ClosedPnLRecord struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	OrderID       string
	AvgEntryPrice decimal.Decimal
	AvgExitPrice  decimal.Decimal
	ClosedPnL     decimal.Decimal
	Leverage      decimal.Decimal
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

// OrderRecord is one historical order row from the exchange.
type OrderRecord struct {
	OrderID     string
	ClientID    string
	Symbol      string
	Side        Side
	Kind        OrderKind
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Status      string
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	CreatedTime time.Time
	UpdatedTime time.Time
}
