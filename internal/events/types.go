package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates the topics the gateway publishes.
type Event string

const (
	EventOrderPlaced     Event = "order.placed"
	EventOrderCancelled  Event = "order.cancelled"
	EventPositionClosed  Event = "position.closed"
	EventSessionDropped  Event = "session.dropped"
	EventHistorySynced   Event = "history.synced"
	EventLeverageChanged Event = "leverage.changed"
)

// TradeEvent is the payload for order and position topics. It is shaped for
// direct JSON delivery to websocket subscribers.
type TradeEvent struct {
	UserID   string          `json:"user_id"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	At       time.Time       `json:"at"`
}

// SessionEvent is the payload for session lifecycle topics.
type SessionEvent struct {
	UserID   string    `json:"user_id"`
	Exchange string    `json:"exchange"`
	Testnet  bool      `json:"testnet"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// SyncEvent is the payload for history-sync completions.
type SyncEvent struct {
	UserID    string    `json:"user_id"`
	Exchange  string    `json:"exchange"`
	Positions int       `json:"positions"`
	Orders    int       `json:"orders"`
	At        time.Time `json:"at"`
}
