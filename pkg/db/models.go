package db

import "time"

// Credential is a stored exchange API credential. Key and secret are sealed
// at rest; callers decrypt through the keyring, never here.
type Credential struct {
	ID        string
	UserID    string
	Exchange  string
	Label     string
	APIKey    string // sealed
	APISecret string // sealed
	Testnet   bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClosedPosition is one settled-position row synced from an exchange.
// Quantities and prices are decimal strings.
type ClosedPosition struct {
	UserID        string
	Exchange      string
	OrderID       string
	Symbol        string
	Side          string
	Qty           string
	AvgEntryPrice string
	AvgExitPrice  string
	ClosedPnL     string
	Leverage      string
	ClosedAt      time.Time
	SyncedAt      time.Time
}

// HistoricalOrder is one order row synced from an exchange.
type HistoricalOrder struct {
	UserID        string
	Exchange      string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Qty           string
	Price         string
	Status        string
	FilledQty     string
	AvgPrice      string
	PlacedAt      time.Time
	UpdatedAt     time.Time
	SyncedAt      time.Time
}
