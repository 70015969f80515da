package common

import "context"

// Exchange is the capability set every venue adapter must provide. Concrete
// implementations translate these operations into exchange wire calls and
// map the responses back into the canonical types; callers stay
// exchange-agnostic.
type Exchange interface {
	// Connect establishes an authenticated session, probing the server
	// clock first. Connection establishment is a boolean outcome so callers
	// can cheaply distinguish "not connected" from a wire exception.
	Connect(ctx context.Context) bool

	// IsConnected reports whether the adapter holds a live client handle.
	// A cheap check, not a network round-trip.
	IsConnected() bool

	Name() string

	GetBalance(ctx context.Context, coin string) (Balance, error)

	CreateMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CreateLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (OrderDetail, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error)

	// GetPositions returns open positions; zero-size rows are filtered out.
	GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ClosePosition re-fetches the position and reverses it with a
	// reduce-only market order sized to its exact current size.
	ClosePosition(ctx context.Context, symbol string, side PositionSide) (OrderResult, error)

	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// History lookups paginate transparently, accumulating every page. The
	// requested window is clamped to the exchange's maximum lookback.
	GetClosedPnL(ctx context.Context, q HistoryQuery) ([]ClosedPnLRecord, error)
	GetOrderHistory(ctx context.Context, q HistoryQuery) ([]OrderRecord, error)
}
