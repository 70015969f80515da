package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

// HistoryRecorder persists trading history fetched from an exchange. The
// service treats recording as best-effort; a storage failure never fails the
// trading operation that triggered it.
type HistoryRecorder interface {
	RecordClosedPnL(ctx context.Context, userID, exchange string, records []common.ClosedPnLRecord) error
	RecordOrders(ctx context.Context, userID, exchange string, records []common.OrderRecord) error
}

// Slot addresses one cached exchange session.
type Slot struct {
	UserID   string
	Exchange string
	Testnet  bool
}

// PlaceOrderParams describes an order intent from the API layer. Exactly one
// of Quantity or QuoteAmount must be positive; a quote amount converts to
// base quantity at the limit price, or at the last price for market orders.
type PlaceOrderParams struct {
	Slot
	Symbol       string
	Side         common.Side
	Kind         common.OrderKind
	Quantity     decimal.Decimal
	QuoteAmount  decimal.Decimal
	Price        decimal.Decimal
	PositionSide common.PositionSide // optional, hedge-mode accounts
	Leverage     int
	TakeProfit   decimal.Decimal
	StopLoss     decimal.Decimal
	ClientID     string
}

// Service exposes trading operations over cached sessions. It owns the
// outcome bookkeeping: every exchange error counts toward the slot's
// failure streak, every success resets it.
type Service struct {
	manager  *Manager
	recorder HistoryRecorder
	bus      *events.Bus
}

// NewService wires the trading service. recorder and bus may be nil.
func NewService(manager *Manager, recorder HistoryRecorder, bus *events.Bus) *Service {
	return &Service{manager: manager, recorder: recorder, bus: bus}
}

// Manager exposes the underlying session manager for lifecycle operations.
func (s *Service) Manager() *Manager { return s.manager }

// session resolves the slot to a live exchange session.
func (s *Service) session(ctx context.Context, slot Slot) (common.Exchange, error) {
	return s.manager.GetOrCreate(ctx, slot.UserID, slot.Exchange, slot.Testnet)
}

// finish applies outcome bookkeeping and passes the error through. Only
// infrastructure failures count toward the slot's health: a definitive
// rejection or bad parameters are terminal for that request and say nothing
// about the session.
func (s *Service) finish(slot Slot, err error) error {
	if err == nil {
		s.manager.RecordSuccess(slot.UserID, slot.Exchange, slot.Testnet)
		return nil
	}
	var ce *common.ConnectionError
	if common.IsTransient(err) || errors.As(err, &ce) || errors.Is(err, common.ErrNotConnected) {
		s.manager.RecordFailure(slot.UserID, slot.Exchange, slot.Testnet)
	}
	return err
}

// PlaceOrder validates, sizes and submits an order.
func (s *Service) PlaceOrder(ctx context.Context, p PlaceOrderParams) (common.OrderResult, error) {
	if p.Quantity.Sign() <= 0 && p.QuoteAmount.Sign() <= 0 {
		return common.OrderResult{}, &common.ValidationError{
			Symbol: p.Symbol,
			Label:  "quantity",
			Reason: "either quantity or quote_amount must be positive",
		}
	}
	if p.Quantity.Sign() > 0 && p.QuoteAmount.Sign() > 0 {
		return common.OrderResult{}, &common.ValidationError{
			Symbol: p.Symbol,
			Label:  "quantity",
			Reason: "quantity and quote_amount are mutually exclusive",
		}
	}

	ex, err := s.session(ctx, p.Slot)
	if err != nil {
		return common.OrderResult{}, err
	}

	qty := p.Quantity
	if p.QuoteAmount.Sign() > 0 {
		// A limit order commits capital at its own price, so the quote amount
		// converts at the limit price; only market orders need the ticker.
		price := p.Price
		if p.Kind != common.OrderKindLimit {
			ticker, err := ex.GetTicker(ctx, p.Symbol)
			if err != nil {
				return common.OrderResult{}, s.finish(p.Slot, err)
			}
			price = ticker.LastPrice
		}
		if price.Sign() <= 0 {
			return common.OrderResult{}, &common.ValidationError{
				Symbol: p.Symbol,
				Label:  "quote_amount",
				Reason: "no price available to convert quote amount",
			}
		}
		qty = p.QuoteAmount.Div(price)
	}

	// Leverage is applied best-effort: a leverage failure must not block the
	// order itself.
	if p.Leverage > 0 {
		if err := ex.SetLeverage(ctx, p.Symbol, p.Leverage); err != nil {
			logger.WithComponent("gateway").WithFields(logger.Fields{
				"symbol":   p.Symbol,
				"leverage": p.Leverage,
			}).WithError(err).Warn("leverage not applied")
		}
	}

	req := common.OrderRequest{
		Symbol:       p.Symbol,
		Side:         p.Side,
		Quantity:     qty,
		Price:        p.Price,
		PositionSide: p.PositionSide,
		TakeProfit:   p.TakeProfit,
		StopLoss:     p.StopLoss,
		ClientID:     p.ClientID,
	}

	var result common.OrderResult
	if p.Kind == common.OrderKindLimit {
		result, err = ex.CreateLimitOrder(ctx, req)
	} else {
		result, err = ex.CreateMarketOrder(ctx, req)
	}
	if err := s.finish(p.Slot, err); err != nil {
		return common.OrderResult{}, err
	}

	s.publishTrade(events.EventOrderPlaced, p.Slot, result)
	return result, nil
}

// CancelOrder cancels an open order.
func (s *Service) CancelOrder(ctx context.Context, slot Slot, symbol, orderID string) (common.OrderResult, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return common.OrderResult{}, err
	}
	result, err := ex.CancelOrder(ctx, symbol, orderID)
	if err := s.finish(slot, err); err != nil {
		return common.OrderResult{}, err
	}
	s.publishTrade(events.EventOrderCancelled, slot, result)
	return result, nil
}

// ClosePosition flattens a position. The snapshot taken before the close
// doubles as the best-effort history record: the settled row may not be
// visible on the exchange immediately, and the next sync replaces the
// mark-price estimate with the exchange's own figures (the closed-PnL feed
// keys rows by the closing order id).
func (s *Service) ClosePosition(ctx context.Context, slot Slot, symbol string, side common.PositionSide) (common.OrderResult, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return common.OrderResult{}, err
	}

	var snap *common.PositionSnapshot
	if s.recorder != nil {
		if positions, perr := ex.GetPositions(ctx, symbol); perr == nil {
			hold := side.HoldSide()
			for i := range positions {
				if positions[i].Symbol == symbol && positions[i].Side == hold {
					snap = &positions[i]
					break
				}
			}
		}
	}

	result, err := ex.ClosePosition(ctx, symbol, side)
	if err := s.finish(slot, err); err != nil {
		return common.OrderResult{}, err
	}

	s.publishTrade(events.EventPositionClosed, slot, result)

	if s.recorder != nil && snap != nil {
		now := time.Now()
		herr := s.recorder.RecordClosedPnL(ctx, slot.UserID, slot.Exchange, []common.ClosedPnLRecord{{
			Symbol:        snap.Symbol,
			Side:          snap.Side,
			Quantity:      snap.Size,
			OrderID:       result.OrderID,
			AvgEntryPrice: snap.EntryPrice,
			AvgExitPrice:  snap.MarkPrice,
			ClosedPnL:     snap.UnrealizedPnL,
			Leverage:      snap.Leverage,
			CreatedTime:   now,
			UpdatedTime:   now,
		}})
		if herr != nil {
			logger.WithComponent("gateway").WithError(herr).Warn("closed position not recorded")
		}
	}
	return result, nil
}

// GetBalance returns account funds for a coin.
func (s *Service) GetBalance(ctx context.Context, slot Slot, coin string) (common.Balance, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return common.Balance{}, err
	}
	bal, err := ex.GetBalance(ctx, coin)
	return bal, s.finish(slot, err)
}

// GetPositions returns open positions, optionally scoped to a symbol.
func (s *Service) GetPositions(ctx context.Context, slot Slot, symbol string) ([]common.PositionSnapshot, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return nil, err
	}
	positions, err := ex.GetPositions(ctx, symbol)
	return positions, s.finish(slot, err)
}

// GetOpenOrders returns open orders, optionally scoped to a symbol.
func (s *Service) GetOpenOrders(ctx context.Context, slot Slot, symbol string) ([]common.OrderDetail, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return nil, err
	}
	orders, err := ex.GetOpenOrders(ctx, symbol)
	return orders, s.finish(slot, err)
}

// GetOrder returns one order's current state.
func (s *Service) GetOrder(ctx context.Context, slot Slot, symbol, orderID string) (common.OrderDetail, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return common.OrderDetail{}, err
	}
	order, err := ex.GetOrder(ctx, symbol, orderID)
	return order, s.finish(slot, err)
}

// GetTicker returns a market snapshot.
func (s *Service) GetTicker(ctx context.Context, slot Slot, symbol string) (common.Ticker, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return common.Ticker{}, err
	}
	ticker, err := ex.GetTicker(ctx, symbol)
	return ticker, s.finish(slot, err)
}

// SetLeverage applies leverage for a symbol.
func (s *Service) SetLeverage(ctx context.Context, slot Slot, symbol string, leverage int) error {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return err
	}
	err = ex.SetLeverage(ctx, symbol, leverage)
	if err := s.finish(slot, err); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.EventLeverageChanged, events.TradeEvent{
			UserID:   slot.UserID,
			Exchange: slot.Exchange,
			Symbol:   symbol,
			At:       time.Now(),
		})
	}
	return nil
}

// GetClosedPnL fetches settled positions straight from the exchange.
func (s *Service) GetClosedPnL(ctx context.Context, slot Slot, q common.HistoryQuery) ([]common.ClosedPnLRecord, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return nil, err
	}
	records, err := ex.GetClosedPnL(ctx, q)
	return records, s.finish(slot, err)
}

// GetOrderHistory fetches historical orders straight from the exchange.
func (s *Service) GetOrderHistory(ctx context.Context, slot Slot, q common.HistoryQuery) ([]common.OrderRecord, error) {
	ex, err := s.session(ctx, slot)
	if err != nil {
		return nil, err
	}
	records, err := ex.GetOrderHistory(ctx, q)
	return records, s.finish(slot, err)
}

func (s *Service) publishTrade(topic events.Event, slot Slot, result common.OrderResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, events.TradeEvent{
		UserID:   slot.UserID,
		Exchange: slot.Exchange,
		Symbol:   result.Symbol,
		Side:     string(result.Side),
		OrderID:  result.OrderID,
		Quantity: result.Quantity,
		Price:    result.Price,
		Kind:     string(result.Kind),
		At:       time.Now(),
	})
}
