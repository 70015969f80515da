package bybit

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

// Bybit serves at most 7 days of history per query window.
const maxHistoryWindow = 7 * 24 * time.Hour

// Leverage already at the requested value; not an error for our purposes.
const codeLeverageNotModified = 110043

var _ common.Exchange = (*Adapter)(nil)

// Connect probes the server clock and verifies the credentials with a
// wallet-balance call. Returns false on any failure; the error detail is
// logged, not returned, so callers treat connection as a yes/no outcome.
func (a *Adapter) Connect(ctx context.Context) bool {
	log := logger.WithComponent("bybit").WithFields(logger.Fields{"testnet": a.cfg.Testnet})

	if err := a.clock.Sync(ctx); err != nil {
		log.WithError(err).Error("server clock probe failed")
		a.connected.Store(false)
		return false
	}
	if _, err := a.GetBalance(ctx, settleCoin); err != nil {
		log.WithError(err).Error("credential check failed")
		a.connected.Store(false)
		return false
	}
	a.connected.Store(true)
	log.WithFields(logger.Fields{"clock_offset_ms": a.clock.Offset()}).Info("connected")
	return true
}

// GetBalance returns the unified-account funds for one coin.
func (a *Adapter) GetBalance(ctx context.Context, coin string) (common.Balance, error) {
	if coin == "" {
		coin = settleCoin
	}
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	query.Set("coin", coin)

	var res walletBalanceResult
	if err := a.getJSON(ctx, "wallet-balance", "/v5/account/wallet-balance", query, &res); err != nil {
		return common.Balance{}, err
	}
	for _, acct := range res.List {
		for _, c := range acct.Coin {
			if c.Coin == coin {
				return common.Balance{
					Coin:      coin,
					Available: toDecimal(c.AvailableToWithdraw),
					Total:     toDecimal(c.WalletBalance),
					Equity:    toDecimal(c.Equity),
				}, nil
			}
		}
	}
	// Coin absent from the account; an empty balance, not an error.
	return common.Balance{Coin: coin}, nil
}

// CreateMarketOrder normalizes and places a market order.
func (a *Adapter) CreateMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	req.Kind = common.OrderKindMarket
	return a.placeOrder(ctx, req)
}

// CreateLimitOrder normalizes and places a limit order.
func (a *Adapter) CreateLimitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	req.Kind = common.OrderKindLimit
	if req.Price.Sign() <= 0 {
		return common.OrderResult{}, &common.ValidationError{
			Symbol: req.Symbol,
			Label:  "price",
			Reason: "required for limit orders",
		}
	}
	return a.placeOrder(ctx, req)
}

// placeOrder is the single path every order takes: fetch the instrument
// rules, normalize quantity and prices, then submit. Validation failures
// happen before any signed call goes out.
func (a *Adapter) placeOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Symbol == "" {
		return common.OrderResult{}, &common.ValidationError{Label: "symbol", Reason: "required"}
	}
	if req.Side != common.SideBuy && req.Side != common.SideSell {
		return common.OrderResult{}, &common.ValidationError{
			Symbol: req.Symbol,
			Label:  "side",
			Reason: "must be Buy or Sell",
		}
	}

	filter, err := a.symbolFilter(ctx, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	qty, err := common.NormalizeQuantity(filter, req.Quantity)
	if err != nil {
		return common.OrderResult{}, err
	}

	body := map[string]any{
		"category":  categoryLinear,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Kind),
		"qty":       common.FormatDecimal(qty),
	}
	price := decimal.Zero
	if req.Kind == common.OrderKindLimit {
		price, err = common.NormalizePrice(filter, req.Price)
		if err != nil {
			return common.OrderResult{}, err
		}
		body["price"] = common.FormatDecimal(price)
		body["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.PositionIdx != nil {
		body["positionIdx"] = *req.PositionIdx
	} else if req.PositionSide != "" {
		// Hedge-mode index only for an explicitly supplied position side;
		// never guessed from the order side.
		if req.PositionSide == common.PositionLong {
			body["positionIdx"] = 1
		} else {
			body["positionIdx"] = 2
		}
	}
	if req.TakeProfit.Sign() > 0 {
		tp, err := common.NormalizeToStep(req.TakeProfit, filter.PriceTick, filter.MinPrice, filter.MaxPrice, req.Symbol, "takeProfit")
		if err != nil {
			return common.OrderResult{}, err
		}
		body["takeProfit"] = common.FormatDecimal(tp)
	}
	if req.StopLoss.Sign() > 0 {
		sl, err := common.NormalizeToStep(req.StopLoss, filter.PriceTick, filter.MinPrice, filter.MaxPrice, req.Symbol, "stopLoss")
		if err != nil {
			return common.OrderResult{}, err
		}
		body["stopLoss"] = common.FormatDecimal(sl)
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body["orderLinkId"] = clientID

	var res placeOrderResult
	if err := a.postJSON(ctx, "order-create", "/v5/order/create", body, &res); err != nil {
		return common.OrderResult{}, err
	}

	logger.WithComponent("bybit").WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Kind,
		"qty":      qty.String(),
		"order_id": res.OrderID,
	}).Info("order placed")

	return common.OrderResult{
		OrderID:      res.OrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Kind:         req.Kind,
		Quantity:     qty,
		Price:        price,
		Status:       common.StatusCreated,
		PositionSide: req.PositionSide,
		ClientID:     clientID,
	}, nil
}

// CancelOrder cancels an open order by exchange order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	if symbol == "" || orderID == "" {
		return common.OrderResult{}, &common.ValidationError{
			Symbol: symbol,
			Label:  "orderId",
			Reason: "symbol and orderId are both required",
		}
	}
	body := map[string]any{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var res placeOrderResult
	if err := a.postJSON(ctx, "order-cancel", "/v5/order/cancel", body, &res); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		OrderID: res.OrderID,
		Symbol:  symbol,
		Status:  common.StatusCancelled,
	}, nil
}

// GetOrder looks up one order among recent/open orders.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderDetail, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var res orderListResult
	if err := a.getJSON(ctx, "order-realtime", "/v5/order/realtime", query, &res); err != nil {
		return common.OrderDetail{}, err
	}
	if len(res.List) == 0 {
		return common.OrderDetail{}, &common.RejectedError{
			Exchange: a.Name(),
			Message:  "order " + orderID + " not found",
		}
	}
	return orderRowToDetail(res.List[0]), nil
}

// GetOpenOrders lists open orders, for one symbol or for the whole USDT
// settle universe when symbol is empty.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderDetail, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", settleCoin)
	}

	var res orderListResult
	if err := a.getJSON(ctx, "order-realtime", "/v5/order/realtime", query, &res); err != nil {
		return nil, err
	}
	out := make([]common.OrderDetail, 0, len(res.List))
	for _, row := range res.List {
		out = append(out, orderRowToDetail(row))
	}
	return out, nil
}

func orderRowToDetail(row orderRow) common.OrderDetail {
	return common.OrderDetail{
		OrderID:   row.OrderID,
		Symbol:    row.Symbol,
		Side:      common.Side(row.Side),
		Quantity:  toDecimal(row.Qty),
		Price:     toDecimal(row.Price),
		Status:    row.OrderStatus,
		FilledQty: toDecimal(row.CumExecQty),
		AvgPrice:  toDecimal(row.AvgPrice),
	}
}

// GetPositions lists open positions; rows with zero size are dropped.
func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]common.PositionSnapshot, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", settleCoin)
	}

	var res positionListResult
	if err := a.getJSON(ctx, "position-list", "/v5/position/list", query, &res); err != nil {
		return nil, err
	}
	out := make([]common.PositionSnapshot, 0, len(res.List))
	for _, row := range res.List {
		size := toDecimal(row.Size)
		if size.Sign() == 0 {
			continue
		}
		out = append(out, common.PositionSnapshot{
			Symbol:        row.Symbol,
			Side:          common.Side(row.Side),
			Size:          size,
			EntryPrice:    toDecimal(row.AvgPrice),
			MarkPrice:     toDecimal(row.MarkPrice),
			UnrealizedPnL: toDecimal(row.UnrealisedPnl),
			Leverage:      toDecimal(row.Leverage),
			PositionIdx:   row.PositionIdx,
		})
	}
	return out, nil
}

// SetLeverage sets buy and sell leverage to the same value. "Leverage not
// modified" from the exchange means it already matches, which is success.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return &common.ValidationError{Symbol: symbol, Label: "leverage", Reason: "must be at least 1"}
	}
	lv := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}
	err := a.postJSON(ctx, "set-leverage", "/v5/position/set-leverage", body, nil)
	var re *common.RejectedError
	if errors.As(err, &re) && re.Code == codeLeverageNotModified {
		return nil
	}
	return err
}

// ClosePosition reverses an open position with a reduce-only market order
// sized to the position's exact current size. The size is re-fetched rather
// than trusted from the caller so partial fills since their last read cannot
// leave a remainder or flip the position.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side common.PositionSide) (common.OrderResult, error) {
	positions, err := a.GetPositions(ctx, symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	hold := side.HoldSide()
	for _, pos := range positions {
		if pos.Symbol != symbol || pos.Side != hold {
			continue
		}
		idx := pos.PositionIdx
		return a.placeOrder(ctx, common.OrderRequest{
			Symbol:       symbol,
			Side:         side.CloseSide(),
			Kind:         common.OrderKindMarket,
			Quantity:     pos.Size,
			PositionSide: side,
			PositionIdx:  &idx,
			ReduceOnly:   true,
		})
	}
	return common.OrderResult{}, &common.ValidationError{
		Symbol: symbol,
		Label:  "position",
		Reason: "no open " + string(side) + " position",
	}
}

// GetTicker returns a market snapshot for one symbol.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)

	var res tickersResult
	if err := a.getJSON(ctx, "tickers", "/v5/market/tickers", query, &res); err != nil {
		return common.Ticker{}, err
	}
	if len(res.List) == 0 {
		return common.Ticker{}, &common.ValidationError{Symbol: symbol, Label: "symbol", Reason: "unknown instrument"}
	}
	row := res.List[0]
	// price24hPcnt is a ratio on the wire; expose percent.
	change := toDecimal(row.Price24hPcnt).Mul(decimal.NewFromInt(100))
	return common.Ticker{
		Symbol:    row.Symbol,
		LastPrice: toDecimal(row.LastPrice),
		BidPrice:  toDecimal(row.Bid1Price),
		AskPrice:  toDecimal(row.Ask1Price),
		High24h:   toDecimal(row.HighPrice24h),
		Low24h:    toDecimal(row.LowPrice24h),
		Volume24h: toDecimal(row.Volume24h),
		Change24h: change,
		Timestamp: time.Now(),
	}, nil
}

// GetClosedPnL returns settled-position records for the query window,
// walking every page of the cursor.
func (a *Adapter) GetClosedPnL(ctx context.Context, q common.HistoryQuery) ([]common.ClosedPnLRecord, error) {
	start, end := clampWindow(q.StartTime, q.EndTime)

	var out []common.ClosedPnLRecord
	err := a.paginate(ctx, "closed-pnl", q.Symbol, start, end, q.Limit,
		func(query url.Values) (int, string, error) {
			var page closedPnlPageResult
			if err := a.getJSON(ctx, "closed-pnl", "/v5/position/closed-pnl", query, &page); err != nil {
				return 0, "", err
			}
			for _, row := range page.List {
				out = append(out, common.ClosedPnLRecord{
					Symbol:        row.Symbol,
					Side:          common.Side(row.Side),
					Quantity:      toDecimal(row.Qty),
					OrderID:       row.OrderID,
					AvgEntryPrice: toDecimal(row.AvgEntryPrice),
					AvgExitPrice:  toDecimal(row.AvgExitPrice),
					ClosedPnL:     toDecimal(row.ClosedPnl),
					Leverage:      toDecimal(row.Leverage),
					CreatedTime:   toTimeMs(row.CreatedTime),
					UpdatedTime:   toTimeMs(row.UpdatedTime),
				})
			}
			return len(page.List), page.NextPageCursor, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderHistory returns historical orders for the query window, walking
// every page of the cursor.
func (a *Adapter) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.OrderRecord, error) {
	start, end := clampWindow(q.StartTime, q.EndTime)

	var out []common.OrderRecord
	err := a.paginate(ctx, "order-history", q.Symbol, start, end, q.Limit,
		func(query url.Values) (int, string, error) {
			var page orderListResult
			if err := a.getJSON(ctx, "order-history", "/v5/order/history", query, &page); err != nil {
				return 0, "", err
			}
			for _, row := range page.List {
				out = append(out, common.OrderRecord{
					OrderID:     row.OrderID,
					ClientID:    row.OrderLinkID,
					Symbol:      row.Symbol,
					Side:        common.Side(row.Side),
					Kind:        common.OrderKind(row.OrderType),
					Quantity:    toDecimal(row.Qty),
					Price:       toDecimal(row.Price),
					Status:      row.OrderStatus,
					FilledQty:   toDecimal(row.CumExecQty),
					AvgPrice:    toDecimal(row.AvgPrice),
					CreatedTime: toTimeMs(row.CreatedTime),
					UpdatedTime: toTimeMs(row.UpdatedTime),
				})
			}
			return len(page.List), page.NextPageCursor, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// paginate walks a cursor-paginated endpoint until the cursor is empty, a
// page comes back empty, or the cursor repeats. A repeating cursor would
// otherwise loop forever against a misbehaving server.
func (a *Adapter) paginate(ctx context.Context, endpoint, symbol string, start, end time.Time, limit int, fetch func(url.Values) (int, string, error)) error {
	if limit <= 0 {
		limit = 50
	}

	cursor := ""
	seen := make(map[string]struct{})
	for {
		query := url.Values{}
		query.Set("category", categoryLinear)
		if symbol != "" {
			query.Set("symbol", symbol)
		}
		query.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		query.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		query.Set("limit", strconv.Itoa(limit))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		n, next, err := fetch(query)
		if err != nil {
			return err
		}
		if n == 0 || next == "" {
			return nil
		}
		if _, dup := seen[next]; dup {
			logger.WithComponent("bybit").WithFields(logger.Fields{
				"endpoint": endpoint,
			}).Warn("pagination cursor repeated, stopping")
			return nil
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

// clampWindow bounds a history window to the exchange's maximum lookback,
// defaulting to the most recent window when unset.
func clampWindow(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() || end.Sub(start) > maxHistoryWindow {
		start = end.Add(-maxHistoryWindow)
	}
	return start, end
}
