package bybit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

var (
	defaultQtyStep  = decimal.NewFromInt(1)
	defaultTickSize = decimal.RequireFromString("0.1")
)

// symbolFilter returns the trading rules for a symbol, fetching them from
// the instruments-info endpoint on first use. Filters never change within a
// session, so the cache is append-only.
func (a *Adapter) symbolFilter(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	if f, ok := a.filters.Get(symbol); ok {
		return f, nil
	}

	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)

	var res instrumentsInfoResult
	if err := a.getJSON(ctx, "instruments-info", "/v5/market/instruments-info", query, &res); err != nil {
		return common.SymbolFilter{}, fmt.Errorf("fetch instrument info for %s: %w", symbol, err)
	}
	if len(res.List) == 0 {
		return common.SymbolFilter{}, &common.ValidationError{
			Symbol: symbol,
			Label:  "symbol",
			Reason: "unknown instrument",
		}
	}

	row := res.List[0]
	f := common.SymbolFilter{
		Symbol:       symbol,
		QuantityStep: toDecimal(row.LotSizeFilter.QtyStep),
		MinQuantity:  toDecimal(row.LotSizeFilter.MinOrderQty),
		MaxQuantity:  toDecimal(row.LotSizeFilter.MaxOrderQty),
		PriceTick:    toDecimal(row.PriceFilter.TickSize),
		MinPrice:     toDecimal(row.PriceFilter.MinPrice),
		MaxPrice:     toDecimal(row.PriceFilter.MaxPrice),
	}
	// Conservative fallbacks when the exchange omits a rule.
	if f.QuantityStep.Sign() <= 0 {
		logger.WithComponent("bybit").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("missing qtyStep, using default")
		f.QuantityStep = defaultQtyStep
	}
	if f.PriceTick.Sign() <= 0 {
		logger.WithComponent("bybit").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("missing tickSize, using default")
		f.PriceTick = defaultTickSize
	}

	a.filters.Set(symbol, f)
	return f, nil
}
