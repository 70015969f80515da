package common

import (
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/pkg/logger"
)

// NormalizeToStep floors value to the nearest multiple of step and checks it
// against the [min, max] bounds (zero bound means unbounded). Rounding is
// always DOWN: sending more size or a worse price than the caller asked for
// is the dangerous direction for a trading system.
func NormalizeToStep(value, step, min, max decimal.Decimal, symbol, label string) (decimal.Decimal, error) {
	if step.Sign() <= 0 {
		step = decimal.NewFromInt(1)
	}
	if value.Sign() <= 0 {
		return decimal.Zero, &ValidationError{Symbol: symbol, Label: label, Reason: "must be greater than zero"}
	}

	normalized := value.Div(step).Floor().Mul(step)

	if min.Sign() > 0 && normalized.LessThan(min) {
		return decimal.Zero, &ValidationError{
			Symbol: symbol,
			Label:  label,
			Reason: normalized.String() + " is below the minimum " + min.String(),
		}
	}
	if max.Sign() > 0 && normalized.GreaterThan(max) {
		return decimal.Zero, &ValidationError{
			Symbol: symbol,
			Label:  label,
			Reason: normalized.String() + " exceeds the maximum " + max.String(),
		}
	}
	if normalized.Sign() <= 0 {
		return decimal.Zero, &ValidationError{Symbol: symbol, Label: label, Reason: "rounds down to zero at step " + step.String()}
	}

	if !normalized.Equal(value) {
		// Audit trail: the user asked for X, the system will place Y.
		logger.WithComponent("normalizer").WithFields(logger.Fields{
			"symbol":     symbol,
			"field":      label,
			"requested":  value.String(),
			"normalized": normalized.String(),
		}).Info("value adjusted to instrument step")
	}

	return normalized, nil
}

// NormalizeQuantity applies a symbol's lot-size rules to a quantity.
func NormalizeQuantity(f SymbolFilter, qty decimal.Decimal) (decimal.Decimal, error) {
	return NormalizeToStep(qty, f.QuantityStep, f.MinQuantity, f.MaxQuantity, f.Symbol, "quantity")
}

// NormalizePrice applies a symbol's tick-size rules to a price.
func NormalizePrice(f SymbolFilter, price decimal.Decimal) (decimal.Decimal, error) {
	return NormalizeToStep(price, f.PriceTick, f.MinPrice, f.MaxPrice, f.Symbol, "price")
}

// FormatDecimal renders d in the minimal form the wire expects: no
// exponent, no trailing zeros, no trailing decimal point.
func FormatDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
