package common

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds qty down to a multiple of step. A non-positive step
// leaves qty unchanged.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		if qty < 0 {
			return 0
		}
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	return q.Div(s).Floor().Mul(s).InexactFloat64()
}

// FormatQuantity renders qty with exactly as many decimals as step allows.
func FormatQuantity(qty, step float64) string {
	d := decimal.NewFromFloat(qty)
	if step <= 0 {
		return d.String()
	}
	places := int32(0)
	if exp := decimal.NewFromFloat(step).Exponent(); exp < 0 {
		places = -exp
	}
	return d.StringFixed(places)
}

// BaseAsset strips the quote suffix from a symbol (BTCUSDT -> BTC).
func BaseAsset(symbol, quote string) string {
	symbol = strings.ToUpper(symbol)
	if quote != "" && strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
		return strings.TrimSuffix(symbol, quote)
	}
	return symbol
}
