package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

// PriceReader is the slice of the exchange needed to value positions.
type PriceReader interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PositionValue is an open trade marked to market.
type PositionValue struct {
	Trade        db.Trade `json:"trade"`
	CurrentPrice float64  `json:"current_price"`
	// FromEntry is set when the live price was unavailable and the entry
	// price was used instead.
	FromEntry bool    `json:"from_entry,omitempty"`
	Value     float64 `json:"value"`
}

// ValuePositions marks every trade to market and returns the total value.
// A failed price read falls back to the entry price.
func ValuePositions(ctx context.Context, trades []db.Trade, prices PriceReader) ([]PositionValue, float64) {
	out := make([]PositionValue, 0, len(trades))
	total := decimal.Zero
	for _, t := range trades {
		pv := PositionValue{Trade: t, CurrentPrice: t.EntryPrice}
		if p, err := prices.GetPrice(ctx, t.Symbol); err == nil && p > 0 {
			pv.CurrentPrice = p
		} else {
			pv.FromEntry = true
		}
		value := decimal.NewFromFloat(pv.CurrentPrice).Mul(decimal.NewFromFloat(t.Quantity))
		pv.Value = value.InexactFloat64()
		total = total.Add(value)
		out = append(out, pv)
	}
	return out, total.InexactFloat64()
}
