package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

// ReportStore is what BuildReport reads from the ledger.
type ReportStore interface {
	ListOpenTrades(ctx context.Context) ([]db.Trade, error)
	IsHalted(ctx context.Context) (bool, error)
	ConfigOverrides(ctx context.Context) (map[string]string, error)
}

// AccountReader is the exchange view BuildReport needs.
type AccountReader interface {
	PriceReader
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// PositionRisk describes one open trade in the risk report.
type PositionRisk struct {
	TradeID           int64        `json:"trade_id"`
	Symbol            string       `json:"symbol"`
	Quantity          float64      `json:"quantity"`
	EntryPrice        float64      `json:"entry_price"`
	CurrentPrice      float64      `json:"current_price"`
	PriceFromEntry    bool         `json:"price_from_entry,omitempty"`
	Value             float64      `json:"value"`
	StopLossPrice     float64      `json:"stop_loss_price"`
	StopLossType      StopLossType `json:"stop_loss_type"`
	TrailingStopPrice float64      `json:"trailing_stop_price,omitempty"`
	HighWaterMark     float64      `json:"high_water_mark"`
	Floor             float64      `json:"floor"`
	DistanceToStopPct float64      `json:"distance_to_stop_pct"`
	HeldFor           string       `json:"held_for"`
}

// Report is the risk dashboard.
type Report struct {
	Halted         bool           `json:"halted"`
	OpenPositions  int            `json:"open_positions"`
	QuoteAsset     string         `json:"quote_asset"`
	QuoteBalance   float64        `json:"quote_balance"`
	BalanceError   string         `json:"balance_error,omitempty"`
	CryptoValue    float64        `json:"crypto_value"`
	TotalEquity    float64        `json:"total_equity"`
	ExposurePct    float64        `json:"exposure_pct"`
	MaxExposurePct float64        `json:"max_exposure_pct"`
	Settings       Settings       `json:"settings"`
	Positions      []PositionRisk `json:"positions"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// BuildReport assembles the risk dashboard. It reads only.
func BuildReport(ctx context.Context, store ReportStore, ex AccountReader, quote string, log *zap.Logger) (*Report, error) {
	settings, err := Resolve(ctx, store, log)
	if err != nil {
		return nil, err
	}
	halted, err := store.IsHalted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read halt flag: %w", err)
	}
	trades, err := store.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	now := time.Now().UTC()
	valued, cryptoValue := ValuePositions(ctx, trades, ex)
	rep := &Report{
		Halted:         halted,
		OpenPositions:  len(trades),
		QuoteAsset:     quote,
		CryptoValue:    cryptoValue,
		MaxExposurePct: settings.MaxPortfolioExposure * 100,
		Settings:       settings,
		Positions:      make([]PositionRisk, 0, len(valued)),
		GeneratedAt:    now,
	}

	if bal, err := ex.GetBalance(ctx, quote); err != nil {
		rep.BalanceError = err.Error()
		if log != nil {
			log.Warn("quote balance unavailable for risk report", zap.Error(err))
		}
	} else {
		rep.QuoteBalance = bal
	}
	rep.TotalEquity = rep.QuoteBalance + rep.CryptoValue
	if rep.TotalEquity > 0 {
		rep.ExposurePct = rep.CryptoValue / rep.TotalEquity * 100
	}

	for _, pv := range valued {
		ev := Evaluate(pv.Trade, pv.CurrentPrice, settings.EnableTrailingStops)
		rep.Positions = append(rep.Positions, PositionRisk{
			TradeID:           pv.Trade.ID,
			Symbol:            pv.Trade.Symbol,
			Quantity:          pv.Trade.Quantity,
			EntryPrice:        pv.Trade.EntryPrice,
			CurrentPrice:      pv.CurrentPrice,
			PriceFromEntry:    pv.FromEntry,
			Value:             pv.Value,
			StopLossPrice:     pv.Trade.StopLossPrice,
			StopLossType:      StopLossType(pv.Trade.StopLossType),
			TrailingStopPrice: ev.TrailingStopPrice,
			HighWaterMark:     ev.HighWaterMark,
			Floor:             ev.Floor,
			DistanceToStopPct: DistanceToStopPct(pv.CurrentPrice, ev.Floor),
			HeldFor:           now.Sub(pv.Trade.EntryTime).Truncate(time.Second).String(),
		})
	}
	return rep, nil
}
