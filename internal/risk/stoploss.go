package risk

import (
	"math"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

// ExitReason tags a software-triggered close.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
)

// StopLevels is what an open position is protected by at entry.
type StopLevels struct {
	StopLossPrice float64      `json:"stop_loss_price"`
	StopLossType  StopLossType `json:"stop_loss_type"`
	ATR           float64      `json:"atr,omitempty"`
	TrailingPct   float64      `json:"trailing_pct"`
}

// EntryStops resolves the stop-loss price for a fill at entryPrice. In ATR
// mode a missing or zero atr falls back to the fixed percentage stop.
func EntryStops(entryPrice float64, s Settings, stopLossPct, trailingPct float64, atr float64) StopLevels {
	levels := StopLevels{TrailingPct: trailingPct}
	if s.StopLossType == StopLossATR && atr > 0 {
		levels.StopLossType = StopLossATR
		levels.ATR = atr
		levels.StopLossPrice = math.Max(0, entryPrice-atr*s.StopLossATRMultiplier)
		return levels
	}
	levels.StopLossType = StopLossFixed
	levels.StopLossPrice = entryPrice * (1 - stopLossPct)
	return levels
}

// Evaluation is one tick of the exit state machine for one trade.
type Evaluation struct {
	TradeID           int64      `json:"trade_id"`
	Symbol            string     `json:"symbol"`
	Price             float64    `json:"price"`
	StopLossPrice     float64    `json:"stop_loss_price"`
	HighWaterMark     float64    `json:"high_water_mark"`
	TrailingStopPrice float64    `json:"trailing_stop_price,omitempty"`
	Floor             float64    `json:"floor"`
	Breach            bool       `json:"breach"`
	Reason            ExitReason `json:"reason,omitempty"`
	HighWaterRaised   bool       `json:"high_water_raised"`
}

// Evaluate ratchets the high-water mark and compares price against the
// effective floor, max(stop-loss, trailing stop). It is pure; persisting a
// raised mark and closing on breach are the caller's job.
func Evaluate(t db.Trade, price float64, trailingEnabled bool) Evaluation {
	ev := Evaluation{
		TradeID:       t.ID,
		Symbol:        t.Symbol,
		Price:         price,
		StopLossPrice: t.StopLossPrice,
		HighWaterMark: t.HighWaterMark,
		Floor:         t.StopLossPrice,
	}
	if ev.HighWaterMark <= 0 {
		ev.HighWaterMark = t.EntryPrice
	}

	if trailingEnabled && t.TrailingPct > 0 {
		if price > ev.HighWaterMark {
			ev.HighWaterMark = price
			ev.HighWaterRaised = true
		}
		ev.TrailingStopPrice = ev.HighWaterMark * (1 - t.TrailingPct)
		ev.Floor = math.Max(ev.Floor, ev.TrailingStopPrice)
	}

	if price <= ev.Floor {
		ev.Breach = true
		if price <= t.StopLossPrice {
			ev.Reason = ExitStopLoss
		} else {
			ev.Reason = ExitTrailingStop
		}
	}
	return ev
}

// DistanceToStopPct is how far price sits above stop, as a percentage of price.
func DistanceToStopPct(price, stop float64) float64 {
	if price <= 0 || stop <= 0 {
		return 0
	}
	return (price - stop) / price * 100
}
