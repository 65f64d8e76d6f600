package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/monitor"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// CheckExits runs one enforcement pass over OPEN trades, optionally limited
// to symbols. It ignores the halt flag and is safe to run concurrently with
// itself and with manual closes: every close goes through the symbol lease,
// and a trade someone else closed is reported and skipped.
func (e *Engine) CheckExits(ctx context.Context, symbols ...string) (*ExitSummary, error) {
	settings, err := risk.Resolve(ctx, e.ledger, e.log)
	if err != nil {
		return nil, err
	}
	trades, err := e.ledger.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	filter := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = normalizeSymbol(s); s != "" {
			filter[s] = true
		}
	}

	summary := &ExitSummary{Details: make([]ExitDetail, 0, len(trades))}
	for _, t := range trades {
		if len(filter) > 0 && !filter[t.Symbol] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		detail := e.checkTrade(ctx, t, settings.EnableTrailingStops)
		summary.Checked++
		switch {
		case detail.Error != "":
			summary.Errors++
			monitor.ExitChecks.WithLabelValues("error").Inc()
		case detail.State == StateClosed && detail.Reason != "":
			summary.Closed++
			monitor.ExitChecks.WithLabelValues("closed").Inc()
		default:
			monitor.ExitChecks.WithLabelValues(strings.ToLower(string(detail.State))).Inc()
		}
		summary.Details = append(summary.Details, detail)
	}

	if summary.Closed > 0 || summary.Errors > 0 {
		e.log.Info("exit check finished",
			zap.Int("checked", summary.Checked),
			zap.Int("closed", summary.Closed),
			zap.Int("errors", summary.Errors))
	}
	return summary, nil
}

func (e *Engine) checkTrade(ctx context.Context, t db.Trade, trailing bool) ExitDetail {
	d := ExitDetail{
		TradeID:       t.ID,
		Symbol:        t.Symbol,
		State:         StateWatching,
		StopLossPrice: t.StopLossPrice,
		HighWaterMark: t.HighWaterMark,
	}

	pending, err := e.recovery.HasPendingClose(ctx, t.ID)
	if err != nil {
		d.Error = "check recovery queue: " + err.Error()
		return d
	}
	if pending {
		d.State = StateClosing
		d.Note = "sell already filled; ledger write pending in recovery queue"
		return d
	}

	price, err := e.ex.GetPrice(ctx, t.Symbol)
	if err != nil {
		d.Error = "get price: " + err.Error()
		e.log.Warn("exit check price unavailable", zap.String("symbol", t.Symbol), zap.Error(err))
		return d
	}

	ev := risk.Evaluate(t, price, trailing)
	d.Price = price
	d.HighWaterMark = ev.HighWaterMark
	d.TrailingStopPrice = ev.TrailingStopPrice
	d.Floor = ev.Floor

	if !ev.Breach {
		if ev.HighWaterRaised {
			if _, err := e.ledger.RaiseHighWaterMark(ctx, t.ID, ev.HighWaterMark); err != nil {
				d.Error = "persist high water mark: " + err.Error()
			}
		}
		return d
	}

	d.State = StateClosing
	d.Reason = ev.Reason
	e.bus.Publish(events.EventExitTriggered, fmt.Sprintf("%s #%d %s at %v (floor %v)", ev.Reason, t.ID, t.Symbol, price, ev.Floor))
	e.log.Warn("exit triggered",
		zap.Int64("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("reason", string(ev.Reason)),
		zap.Float64("price", price),
		zap.Float64("floor", ev.Floor))

	res, err := e.Close(ctx, CloseRequest{Ref: strconv.FormatInt(t.ID, 10), Reason: string(ev.Reason)})
	var nf *NotFoundError
	var lc *LockContentionError
	switch {
	case errors.As(err, &nf):
		d.State = StateClosed
		d.Reason = ""
		d.Note = "already closed elsewhere"
	case errors.As(err, &lc):
		d.Note = "close already in progress"
	case err != nil:
		d.State = StateWatching
		d.Error = err.Error()
	default:
		d.State = StateClosed
		d.Degraded = res.Degraded
		d.Note = res.Message
	}
	return d
}
