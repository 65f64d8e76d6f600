package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/lock"
	"github.com/adamSellers/oakley-trading/internal/monitor"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

const defaultCloseReason = "MANUAL"

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// fraction picks the request value or the default and checks it is a
// fraction of one.
func fraction(name string, v *float64, def float64, allowZero bool) (float64, error) {
	if v == nil {
		return def, nil
	}
	f := *v
	if f > 1 || f < 0 || (!allowZero && f == 0) {
		return 0, invalid("%s must be a fraction in (0, 1], got %v", name, f)
	}
	return f, nil
}

func (e *Engine) reject(symbol string, rule Rule, format string, args ...any) error {
	err := &PreconditionError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
	monitor.PreconditionRejections.WithLabelValues(string(rule)).Inc()
	e.log.Info("open refused", zap.String("symbol", symbol), zap.String("rule", string(rule)), zap.String("detail", err.Detail))
	return err
}

// Open sizes and buys a new position. Preconditions are checked in a fixed
// order and the first failure is returned; no exchange order is placed
// unless all of them pass.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	symbol := normalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, invalid("symbol is required")
	}
	settings, err := risk.Resolve(ctx, e.ledger, e.log)
	if err != nil {
		return nil, err
	}
	alloc, err := fraction("allocation", req.Allocation, settings.DefaultAllocation, false)
	if err != nil {
		return nil, err
	}
	slPct, err := fraction("stop_loss_pct", req.StopLossPct, settings.DefaultStopLossPct, false)
	if err != nil {
		return nil, err
	}
	trailPct, err := fraction("trailing_pct", req.TrailingPct, settings.DefaultTrailingStopPct, true)
	if err != nil {
		return nil, err
	}

	halted, err := e.ledger.IsHalted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read halt flag: %w", err)
	}
	if halted {
		return nil, e.reject(symbol, RuleHalted, "trading is halted; resume before opening new positions")
	}

	lease, err := e.locks.Acquire(ctx, symbol)
	if errors.Is(err, lock.ErrContended) {
		monitor.LeaseContention.Inc()
		return nil, e.reject(symbol, RuleDuplicatePosition, "an open or close for %s is already in progress", symbol)
	}
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease)

	if err := e.checkNoPosition(ctx, symbol); err != nil {
		return nil, err
	}

	price, err := e.ex.GetPrice(ctx, symbol)
	if err != nil {
		return nil, &ExchangeError{Op: "get price " + symbol, Err: err}
	}
	if price <= 0 {
		return nil, &ExchangeError{Op: "get price " + symbol, Err: fmt.Errorf("non-positive price %v", price)}
	}
	free, err := e.ex.GetBalance(ctx, e.quote)
	if err != nil {
		return nil, &ExchangeError{Op: "get balance " + e.quote, Err: err}
	}
	lot, err := e.ex.GetLotFilter(ctx, symbol)
	if err != nil {
		return nil, &ExchangeError{Op: "get lot filter " + symbol, Err: err}
	}
	openTrades, err := e.ledger.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}
	_, openValue := risk.ValuePositions(ctx, openTrades, e.ex)

	sizing, qty, notional := computeSize(settings, alloc, price, free, openValue, lot)

	if sizing.Equity > 0 && sizing.ExposureAfter > settings.MaxPortfolioExposure {
		return nil, e.reject(symbol, RuleExposureExceeded, "exposure after entry %.2f%% exceeds max %.2f%%",
			sizing.ExposureAfter*100, settings.MaxPortfolioExposure*100)
	}
	if qty <= 0 || notional < settings.MinTradeUSDT || (lot.MinQty > 0 && qty < lot.MinQty) {
		return nil, e.reject(symbol, RuleBelowMinimum, "notional %.2f %s (qty %v) is below the minimum %.2f",
			notional, e.quote, qty, settings.MinTradeUSDT)
	}
	if spendable := free * (1 - settings.CashBuffer); spendable < notional {
		return nil, e.reject(symbol, RuleInsufficientBalance, "need %.2f %s, %.2f spendable after %.0f%% buffer",
			notional, e.quote, spendable, settings.CashBuffer*100)
	}

	var atr float64
	if settings.StopLossType == risk.StopLossATR {
		atr = e.sampleATR(ctx, symbol, settings.ATRPeriod)
	}

	res := &OpenResult{
		Order: OrderShape{
			Symbol:       symbol,
			Side:         string(common.SideBuy),
			Quantity:     qty,
			Price:        price,
			Notional:     notional,
			EstimatedFee: notional * risk.DryRunFeeRate,
		},
		Stops:  risk.EntryStops(price, settings, slPct, trailPct, atr),
		Sizing: sizing,
	}
	if req.DryRun {
		res.Simulated = true
		res.Message = fmt.Sprintf("dry run: would buy %v %s for about %.2f %s", qty, symbol, notional, e.quote)
		return res, nil
	}

	start := time.Now()
	fill, err := e.ex.PlaceMarketOrder(ctx, symbol, common.SideBuy, qty)
	monitor.ExchangeLatency.WithLabelValues(string(common.SideBuy)).Observe(time.Since(start).Seconds())
	if err == nil && fill.FillQty <= 0 {
		err = fmt.Errorf("order %s filled 0 quantity", fill.OrderID)
	}
	if err != nil {
		monitor.OrdersFailed.WithLabelValues(string(common.SideBuy)).Inc()
		e.log.Error("market buy failed", zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Error(err))
		return nil, &ExchangeError{Op: "market buy " + symbol, Err: err}
	}
	monitor.OrdersPlaced.WithLabelValues(string(common.SideBuy)).Inc()

	// The position now exists on the exchange. Ledger writes below must not
	// be abandoned because the caller went away.
	wctx := context.WithoutCancel(ctx)

	entryPrice, filled := fill.FillPrice, heldQuantity(fill, lot.StepSize)
	if entryPrice <= 0 {
		entryPrice = price
	}
	entryTime := fill.Time
	if entryTime.IsZero() {
		entryTime = e.now()
	}
	stops := risk.EntryStops(entryPrice, settings, slPct, trailPct, atr)
	trade := db.Trade{
		Symbol:        symbol,
		Status:        db.StatusOpen,
		EntryPrice:    entryPrice,
		Quantity:      filled,
		EntryTime:     entryTime.UTC(),
		StopLossPrice: stops.StopLossPrice,
		StopLossType:  string(stops.StopLossType),
		ATRAtEntry:    stops.ATR,
		TrailingPct:   trailPct,
		HighWaterMark: entryPrice,
		Reason:        req.Reason,
		EntryOrderRef: fill.OrderID,
		EntryFee:      fill.Fee,
	}
	res.Stops = stops
	res.Order.Quantity = filled
	res.Order.Price = entryPrice
	res.Order.Notional = decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromFloat(filled)).InexactFloat64()
	res.Order.EstimatedFee = fill.Fee

	id, err := e.ledger.InsertTrade(wctx, trade)
	if err != nil {
		e.degradeOpen(wctx, res, trade, err)
		return res, nil
	}
	trade.ID = id
	res.Trade = &trade
	res.Message = fmt.Sprintf("opened trade #%d: bought %v %s at %v", id, filled, symbol, entryPrice)

	monitor.TradesOpened.Inc()
	e.bus.Publish(events.EventTradeOpened, trade)
	e.log.Info("trade opened",
		zap.Int64("trade_id", id),
		zap.String("symbol", symbol),
		zap.Float64("qty", filled),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("stop_loss", stops.StopLossPrice),
		zap.String("order_ref", fill.OrderID))
	return res, nil
}

// heldQuantity is what the account holds after a buy: any commission taken
// in the base asset comes off the fill, floored to the lot step so the whole
// position can be sold in one order.
func heldQuantity(fill common.Fill, step float64) float64 {
	net := decimal.NewFromFloat(fill.FillQty).Sub(decimal.NewFromFloat(fill.BaseFee)).InexactFloat64()
	if floored := common.FloorToStep(net, step); floored > 0 {
		return floored
	}
	return net
}

// checkNoPosition refuses a second position for symbol, including one that
// filled but is still waiting in the recovery queue.
func (e *Engine) checkNoPosition(ctx context.Context, symbol string) error {
	existing, err := e.ledger.GetOpenTrade(ctx, symbol)
	if err == nil {
		return e.reject(symbol, RuleDuplicatePosition, "trade #%d for %s is already open", existing.ID, symbol)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("check open trade %s: %w", symbol, err)
	}
	item, err := e.recovery.PendingOpen(ctx, symbol)
	if err != nil {
		return fmt.Errorf("check recovery queue: %w", err)
	}
	if item != nil {
		where := "the recovery WAL"
		if item.ID != 0 {
			where = fmt.Sprintf("the recovery queue (item #%d)", item.ID)
		}
		return e.reject(symbol, RuleDuplicatePosition, "a filled buy for %s is waiting in %s", symbol, where)
	}
	return nil
}

// computeSize derives quantity and notional for an open:
// notional = equity × allocation × riskPerTrade, capped at MaxCapitalAtRisk,
// then floored to the lot step.
func computeSize(s risk.Settings, alloc, price, free, openValue float64, lot common.LotFilter) (Sizing, float64, float64) {
	equity := decimal.NewFromFloat(free).Add(decimal.NewFromFloat(openValue))
	target := equity.Mul(decimal.NewFromFloat(alloc)).Mul(decimal.NewFromFloat(s.RiskPerTrade))

	sz := Sizing{
		QuoteFree:    free,
		OpenValue:    openValue,
		Equity:       equity.InexactFloat64(),
		Allocation:   alloc,
		RiskPerTrade: s.RiskPerTrade,
	}
	if limit := decimal.NewFromFloat(s.MaxCapitalAtRisk); s.MaxCapitalAtRisk > 0 && target.GreaterThan(limit) {
		target = limit
		sz.Capped = true
	}
	if target.Sign() <= 0 || price <= 0 {
		return sz, 0, 0
	}

	qty := common.FloorToStep(target.Div(decimal.NewFromFloat(price)).InexactFloat64(), lot.StepSize)
	if lot.MaxQty > 0 && qty > lot.MaxQty {
		qty = common.FloorToStep(lot.MaxQty, lot.StepSize)
	}
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	if equity.Sign() > 0 {
		sz.ExposureAfter = decimal.NewFromFloat(openValue).Add(notional).Div(equity).InexactFloat64()
	}
	return sz, qty, notional.InexactFloat64()
}

// sampleATR reads ATR once at entry. A failure leaves the stop on the
// fixed percentage.
func (e *Engine) sampleATR(ctx context.Context, symbol string, period int) float64 {
	atr, err := e.ex.GetATR(ctx, symbol, period)
	if err != nil {
		e.log.Warn("ATR unavailable, using fixed stop", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	return atr
}

func (e *Engine) degradeOpen(ctx context.Context, res *OpenResult, trade db.Trade, writeErr error) {
	res.Degraded = true
	res.Trade = &trade
	e.log.Error("ledger write failed after buy", zap.String("symbol", trade.Symbol),
		zap.String("order_ref", trade.EntryOrderRef), zap.Error(writeErr))

	enq, err := e.recovery.Enqueue(ctx, db.RecoveryOpen, db.RecoveryPayload{Trade: trade}, trade.EntryOrderRef)
	if err != nil {
		e.log.Error("recovery enqueue failed", zap.String("order_ref", trade.EntryOrderRef), zap.Error(err))
		res.Message = fmt.Sprintf("order %s EXECUTED (bought %v %s) but the ledger write failed (%v) and the recovery queue is unavailable (%v); reconcile will report it as an orphan",
			trade.EntryOrderRef, trade.Quantity, trade.Symbol, writeErr, err)
		return
	}
	res.Recovery = &enq
	res.Message = fmt.Sprintf("order %s EXECUTED (bought %v %s) but the ledger write failed (%v); bookkeeping is pending in the recovery queue",
		trade.EntryOrderRef, trade.Quantity, trade.Symbol, writeErr)
}

// resolveTarget finds the OPEN trade named by ref: a numeric trade id or a symbol.
func (e *Engine) resolveTarget(ctx context.Context, ref string) (*db.Trade, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, invalid("trade id or symbol is required")
	}
	if id, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64); err == nil {
		t, err := e.ledger.GetTrade(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, &NotFoundError{Ref: "#" + strconv.FormatInt(id, 10)}
		}
		if err != nil {
			return nil, err
		}
		if t.Status != db.StatusOpen {
			return nil, &NotFoundError{Ref: "#" + strconv.FormatInt(id, 10), Detail: "trade is " + string(t.Status)}
		}
		return t, nil
	}
	symbol := normalizeSymbol(ref)
	t, err := e.ledger.GetOpenTrade(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &NotFoundError{Ref: symbol}
	}
	return t, err
}

// Close sells the full quantity of an OPEN trade while holding the symbol lease.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	target, err := e.resolveTarget(ctx, req.Ref)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultCloseReason
	}

	lease, err := e.locks.Acquire(ctx, target.Symbol)
	if errors.Is(err, lock.ErrContended) {
		monitor.LeaseContention.Inc()
		return nil, &LockContentionError{Symbol: target.Symbol}
	}
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease)

	// Re-read under the lease: a close that held it before us may have finished.
	trade, err := e.ledger.GetTrade(ctx, target.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &NotFoundError{Ref: target.Symbol}
	}
	if err != nil {
		return nil, err
	}
	if trade.Status != db.StatusOpen {
		return nil, &NotFoundError{Ref: target.Symbol, Detail: "already closed"}
	}
	pending, err := e.recovery.HasPendingClose(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("check recovery queue: %w", err)
	}
	if pending {
		return nil, &NotFoundError{Ref: target.Symbol, Detail: "a filled sell is waiting in the recovery queue"}
	}

	if req.DryRun {
		price, err := e.ex.GetPrice(ctx, trade.Symbol)
		if err != nil {
			return nil, &ExchangeError{Op: "get price " + trade.Symbol, Err: err}
		}
		notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(trade.Quantity)).InexactFloat64()
		fee := notional * risk.DryRunFeeRate
		exit := settle(*trade, trade.Quantity, price, fee, e.now(), reason, "")
		return &CloseResult{
			Simulated: true,
			Message:   fmt.Sprintf("dry run: would sell %v %s, estimated P&L %.2f %s", trade.Quantity, trade.Symbol, exit.PnL, e.quote),
			Order:     OrderShape{Symbol: trade.Symbol, Side: string(common.SideSell), Quantity: trade.Quantity, Price: price, Notional: notional, EstimatedFee: fee},
			Exit:      exit,
			HeldFor:   heldFor(trade.EntryTime, exit.ExitTime),
			Trade:     trade,
		}, nil
	}

	lot, err := e.ex.GetLotFilter(ctx, trade.Symbol)
	if err != nil {
		return nil, &ExchangeError{Op: "get lot filter " + trade.Symbol, Err: err}
	}
	sellQty := common.FloorToStep(trade.Quantity, lot.StepSize)
	if sellQty <= 0 {
		sellQty = trade.Quantity
	}

	start := time.Now()
	fill, err := e.ex.PlaceMarketOrder(ctx, trade.Symbol, common.SideSell, sellQty)
	monitor.ExchangeLatency.WithLabelValues(string(common.SideSell)).Observe(time.Since(start).Seconds())
	if err == nil && fill.FillQty <= 0 {
		// Nothing sold: the position is still held and stays OPEN.
		err = fmt.Errorf("order %s filled 0 quantity", fill.OrderID)
	}
	if err != nil {
		monitor.OrdersFailed.WithLabelValues(string(common.SideSell)).Inc()
		e.log.Error("market sell failed", zap.Int64("trade_id", trade.ID), zap.String("symbol", trade.Symbol), zap.Error(err))
		return nil, &ExchangeError{Op: "market sell " + trade.Symbol, Err: err}
	}
	monitor.OrdersPlaced.WithLabelValues(string(common.SideSell)).Inc()

	wctx := context.WithoutCancel(ctx)
	exitTime := fill.Time
	if exitTime.IsZero() {
		exitTime = e.now()
	}
	exitPrice := fill.FillPrice
	if exitPrice <= 0 {
		if p, err := e.ex.GetPrice(wctx, trade.Symbol); err == nil {
			exitPrice = p
		}
		e.log.Warn("sell fill carried no price, using last price",
			zap.String("order_ref", fill.OrderID), zap.Float64("price", exitPrice))
	}
	if fill.FillQty < sellQty {
		e.log.Warn("partial sell fill", zap.Int64("trade_id", trade.ID),
			zap.Float64("requested", sellQty), zap.Float64("executed", fill.FillQty))
	}
	exit := settle(*trade, fill.FillQty, exitPrice, fill.Fee, exitTime, reason, fill.OrderID)
	res := &CloseResult{
		Order: OrderShape{
			Symbol:       trade.Symbol,
			Side:         string(common.SideSell),
			Quantity:     fill.FillQty,
			Price:        exitPrice,
			Notional:     decimal.NewFromFloat(exitPrice).Mul(decimal.NewFromFloat(fill.FillQty)).InexactFloat64(),
			EstimatedFee: fill.Fee,
		},
		Exit:    exit,
		HeldFor: heldFor(trade.EntryTime, exit.ExitTime),
	}

	if err := e.ledger.CloseTrade(wctx, trade.ID, exit); err != nil {
		e.degradeClose(wctx, res, *trade, exit, err)
		return res, nil
	}
	closed := withExit(*trade, exit)
	res.Trade = &closed
	res.Message = fmt.Sprintf("closed trade #%d: sold %v %s at %v, P&L %.2f %s",
		trade.ID, fill.FillQty, trade.Symbol, exit.ExitPrice, exit.PnL, e.quote)

	monitor.TradesClosed.WithLabelValues(metricReason(reason)).Inc()
	e.bus.Publish(events.EventTradeClosed, closed)
	e.log.Info("trade closed",
		zap.Int64("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit_price", exit.ExitPrice),
		zap.Float64("pnl", exit.PnL),
		zap.String("order_ref", exit.OrderRef))
	return res, nil
}

func (e *Engine) degradeClose(ctx context.Context, res *CloseResult, trade db.Trade, exit db.TradeExit, writeErr error) {
	res.Degraded = true
	closed := withExit(trade, exit)
	res.Trade = &closed
	e.log.Error("ledger write failed after sell", zap.Int64("trade_id", trade.ID),
		zap.String("order_ref", exit.OrderRef), zap.Error(writeErr))

	enq, err := e.recovery.Enqueue(ctx, db.RecoveryClose, db.RecoveryPayload{Trade: trade, Exit: &exit}, exit.OrderRef)
	if err != nil {
		e.log.Error("recovery enqueue failed", zap.String("order_ref", exit.OrderRef), zap.Error(err))
		res.Message = fmt.Sprintf("order %s EXECUTED (sold %v %s) but the ledger write failed (%v) and the recovery queue is unavailable (%v); reconcile will report trade #%d as a zombie",
			exit.OrderRef, trade.Quantity, trade.Symbol, writeErr, err, trade.ID)
		return
	}
	res.Recovery = &enq
	res.Message = fmt.Sprintf("order %s EXECUTED (sold %v %s) but the ledger write failed (%v); bookkeeping is pending in the recovery queue",
		exit.OrderRef, trade.Quantity, trade.Symbol, writeErr)
}

// settle computes realized P&L on the executed quantity:
// (exit - entry) × sold - (entry fee + exit fee).
func settle(t db.Trade, sold, exitPrice, exitFee float64, at time.Time, reason, ref string) db.TradeExit {
	fees := decimal.NewFromFloat(t.EntryFee).Add(decimal.NewFromFloat(exitFee))
	pnl := decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(t.EntryPrice)).
		Mul(decimal.NewFromFloat(sold)).
		Sub(fees)
	return db.TradeExit{
		ExitPrice: exitPrice,
		ExitTime:  at.UTC(),
		Reason:    reason,
		OrderRef:  ref,
		Fees:      fees.InexactFloat64(),
		PnL:       pnl.InexactFloat64(),
	}
}

func withExit(t db.Trade, exit db.TradeExit) db.Trade {
	t.Status = db.StatusClosed
	t.ExitPrice = &exit.ExitPrice
	t.ExitTime = &exit.ExitTime
	t.ExitReason = &exit.Reason
	t.ExitOrderRef = &exit.OrderRef
	t.PnL = &exit.PnL
	t.Fees = &exit.Fees
	return t
}

func heldFor(from, to time.Time) string {
	if from.IsZero() || to.Before(from) {
		return "0s"
	}
	return to.Sub(from).Truncate(time.Second).String()
}

// metricReason keeps free-text manual reasons out of metric labels.
func metricReason(reason string) string {
	switch risk.ExitReason(reason) {
	case risk.ExitStopLoss, risk.ExitTrailingStop:
		return reason
	}
	return defaultCloseReason
}
