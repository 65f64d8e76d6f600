// Package feed turns live price ticks into exit checks for the symbols that
// have an OPEN trade, so stops fire between scheduled passes.
package feed

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// TickSource streams prices for a fixed symbol set until stop is called or
// the underlying connection ends, at which point the channel closes.
type TickSource interface {
	SubscribeTickers(ctx context.Context, symbols []string) (<-chan events.PriceTick, func(), error)
}

type TradeLister interface {
	ListOpenTrades(ctx context.Context) ([]db.Trade, error)
}

type ExitChecker interface {
	CheckExits(ctx context.Context, symbols ...string) (*engine.ExitSummary, error)
}

// PriceRecorder receives every tick; the throttled exchange uses it to keep
// its price cache warm.
type PriceRecorder interface {
	RecordPrice(symbol string, price float64)
}

// Feed follows the OPEN trade set and resubscribes when it changes.
type Feed struct {
	Source TickSource
	Trades TradeLister
	Exits  ExitChecker
	Prices PriceRecorder // optional
	Bus    *events.Bus   // optional; ticks are republished as EventPriceTick
	Log    *zap.Logger

	Refresh  time.Duration // how often the OPEN symbol set is re-read
	Debounce time.Duration // minimum gap between exit checks for one symbol
	Backoff  time.Duration // wait before resubscribing after a failure

	mu        sync.Mutex
	lastCheck map[string]time.Time
	now       func() time.Time
}

func (f *Feed) defaults() {
	if f.Log == nil {
		f.Log = zap.NewNop()
	}
	if f.Refresh <= 0 {
		f.Refresh = 30 * time.Second
	}
	if f.Debounce <= 0 {
		f.Debounce = 5 * time.Second
	}
	if f.Backoff <= 0 {
		f.Backoff = 5 * time.Second
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.lastCheck == nil {
		f.lastCheck = make(map[string]time.Time)
	}
}

// Start runs the feed in the background until ctx ends.
func (f *Feed) Start(ctx context.Context) {
	f.defaults()
	go f.Run(ctx)
	f.Log.Info("price feed started", zap.Duration("refresh", f.Refresh), zap.Duration("debounce", f.Debounce))
}

// Run blocks until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	f.defaults()
	for ctx.Err() == nil {
		symbols, err := f.openSymbols(ctx)
		if err != nil {
			f.Log.Warn("list open trades for feed", zap.Error(err))
			f.sleep(ctx, f.Backoff)
			continue
		}
		if len(symbols) == 0 {
			f.sleep(ctx, f.Refresh)
			continue
		}

		ticks, stop, err := f.Source.SubscribeTickers(ctx, symbols)
		if err != nil {
			f.Log.Warn("subscribe price feed", zap.Strings("symbols", symbols), zap.Error(err))
			f.sleep(ctx, f.Backoff)
			continue
		}
		f.Log.Debug("price feed subscribed", zap.Strings("symbols", symbols))
		if dropped := f.consume(ctx, ticks, symbols); dropped {
			f.sleep(ctx, f.Backoff)
		}
		stop()
	}
}

// consume handles ticks until the symbol set changes, ctx ends or the
// stream drops. It reports true on a drop.
func (f *Feed) consume(ctx context.Context, ticks <-chan events.PriceTick, symbols []string) bool {
	refresh := time.NewTicker(f.Refresh)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-refresh.C:
			current, err := f.openSymbols(ctx)
			if err != nil {
				f.Log.Warn("refresh feed symbols", zap.Error(err))
				continue
			}
			if !slices.Equal(current, symbols) {
				return false
			}
		case tick, ok := <-ticks:
			if !ok {
				f.Log.Info("price feed disconnected; reconnecting", zap.Duration("backoff", f.Backoff))
				return true
			}
			f.handle(ctx, tick)
		}
	}
}

func (f *Feed) handle(ctx context.Context, tick events.PriceTick) {
	if tick.Price <= 0 {
		return
	}
	if f.Prices != nil {
		f.Prices.RecordPrice(tick.Symbol, tick.Price)
	}
	f.Bus.Publish(events.EventPriceTick, tick)

	if !f.due(tick.Symbol) {
		return
	}
	summary, err := f.Exits.CheckExits(ctx, tick.Symbol)
	if err != nil {
		f.Log.Warn("tick exit check failed", zap.String("symbol", tick.Symbol), zap.Error(err))
		return
	}
	if summary.Closed > 0 {
		f.Log.Info("tick exit check closed positions",
			zap.String("symbol", tick.Symbol),
			zap.Float64("price", tick.Price),
			zap.Int("closed", summary.Closed))
	}
}

func (f *Feed) due(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if last, ok := f.lastCheck[symbol]; ok && now.Sub(last) < f.Debounce {
		return false
	}
	f.lastCheck[symbol] = now
	return true
}

// openSymbols returns the sorted, distinct symbols of OPEN trades.
func (f *Feed) openSymbols(ctx context.Context) ([]string, error) {
	trades, err := f.Trades.ListOpenTrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.Symbol)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (f *Feed) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
