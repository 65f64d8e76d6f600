package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamSellers/oakley-trading/internal/lock"
	"github.com/adamSellers/oakley-trading/internal/market"
	"github.com/adamSellers/oakley-trading/internal/recovery"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// flakyLedger fails trade writes on demand, simulating a ledger outage
// between a confirmed fill and its bookkeeping.
type flakyLedger struct {
	*db.Database
	failInsert atomic.Bool
	failClose  atomic.Bool
}

var errLedgerDown = errors.New("database is locked")

func (l *flakyLedger) InsertTrade(ctx context.Context, t db.Trade) (int64, error) {
	if l.failInsert.Load() {
		return 0, errLedgerDown
	}
	return l.Database.InsertTrade(ctx, t)
}

func (l *flakyLedger) CloseTrade(ctx context.Context, id int64, exit db.TradeExit) error {
	if l.failClose.Load() {
		return errLedgerDown
	}
	return l.Database.CloseTrade(ctx, id, exit)
}

type harness struct {
	db     *db.Database
	ledger *flakyLedger
	ex     *market.MockExchange
	locks  *lock.Manager
	queue  *recovery.Queue
	eng    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	ex := market.NewMockExchange("USDT")
	ex.SetBalance("USDT", 10000)
	ex.SetPrice("BTCUSDT", 50000)
	ex.SetPrice("ETHUSDT", 2500)

	h := &harness{
		db:     database,
		ledger: &flakyLedger{Database: database},
		ex:     ex,
		locks:  lock.NewManager(database, time.Minute, nil),
		queue:  recovery.NewQueue(database, nil, nil, nil),
	}
	h.eng = New(Config{
		Ledger:     h.ledger,
		Exchange:   ex,
		Locks:      h.locks,
		Recovery:   h.queue,
		QuoteAsset: "USDT",
	})
	return h
}

func ptr(f float64) *float64 { return &f }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func sells(ex *market.MockExchange) int {
	n := 0
	for _, o := range ex.Orders() {
		if o.Side == common.SideSell {
			n++
		}
	}
	return n
}

func (h *harness) mustOpen(t *testing.T, symbol string) *db.Trade {
	t.Helper()
	res, err := h.eng.Open(context.Background(), OpenRequest{Symbol: symbol, Reason: "test entry"})
	if err != nil {
		t.Fatalf("Open(%s): %v", symbol, err)
	}
	if res.Degraded || res.Trade == nil || res.Trade.ID == 0 {
		t.Fatalf("Open(%s) returned %+v", symbol, res)
	}
	return res.Trade
}

func TestOpenSizesAndRecordsTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.eng.Open(ctx, OpenRequest{Symbol: "btcusdt", Reason: "breakout"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// 10000 equity × 0.15 × 0.98 = 1470 USDT → 0.0294 BTC at 50000.
	if !near(res.Order.Quantity, 0.0294) || !near(res.Order.Notional, 1470) {
		t.Fatalf("order = %+v, expected qty 0.0294 notional 1470", res.Order)
	}
	if !near(res.Sizing.Equity, 10000) || !near(res.Sizing.ExposureAfter, 0.147) {
		t.Fatalf("sizing = %+v", res.Sizing)
	}

	stored, err := h.db.GetOpenTrade(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenTrade: %v", err)
	}
	if stored.ID != res.Trade.ID || stored.Reason != "breakout" {
		t.Fatalf("stored trade = %+v", stored)
	}
	if !near(stored.StopLossPrice, 47500) || stored.StopLossType != string(risk.StopLossFixed) {
		t.Errorf("stop = %v %s, expected 47500 FIXED", stored.StopLossPrice, stored.StopLossType)
	}
	if stored.HighWaterMark != 50000 || !near(stored.TrailingPct, 0.03) {
		t.Errorf("trailing = hwm %v pct %v", stored.HighWaterMark, stored.TrailingPct)
	}
	if stored.EntryOrderRef == "" || !near(stored.EntryFee, 1.47) {
		t.Errorf("fill data not recorded: ref %q fee %v", stored.EntryOrderRef, stored.EntryFee)
	}

	if _, err := h.locks.Acquire(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("lease should be released after open: %v", err)
	}
}

func TestOpenPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		req   OpenRequest
		want  Rule
	}{
		{
			name: "halted wins over duplicate",
			setup: func(t *testing.T, h *harness) {
				h.mustOpen(t, "BTCUSDT")
				if _, err := risk.Halt(context.Background(), h.db, nil); err != nil {
					t.Fatal(err)
				}
			},
			req:  OpenRequest{Symbol: "BTCUSDT"},
			want: RuleHalted,
		},
		{
			name:  "duplicate position",
			setup: func(t *testing.T, h *harness) { h.mustOpen(t, "BTCUSDT") },
			req:   OpenRequest{Symbol: "BTCUSDT"},
			want:  RuleDuplicatePosition,
		},
		{
			name: "exposure exceeded",
			setup: func(t *testing.T, h *harness) {
				if err := h.db.SetConfigOverride(context.Background(), "max_portfolio_exposure", "0.1"); err != nil {
					t.Fatal(err)
				}
			},
			req:  OpenRequest{Symbol: "BTCUSDT"},
			want: RuleExposureExceeded,
		},
		{
			name: "below minimum",
			req:  OpenRequest{Symbol: "BTCUSDT", Allocation: ptr(0.0001)},
			want: RuleBelowMinimum,
		},
		{
			name: "insufficient balance after buffer",
			setup: func(t *testing.T, h *harness) {
				ctx := context.Background()
				// 7500 USDT already deployed in ETH, 2500 free.
				h.ex.SetBalance("USDT", 2500)
				if _, err := h.db.InsertTrade(ctx, db.Trade{
					Symbol: "ETHUSDT", Status: db.StatusOpen, EntryPrice: 2500, Quantity: 3,
					EntryTime: time.Now(), StopLossPrice: 2375, HighWaterMark: 2500, EntryOrderRef: "seed",
				}); err != nil {
					t.Fatal(err)
				}
				if err := h.db.SetConfigOverride(ctx, "max_portfolio_exposure", "1"); err != nil {
					t.Fatal(err)
				}
			},
			// 10000 × 0.255 × 0.98 = 2499 > 2500 × 0.99.
			req:  OpenRequest{Symbol: "BTCUSDT", Allocation: ptr(0.255)},
			want: RuleInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(t, h)
			}
			attempts := h.ex.OrderAttempts()

			_, err := h.eng.Open(context.Background(), tt.req)
			var pe *PreconditionError
			if !errors.As(err, &pe) {
				t.Fatalf("expected PreconditionError, got %v", err)
			}
			if pe.Rule != tt.want {
				t.Fatalf("rule=%s, expected %s (%s)", pe.Rule, tt.want, pe.Detail)
			}
			if h.ex.OrderAttempts() != attempts {
				t.Fatal("a refused open must not contact the exchange")
			}
			items, err := h.queue.List(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(items) != 0 {
				t.Fatalf("refused open produced recovery items: %+v", items)
			}
		})
	}
}

func TestConcurrentOpensYieldOnePosition(t *testing.T) {
	h := newHarness(t)
	const workers = 8

	var wg sync.WaitGroup
	var opened, refused atomic.Int32
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT"})
			switch {
			case err == nil:
				opened.Add(1)
			case IsPrecondition(err, RuleDuplicatePosition):
				refused.Add(1)
			default:
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	if opened.Load() != 1 || refused.Load() != workers-1 {
		t.Fatalf("opened=%d refused=%d, expected 1 and %d", opened.Load(), refused.Load(), workers-1)
	}
	if n := len(h.ex.Orders()); n != 1 {
		t.Fatalf("exchange saw %d orders, expected 1", n)
	}
	open, err := h.db.ListOpenTrades(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("%d open trades, expected 1", len(open))
	}
}

func TestOpenDryRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	res, err := h.eng.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", DryRun: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !res.Simulated || res.Trade != nil {
		t.Fatalf("dry run result = %+v", res)
	}
	if !near(res.Order.EstimatedFee, 1.47) || !near(res.Stops.StopLossPrice, 47500) {
		t.Fatalf("dry run shape = %+v %+v", res.Order, res.Stops)
	}
	if h.ex.OrderAttempts() != 0 {
		t.Fatal("dry run contacted the exchange")
	}
	if _, err := h.db.GetOpenTrade(context.Background(), "BTCUSDT"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("dry run wrote a trade: %v", err)
	}
}

func TestOpenATRStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.db.SetConfigOverride(ctx, "stop_loss_type", "ATR"); err != nil {
		t.Fatal(err)
	}
	h.ex.SetATR("BTCUSDT", 1000)

	btc := h.mustOpen(t, "BTCUSDT")
	if btc.StopLossType != string(risk.StopLossATR) || !near(btc.StopLossPrice, 48500) || btc.ATRAtEntry != 1000 {
		t.Fatalf("ATR stop = %s %v atr %v, expected ATR 48500", btc.StopLossType, btc.StopLossPrice, btc.ATRAtEntry)
	}

	// No candles for ETH: the fixed stop applies.
	eth := h.mustOpen(t, "ETHUSDT")
	if eth.StopLossType != string(risk.StopLossFixed) || !near(eth.StopLossPrice, 2375) {
		t.Fatalf("fallback stop = %s %v, expected FIXED 2375", eth.StopLossType, eth.StopLossPrice)
	}
}

func TestOpenExchangeFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.ex.FailOrders(&common.NetworkError{Op: "place order", Err: errors.New("timeout")})

	_, err := h.eng.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT"})
	var xe *ExchangeError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if h.ex.OrderAttempts() != 1 {
		t.Fatalf("order attempts=%d, expected exactly 1", h.ex.OrderAttempts())
	}
	items, _ := h.queue.List(context.Background())
	trades, _ := h.db.ListTrades(context.Background(), "", 0)
	if len(items) != 0 || len(trades) != 0 {
		t.Fatalf("failed order left state: %d items, %d trades", len(items), len(trades))
	}
}

func TestOpenLedgerFailureQueuesRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ledger.failInsert.Store(true)
	res, err := h.eng.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Reason: "thesis"})
	if err != nil {
		t.Fatalf("a post-fill write failure must not surface as an error: %v", err)
	}
	if !res.Degraded || res.Recovery == nil || res.Recovery.ID == 0 {
		t.Fatalf("expected degraded result with recovery id, got %+v", res)
	}
	intended := *res.Trade

	items, err := h.queue.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Kind != db.RecoveryOpen || items[0].ExchangeRef != intended.EntryOrderRef {
		t.Fatalf("recovery items = %+v", items)
	}

	// The filled buy still counts as a position for duplicate checks.
	if _, err := h.eng.Open(ctx, OpenRequest{Symbol: "BTCUSDT"}); !IsPrecondition(err, RuleDuplicatePosition) {
		t.Fatalf("expected duplicate_position while the open is pending, got %v", err)
	}

	h.ledger.failInsert.Store(false)
	attempts := h.ex.OrderAttempts()
	report, err := h.queue.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("retry report = %+v", report)
	}
	if h.ex.OrderAttempts() != attempts {
		t.Fatal("retry must never call the exchange")
	}

	stored, err := h.db.GetOpenTrade(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenTrade: %v", err)
	}
	if stored.EntryTime.UnixMilli() != intended.EntryTime.UnixMilli() {
		t.Fatalf("entry time regenerated: %v vs %v", stored.EntryTime, intended.EntryTime)
	}
	got, want := *stored, intended
	got.ID, got.EntryTime, want.EntryTime = 0, time.Time{}, time.Time{}
	if got != want {
		t.Fatalf("replayed trade differs:\n got %+v\nwant %+v", got, want)
	}
}

func TestCloseBySymbolThenAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.mustOpen(t, "BTCUSDT")
	h.ex.SetPrice("BTCUSDT", 55000)

	res, err := h.eng.Close(ctx, CloseRequest{Ref: "btcusdt", Reason: "take profit"})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// (55000 - 50000) × 0.0294 - (1.47 + 1.617)
	if !near(res.Exit.PnL, 143.913) || !near(res.Exit.Fees, 3.087) {
		t.Fatalf("exit = %+v", res.Exit)
	}
	stored, err := h.db.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != db.StatusClosed || stored.PnL == nil || !near(*stored.PnL, 143.913) || *stored.ExitReason != "take profit" {
		t.Fatalf("stored = %+v", stored)
	}

	for _, ref := range []string{"BTCUSDT", "1"} {
		_, err = h.eng.Close(ctx, CloseRequest{Ref: ref})
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("second close by %q: expected NotFoundError, got %v", ref, err)
		}
	}
	if sells(h.ex) != 1 {
		t.Fatalf("sell orders=%d, expected 1", sells(h.ex))
	}
}

func TestCloseDryRun(t *testing.T) {
	h := newHarness(t)
	h.mustOpen(t, "BTCUSDT")
	h.ex.SetPrice("BTCUSDT", 45000)

	res, err := h.eng.Close(context.Background(), CloseRequest{Ref: "BTCUSDT", DryRun: true})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !res.Simulated || res.Exit.PnL >= 0 {
		t.Fatalf("dry run = %+v", res)
	}
	if sells(h.ex) != 0 {
		t.Fatal("dry run placed a sell")
	}
	if _, err := h.locks.Acquire(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("dry run must release the lease: %v", err)
	}
}

func TestCloseLockContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustOpen(t, "BTCUSDT")

	held, err := h.locks.Acquire(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"})
	var lc *LockContentionError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LockContentionError, got %v", err)
	}
	if sells(h.ex) != 0 {
		t.Fatal("contended close reached the exchange")
	}

	if err := h.locks.Release(ctx, held); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); err != nil {
		t.Fatalf("close after release: %v", err)
	}
}

func TestCloseExchangeFailureKeepsPositionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.mustOpen(t, "BTCUSDT")

	h.ex.FailOrders(errors.New("connection reset"))
	_, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"})
	var xe *ExchangeError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	stored, _ := h.db.GetTrade(ctx, trade.ID)
	if stored.Status != db.StatusOpen {
		t.Fatal("trade must stay OPEN after a failed sell")
	}

	h.ex.FailOrders(nil)
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); err != nil {
		t.Fatalf("later close: %v", err)
	}
}

func TestCloseLedgerFailureNeverSellsTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.mustOpen(t, "BTCUSDT")
	h.ex.SetPrice("BTCUSDT", 40000)

	h.ledger.failClose.Store(true)
	res, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT", Reason: "cut"})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !res.Degraded || res.Recovery == nil {
		t.Fatalf("expected degraded close, got %+v", res)
	}

	// Ledger still says OPEN, but neither a manual close nor the enforcer
	// may sell again.
	var nf *NotFoundError
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError while close is pending, got %v", err)
	}
	summary, err := h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatalf("CheckExits: %v", err)
	}
	if summary.Closed != 0 || summary.Details[0].State != StateClosing {
		t.Fatalf("enforcer summary = %+v", summary)
	}
	if sells(h.ex) != 1 {
		t.Fatalf("sell orders=%d, expected 1", sells(h.ex))
	}

	h.ledger.failClose.Store(false)
	if _, err := h.queue.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	stored, _ := h.db.GetTrade(ctx, trade.ID)
	if stored.Status != db.StatusClosed || *stored.ExitOrderRef != res.Exit.OrderRef || !near(*stored.PnL, res.Exit.PnL) {
		t.Fatalf("replayed close = %+v", stored)
	}
}

func TestHaltBlocksOpenButNotClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustOpen(t, "BTCUSDT")
	h.mustOpen(t, "ETHUSDT")

	if _, err := risk.Halt(ctx, h.db, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Open(ctx, OpenRequest{Symbol: "SOLUSDT"}); !IsPrecondition(err, RuleHalted) {
		t.Fatalf("expected halted, got %v", err)
	}
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); err != nil {
		t.Fatalf("close while halted: %v", err)
	}

	h.ex.SetPrice("ETHUSDT", 2000)
	summary, err := h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatalf("CheckExits: %v", err)
	}
	if summary.Closed != 1 || summary.Details[0].Reason != risk.ExitStopLoss {
		t.Fatalf("enforcer while halted = %+v", summary)
	}

	if _, err := risk.Resume(ctx, h.db, nil); err != nil {
		t.Fatal(err)
	}
	h.ex.SetPrice("SOLUSDT", 150)
	h.mustOpen(t, "SOLUSDT")
}

func TestCheckExitsRatchetsThenTrails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.mustOpen(t, "BTCUSDT")

	h.ex.SetPrice("BTCUSDT", 55000)
	summary, err := h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatalf("CheckExits: %v", err)
	}
	if summary.Checked != 1 || summary.Closed != 0 || summary.Details[0].State != StateWatching {
		t.Fatalf("first pass = %+v", summary)
	}
	stored, _ := h.db.GetTrade(ctx, trade.ID)
	if stored.HighWaterMark != 55000 {
		t.Fatalf("hwm=%v, expected 55000", stored.HighWaterMark)
	}

	// A lower price never lowers the mark.
	h.ex.SetPrice("BTCUSDT", 54000)
	if _, err := h.eng.CheckExits(ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ = h.db.GetTrade(ctx, trade.ID)
	if stored.HighWaterMark != 55000 {
		t.Fatalf("hwm moved down to %v", stored.HighWaterMark)
	}

	// Trailing stop at 55000 × 0.97 = 53350.
	h.ex.SetPrice("BTCUSDT", 53300)
	summary, err = h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := summary.Details[0]
	if summary.Closed != 1 || d.State != StateClosed || d.Reason != risk.ExitTrailingStop || !near(d.Floor, 53350) {
		t.Fatalf("trailing pass = %+v", summary)
	}
	stored, _ = h.db.GetTrade(ctx, trade.ID)
	if stored.Status != db.StatusClosed || *stored.ExitReason != string(risk.ExitTrailingStop) {
		t.Fatalf("stored = %+v", stored)
	}

	// Re-running is a no-op.
	summary, err = h.eng.CheckExits(ctx)
	if err != nil || summary.Checked != 0 {
		t.Fatalf("rerun = %+v, %v", summary, err)
	}
}

func TestCheckExitsSymbolFilterAndPriceErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustOpen(t, "BTCUSDT")
	h.mustOpen(t, "ETHUSDT")
	h.ex.FailPrice("ETHUSDT", errors.New("timeout"))

	summary, err := h.eng.CheckExits(ctx, "btcusdt")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 1 || summary.Errors != 0 || summary.Details[0].Symbol != "BTCUSDT" {
		t.Fatalf("filtered = %+v", summary)
	}

	summary, err = h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 2 || summary.Errors != 1 {
		t.Fatalf("unfiltered = %+v", summary)
	}
}

func TestEnforcerRacingManualCloseSellsOnce(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := newHarness(t)
		ctx := context.Background()
		h.mustOpen(t, "BTCUSDT")
		h.ex.SetPrice("BTCUSDT", 40000)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"})
			var nf *NotFoundError
			var lc *LockContentionError
			if err != nil && !errors.As(err, &nf) && !errors.As(err, &lc) {
				t.Errorf("manual close: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			summary, err := h.eng.CheckExits(ctx)
			if err != nil || summary.Errors != 0 {
				t.Errorf("CheckExits: %+v %v", summary, err)
			}
		}()
		wg.Wait()

		if n := sells(h.ex); n != 1 {
			t.Fatalf("round %d: %d sells, expected exactly 1", i, n)
		}
	}
}

func TestComputeSizeCapsCapital(t *testing.T) {
	s := risk.DefaultSettings()
	s.MaxCapitalAtRisk = 500

	sz, qty, notional := computeSize(s, 0.5, 100, 10000, 0, common.LotFilter{StepSize: 0.01})
	if !sz.Capped || !near(qty, 5) || !near(notional, 500) {
		t.Fatalf("capped sizing = %+v qty %v notional %v", sz, qty, notional)
	}

	sz, qty, _ = computeSize(s, 0.5, 100, 0, 0, common.LotFilter{StepSize: 0.01})
	if qty != 0 || sz.ExposureAfter != 0 {
		t.Fatalf("zero equity sizing = %+v qty %v", sz, qty)
	}
}

// refusingQueueStore rejects recovery inserts while refuse is set, so items
// spill to the WAL.
type refusingQueueStore struct {
	*db.Database
	refuse atomic.Bool
}

func (s *refusingQueueStore) InsertRecoveryItem(ctx context.Context, item db.RecoveryItem) (int64, error) {
	if s.refuse.Load() {
		return 0, errLedgerDown
	}
	return s.Database.InsertRecoveryItem(ctx, item)
}

func TestSpilledCloseNeverSellsTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wal, err := recovery.OpenWAL(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	store := &refusingQueueStore{Database: h.db}
	h.queue = recovery.NewQueue(store, wal, nil, nil)
	h.eng = New(Config{Ledger: h.ledger, Exchange: h.ex, Locks: h.locks, Recovery: h.queue, QuoteAsset: "USDT"})

	trade := h.mustOpen(t, "BTCUSDT")
	h.ex.SetPrice("BTCUSDT", 40000)

	h.ledger.failClose.Store(true)
	store.refuse.Store(true)
	res, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !res.Degraded || res.Recovery == nil || !res.Recovery.Spilled {
		t.Fatalf("expected close spilled to the WAL, got %+v", res)
	}

	// Ledger writable again, recovery table still refusing: the WAL alone
	// must block another sell.
	h.ledger.failClose.Store(false)
	var nf *NotFoundError
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError while close sits in the WAL, got %v", err)
	}

	// Fully healthy: the spilled item is imported and still blocks the enforcer.
	store.refuse.Store(false)
	summary, err := h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatalf("CheckExits: %v", err)
	}
	if summary.Closed != 0 || summary.Details[0].State != StateClosing {
		t.Fatalf("enforcer summary = %+v", summary)
	}
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError after WAL import, got %v", err)
	}
	if n := sells(h.ex); n != 1 {
		t.Fatalf("sell orders = %d, want 1", n)
	}

	report, err := h.queue.Retry(ctx)
	if err != nil || report.Resolved != 1 {
		t.Fatalf("Retry = %+v err=%v", report, err)
	}
	stored, _ := h.db.GetTrade(ctx, trade.ID)
	if stored.Status != db.StatusClosed || *stored.ExitOrderRef != res.Exit.OrderRef {
		t.Fatalf("replayed close = %+v", stored)
	}
}

func TestSpilledOpenCountsAsPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wal, err := recovery.OpenWAL(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	store := &refusingQueueStore{Database: h.db}
	h.queue = recovery.NewQueue(store, wal, nil, nil)
	h.eng = New(Config{Ledger: h.ledger, Exchange: h.ex, Locks: h.locks, Recovery: h.queue, QuoteAsset: "USDT"})

	h.ledger.failInsert.Store(true)
	store.refuse.Store(true)
	res, err := h.eng.Open(ctx, OpenRequest{Symbol: "BTCUSDT"})
	if err != nil || !res.Degraded || res.Recovery == nil || !res.Recovery.Spilled {
		t.Fatalf("expected spilled open, got %+v err=%v", res, err)
	}

	h.ledger.failInsert.Store(false)
	if _, err := h.eng.Open(ctx, OpenRequest{Symbol: "BTCUSDT"}); !IsPrecondition(err, RuleDuplicatePosition) {
		t.Fatalf("expected duplicate_position from the WAL, got %v", err)
	}
	if n := len(h.ex.Orders()); n != 1 {
		t.Fatalf("orders = %d, want 1", n)
	}
}

func TestZeroFillIsAnExchangeError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ex.FillNothing(true)
	var ee *ExchangeError
	if _, err := h.eng.Open(ctx, OpenRequest{Symbol: "BTCUSDT"}); !errors.As(err, &ee) {
		t.Fatalf("open with nothing filled: expected ExchangeError, got %v", err)
	}
	if _, err := h.db.GetOpenTrade(ctx, "BTCUSDT"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("zero fill recorded a position: %v", err)
	}

	h.ex.FillNothing(false)
	trade := h.mustOpen(t, "BTCUSDT")

	h.ex.FillNothing(true)
	if _, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"}); !errors.As(err, &ee) {
		t.Fatalf("close with nothing filled: expected ExchangeError, got %v", err)
	}
	stored, _ := h.db.GetTrade(ctx, trade.ID)
	if stored.Status != db.StatusOpen || stored.ExitPrice != nil {
		t.Fatalf("zero fill closed the trade: %+v", stored)
	}
	if items, _ := h.queue.List(ctx); len(items) != 0 {
		t.Fatalf("zero fill queued recovery items: %+v", items)
	}
}

// partialSell executes only half of each sell.
type partialSell struct {
	*market.MockExchange
}

func (p partialSell) PlaceMarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.Fill, error) {
	if side == common.SideSell {
		qty = common.FloorToStep(qty/2, 0.00001)
	}
	return p.MockExchange.PlaceMarketOrder(ctx, symbol, side, qty)
}

func TestClosePnLUsesExecutedQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.SetFeeRate(0)
	h.eng = New(Config{Ledger: h.ledger, Exchange: partialSell{h.ex}, Locks: h.locks, Recovery: h.queue, QuoteAsset: "USDT"})

	h.mustOpen(t, "BTCUSDT") // 0.0294 BTC at 50000
	h.ex.SetPrice("BTCUSDT", 51000)

	res, err := h.eng.Close(ctx, CloseRequest{Ref: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Only 0.0147 sold: P&L is 1000 × 0.0147.
	if !near(res.Order.Quantity, 0.0147) || !near(res.Exit.PnL, 14.7) {
		t.Fatalf("order qty %v pnl %v, want 0.0147 and 14.7", res.Order.Quantity, res.Exit.PnL)
	}
}

func TestBaseAssetFeeReducesHeldQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.ChargeFeeInBase(true)
	h.ex.SetLotFilter("BTCUSDT", common.LotFilter{StepSize: 0.0001})

	trade := h.mustOpen(t, "BTCUSDT")
	// 0.0294 bought, 0.1% (0.0000294) kept as commission, floored to 0.0293.
	if !near(trade.Quantity, 0.0293) {
		t.Fatalf("recorded quantity = %v, want 0.0293", trade.Quantity)
	}
	held, _ := h.ex.GetBalance(ctx, "BTC")
	if trade.Quantity > held {
		t.Fatalf("recorded %v but the account holds %v", trade.Quantity, held)
	}

	h.ex.SetPrice("BTCUSDT", 47000)
	summary, err := h.eng.CheckExits(ctx)
	if err != nil {
		t.Fatalf("CheckExits: %v", err)
	}
	if summary.Closed != 1 || summary.Errors != 0 {
		t.Fatalf("stop did not fire: %+v", summary)
	}
	orders := h.ex.Orders()
	if last := orders[len(orders)-1]; last.Side != common.SideSell || !near(last.FillQty, 0.0293) {
		t.Fatalf("sell = %+v", last)
	}
}

func TestHeldQuantity(t *testing.T) {
	tests := []struct {
		name string
		fill common.Fill
		step float64
		want float64
	}{
		{"quote fee", common.Fill{FillQty: 0.5}, 0.001, 0.5},
		{"base fee floored", common.Fill{FillQty: 0.5, BaseFee: 0.0005}, 0.001, 0.499},
		{"no step", common.Fill{FillQty: 0.5, BaseFee: 0.0005}, 0, 0.4995},
		{"below one step keeps net", common.Fill{FillQty: 0.001, BaseFee: 0.000001}, 0.001, 0.000999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := heldQuantity(tt.fill, tt.step); !near(got, tt.want) {
				t.Errorf("heldQuantity = %v, want %v", got, tt.want)
			}
		})
	}
}
