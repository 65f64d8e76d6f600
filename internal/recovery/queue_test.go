package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

func newLedger(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

// flakyStore fails the selected operations until healed.
type flakyStore struct {
	*db.Database
	failInsert bool
	failApply  bool
}

var errDiskFull = errors.New("disk I/O error")

func (f *flakyStore) InsertRecoveryItem(ctx context.Context, item db.RecoveryItem) (int64, error) {
	if f.failInsert {
		return 0, errDiskFull
	}
	return f.Database.InsertRecoveryItem(ctx, item)
}

func (f *flakyStore) ApplyRecoveryOpen(ctx context.Context, itemID int64, t db.Trade) (int64, error) {
	if f.failApply {
		return 0, errDiskFull
	}
	return f.Database.ApplyRecoveryOpen(ctx, itemID, t)
}

func openPayload(symbol string) db.RecoveryPayload {
	return db.RecoveryPayload{Trade: db.Trade{
		Symbol:        symbol,
		Status:        db.StatusOpen,
		EntryPrice:    2000,
		Quantity:      0.5,
		EntryTime:     time.UnixMilli(1_700_000_000_000).UTC(),
		StopLossPrice: 1900,
		StopLossType:  "FIXED",
		TrailingPct:   0.03,
		HighWaterMark: 2000,
		Reason:        "thesis",
		EntryOrderRef: "ord-" + symbol,
		EntryFee:      1,
	}}
}

func TestRetryResolvesOpenItem(t *testing.T) {
	ledger := newLedger(t)
	store := &flakyStore{Database: ledger, failApply: true}
	q := NewQueue(store, nil, nil, nil)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, db.RecoveryOpen, openPayload("ETHUSDT"), "ord-ETHUSDT")
	if err != nil || enq.ID == 0 || enq.Spilled {
		t.Fatalf("enqueue = %+v err=%v", enq, err)
	}

	report, err := q.Retry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Resolved != 0 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	items, _ := q.List(ctx)
	if len(items) != 1 || items[0].RetryCount != 1 || items[0].Status != db.RecoveryPending {
		t.Fatalf("item after failed retry: %+v", items)
	}

	store.failApply = false
	report, err = q.Retry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resolved != 1 || report.Items[0].TradeID == 0 {
		t.Fatalf("expected resolution, got %+v", report)
	}

	trade, err := ledger.GetOpenTrade(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("trade not written: %v", err)
	}
	want := openPayload("ETHUSDT").Trade
	want.ID = trade.ID
	if !trade.EntryTime.Equal(want.EntryTime) {
		t.Errorf("entry time %v, want %v", trade.EntryTime, want.EntryTime)
	}
	got := *trade
	got.EntryTime, want.EntryTime = time.Time{}, time.Time{}
	if got != want {
		t.Errorf("replayed trade differs:\n got %+v\nwant %+v", got, want)
	}
	if items, _ := q.List(ctx); len(items) != 0 {
		t.Errorf("queue should be empty, got %d", len(items))
	}
}

func TestRetryResolvesCloseItem(t *testing.T) {
	ledger := newLedger(t)
	q := NewQueue(ledger, nil, nil, nil)
	ctx := context.Background()

	trade := openPayload("SOLUSDT").Trade
	id, err := ledger.InsertTrade(ctx, trade)
	if err != nil {
		t.Fatal(err)
	}
	trade.ID = id
	exit := &db.TradeExit{ExitPrice: 2100, ExitTime: time.UnixMilli(1_700_000_360_000).UTC(), Reason: "TRAILING_STOP", OrderRef: "sell-1", Fees: 2.05, PnL: 47.95}
	if _, err := q.Enqueue(ctx, db.RecoveryClose, db.RecoveryPayload{Trade: trade, Exit: exit}, "sell-1"); err != nil {
		t.Fatal(err)
	}
	if pending, _ := q.HasPendingClose(ctx, id); !pending {
		t.Fatal("expected pending close")
	}

	report, err := q.Retry(ctx)
	if err != nil || report.Resolved != 1 {
		t.Fatalf("retry = %+v err=%v", report, err)
	}
	got, _ := ledger.GetTrade(ctx, id)
	if got.Status != db.StatusClosed || *got.PnL != 47.95 || *got.ExitReason != "TRAILING_STOP" {
		t.Errorf("unexpected closed trade %+v", got)
	}
	if pending, _ := q.HasPendingClose(ctx, id); pending {
		t.Error("close should no longer be pending")
	}
}

func TestClearRemovesWithoutWriting(t *testing.T) {
	ledger := newLedger(t)
	q := NewQueue(ledger, nil, nil, nil)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, db.RecoveryOpen, openPayload("BTCUSDT"), "ord-BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Clear(ctx, enq.ID); err != nil {
		t.Fatal(err)
	}
	if items, _ := q.List(ctx); len(items) != 0 {
		t.Errorf("expected empty queue, got %d", len(items))
	}
	if _, err := ledger.GetOpenTrade(ctx, "BTCUSDT"); !errors.Is(err, db.ErrNotFound) {
		t.Error("clear must not write the trade")
	}
	if err := q.Clear(ctx, enq.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("second clear err = %v", err)
	}
}

func TestEnqueueSpillsToWALWhenLedgerDown(t *testing.T) {
	ledger := newLedger(t)
	store := &flakyStore{Database: ledger, failInsert: true}
	wal, err := OpenWAL(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue(store, wal, nil, nil)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, db.RecoveryOpen, openPayload("ADAUSDT"), "ord-ADAUSDT")
	if err != nil || !enq.Spilled {
		t.Fatalf("expected spill, got %+v err=%v", enq, err)
	}
	if n, _ := wal.Len(); n != 1 {
		t.Fatalf("WAL len = %d", n)
	}

	// Still down: the entry must survive a failed import.
	if _, err := q.List(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := wal.Len(); n != 1 {
		t.Fatalf("WAL len after failed import = %d", n)
	}

	store.failInsert = false
	items, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ExchangeRef != "ord-ADAUSDT" {
		t.Fatalf("imported items = %+v", items)
	}
	if n, _ := wal.Len(); n != 0 {
		t.Errorf("WAL should be empty after import, len = %d", n)
	}

	if _, err := q.List(ctx); err != nil {
		t.Fatal(err)
	}
	if items, _ := q.List(ctx); len(items) != 1 {
		t.Errorf("import must be idempotent, got %d items", len(items))
	}
}

func TestSpilledItemsStayVisible(t *testing.T) {
	ledger := newLedger(t)
	store := &flakyStore{Database: ledger, failInsert: true}
	wal, err := OpenWAL(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue(store, wal, nil, nil)
	ctx := context.Background()

	trade := openPayload("SOLUSDT").Trade
	trade.ID = 7
	exit := &db.TradeExit{ExitPrice: 1800, ExitTime: time.UnixMilli(1_700_000_360_000).UTC(), Reason: "STOP_LOSS", OrderRef: "sell-7"}
	if enq, err := q.Enqueue(ctx, db.RecoveryClose, db.RecoveryPayload{Trade: trade, Exit: exit}, "sell-7"); err != nil || !enq.Spilled {
		t.Fatalf("expected spilled close, got %+v err=%v", enq, err)
	}
	if enq, err := q.Enqueue(ctx, db.RecoveryOpen, openPayload("ADAUSDT"), "ord-ADAUSDT"); err != nil || !enq.Spilled {
		t.Fatalf("expected spilled open, got %+v err=%v", enq, err)
	}

	tests := []struct {
		name string
		heal bool
	}{
		{name: "table still refusing", heal: false},
		{name: "after import", heal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.failInsert = !tt.heal
			pending, err := q.HasPendingClose(ctx, 7)
			if err != nil || !pending {
				t.Fatalf("HasPendingClose = %v err=%v", pending, err)
			}
			if pending, _ := q.HasPendingClose(ctx, 8); pending {
				t.Fatal("unrelated trade reported pending")
			}
			item, err := q.PendingOpen(ctx, "ADAUSDT")
			if err != nil || item == nil || item.ExchangeRef != "ord-ADAUSDT" {
				t.Fatalf("PendingOpen = %+v err=%v", item, err)
			}
			if item, _ := q.PendingOpen(ctx, "BTCUSDT"); item != nil {
				t.Fatalf("unexpected pending open %+v", item)
			}
		})
	}
	if n, _ := wal.Len(); n != 0 {
		t.Errorf("WAL should be drained once the table accepts items, len = %d", n)
	}
}
