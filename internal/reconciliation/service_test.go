package reconciliation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/market"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

var defaultIgnored = map[string]bool{"USDT": true, "BNB": true}

func openTrade(id int64, symbol string, qty float64) db.Trade {
	return db.Trade{ID: id, Symbol: symbol, Status: db.StatusOpen, EntryPrice: 1, Quantity: qty}
}

func TestClassify(t *testing.T) {
	th := ThresholdsFrom(risk.DefaultSettings())
	tests := []struct {
		name         string
		trades       []db.Trade
		held         map[string]float64
		prices       map[string]float64
		wantZombie   int
		wantOrphan   int
		wantMismatch int
	}{
		{
			name:       "zombie when exchange holds nothing",
			trades:     []db.Trade{openTrade(1, "BTCUSDT", 0.01)},
			held:       map[string]float64{"BTC": 0, "USDT": 500},
			wantZombie: 1,
		},
		{
			name:       "orphan worth fifty dollars",
			held:       map[string]float64{"ETH": 0.02, "USDT": 100},
			prices:     map[string]float64{"ETHUSDT": 2500},
			wantOrphan: 1,
		},
		{
			name:   "within tolerance",
			trades: []db.Trade{openTrade(1, "SOLUSDT", 10)},
			held:   map[string]float64{"SOL": 10.02},
		},
		{
			name:         "beyond tolerance",
			trades:       []db.Trade{openTrade(1, "SOLUSDT", 10)},
			held:         map[string]float64{"SOL": 10.5},
			wantMismatch: 1,
		},
		{
			name:   "dust and ignored assets are not orphans",
			held:   map[string]float64{"DOGE": 2, "BNB": 3, "USDT": 1000},
			prices: map[string]float64{"DOGEUSDT": 0.1, "BNBUSDT": 600},
		},
		{
			name:       "unpriced balance is reported",
			held:       map[string]float64{"XYZ": 5},
			wantOrphan: 1,
		},
		{
			name:       "below ratio counts as zombie not mismatch",
			trades:     []db.Trade{openTrade(1, "BTCUSDT", 1)},
			held:       map[string]float64{"BTC": 0.005},
			wantZombie: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.trades, tt.held, tt.prices, "USDT", defaultIgnored, th)
			if len(r.Zombies) != tt.wantZombie || len(r.Orphans) != tt.wantOrphan || len(r.Mismatches) != tt.wantMismatch {
				t.Fatalf("zombies=%d orphans=%d mismatches=%d, expected %d %d %d",
					len(r.Zombies), len(r.Orphans), len(r.Mismatches), tt.wantZombie, tt.wantOrphan, tt.wantMismatch)
			}
			if r.TotalIssues != tt.wantZombie+tt.wantOrphan+tt.wantMismatch {
				t.Fatalf("TotalIssues=%d", r.TotalIssues)
			}
		})
	}
}

func TestClassifyOrphanValue(t *testing.T) {
	r := Classify(nil, map[string]float64{"ETH": 0.02}, map[string]float64{"ETHUSDT": 2500}, "USDT", defaultIgnored,
		ThresholdsFrom(risk.DefaultSettings()))
	if len(r.Orphans) != 1 {
		t.Fatalf("orphans = %+v", r.Orphans)
	}
	o := r.Orphans[0]
	if o.Asset != "ETH" || o.Symbol != "ETHUSDT" || math.Abs(o.EstimatedValue-50) > 1e-9 || !o.PriceKnown {
		t.Fatalf("orphan = %+v", o)
	}
}

func TestReconcileReadsOnlyAndPublishes(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	if _, err := database.InsertTrade(ctx, db.Trade{
		Symbol: "BTCUSDT", Status: db.StatusOpen, EntryPrice: 50000, Quantity: 0.01, EntryTime: time.Now(),
		StopLossPrice: 47500, HighWaterMark: 50000, EntryOrderRef: "x",
	}); err != nil {
		t.Fatal(err)
	}
	// A stricter tolerance from the ledger applies to this run.
	if err := database.SetConfigOverride(ctx, "orphan_min_value_usdt", "100"); err != nil {
		t.Fatal(err)
	}

	ex := market.NewMockExchange("USDT")
	ex.SetBalance("USDT", 1000)
	ex.SetBalance("ETH", 0.02)
	ex.SetPrice("ETHUSDT", 2500)

	bus := events.NewBus()
	stream, unsub := bus.Subscribe(events.EventReconcileReport, 1)
	defer unsub()

	svc := NewService(database, ex, bus, nil, "USDT", []string{"BNB"}, 0)
	report, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Zombies) != 1 || report.Zombies[0].Symbol != "BTCUSDT" {
		t.Fatalf("zombies = %+v", report.Zombies)
	}
	if len(report.Orphans) != 0 {
		t.Fatalf("ETH worth 50 is under the 100 override, got %+v", report.Orphans)
	}
	if report.Thresholds.OrphanMinValue != 100 {
		t.Fatalf("thresholds = %+v", report.Thresholds)
	}

	select {
	case env := <-stream:
		if env.Payload.(*Report).TotalIssues != 1 {
			t.Fatalf("published payload = %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("report was not published")
	}

	trade, err := database.GetOpenTrade(ctx, "BTCUSDT")
	if err != nil || trade.Status != db.StatusOpen {
		t.Fatalf("reconcile must not touch the ledger: %+v %v", trade, err)
	}
}
