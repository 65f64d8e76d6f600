// Package reconciliation audits the ledger against exchange balances. It
// only reports drift; fixing it is left to the operator or the recovery queue.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/monitor"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// Store is the ledger view the reconciler reads.
type Store interface {
	ListOpenTrades(ctx context.Context) ([]db.Trade, error)
	ConfigOverrides(ctx context.Context) (map[string]string, error)
}

// ExchangeClient is the account view the reconciler reads.
type ExchangeClient interface {
	GetBalances(ctx context.Context) ([]common.Balance, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Service runs reconciliations on demand or on a ticker.
type Service struct {
	store    Store
	exchange ExchangeClient
	bus      *events.Bus
	log      *zap.Logger
	quote    string
	ignored  map[string]bool
	interval time.Duration
	mu       sync.Mutex
}

// NewService creates a reconciler. ignored assets (the quote asset and the
// fee rebate asset) are never reported as orphans.
func NewService(store Store, exchange ExchangeClient, bus *events.Bus, log *zap.Logger, quote string, ignored []string, interval time.Duration) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	skip := map[string]bool{quote: true}
	for _, a := range ignored {
		skip[a] = true
	}
	return &Service{
		store:    store,
		exchange: exchange,
		bus:      bus,
		log:      log.With(zap.String("component", "reconcile")),
		quote:    quote,
		ignored:  skip,
		interval: interval,
	}
}

// Zombie is an OPEN trade whose asset is (effectively) gone from the exchange.
type Zombie struct {
	TradeID         int64   `json:"trade_id"`
	Symbol          string  `json:"symbol"`
	LedgerQuantity  float64 `json:"ledger_quantity"`
	ExchangeBalance float64 `json:"exchange_balance"`
}

// Orphan is an exchange balance no OPEN trade accounts for.
type Orphan struct {
	Asset           string  `json:"asset"`
	Symbol          string  `json:"symbol"`
	ExchangeBalance float64 `json:"exchange_balance"`
	EstimatedValue  float64 `json:"estimated_value"`
	PriceKnown      bool    `json:"price_known"`
}

// Mismatch is an OPEN trade whose quantity disagrees with the exchange
// beyond the tolerance.
type Mismatch struct {
	TradeID         int64   `json:"trade_id"`
	Symbol          string  `json:"symbol"`
	LedgerQuantity  float64 `json:"ledger_quantity"`
	ExchangeBalance float64 `json:"exchange_balance"`
	Difference      float64 `json:"difference"`
	DifferencePct   float64 `json:"difference_pct"`
}

// Thresholds are the policy knobs of a reconciliation.
type Thresholds struct {
	ZombieBalanceRatio float64 `json:"zombie_balance_ratio"`
	OrphanMinValue     float64 `json:"orphan_min_value"`
	MismatchTolerance  float64 `json:"mismatch_tolerance"`
}

// ThresholdsFrom picks the reconciliation policy out of resolved settings.
func ThresholdsFrom(s risk.Settings) Thresholds {
	return Thresholds{
		ZombieBalanceRatio: s.ZombieBalanceRatio,
		OrphanMinValue:     s.OrphanMinValueUSDT,
		MismatchTolerance:  s.MismatchTolerance,
	}
}

// Report is the result of one reconciliation.
type Report struct {
	Timestamp             time.Time  `json:"timestamp"`
	Zombies               []Zombie   `json:"zombies"`
	Orphans               []Orphan   `json:"orphans"`
	Mismatches            []Mismatch `json:"mismatches"`
	TotalIssues           int        `json:"total_issues"`
	OpenTradesChecked     int        `json:"open_trades_checked"`
	ExchangeAssetsChecked int        `json:"exchange_assets_checked"`
	Thresholds            Thresholds `json:"thresholds"`
}

// IssueCounts implements monitor.Issues.
func (r *Report) IssueCounts() map[string]int {
	return map[string]int{
		"zombie":   len(r.Zombies),
		"orphan":   len(r.Orphans),
		"mismatch": len(r.Mismatches),
	}
}

// Start runs Reconcile every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.log.Error("reconciliation failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation scheduled", zap.Duration("interval", s.interval))
}

// Reconcile compares OPEN trades with exchange balances. It writes nothing.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := risk.Resolve(ctx, s.store, s.log)
	if err != nil {
		return nil, err
	}
	balances, err := s.exchange.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	trades, err := s.store.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	held := make(map[string]float64, len(balances))
	for _, b := range balances {
		held[b.Asset] += b.Total()
	}

	// Prices only matter for valuing possible orphans.
	prices := make(map[string]float64)
	for asset, qty := range held {
		if s.ignored[asset] || qty <= 0 {
			continue
		}
		symbol := asset + s.quote
		if p, err := s.exchange.GetPrice(ctx, symbol); err == nil {
			prices[symbol] = p
		} else {
			s.log.Debug("no price for held asset", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	report := Classify(trades, held, prices, s.quote, s.ignored, ThresholdsFrom(settings))
	report.ExchangeAssetsChecked = len(held)

	for kind, n := range report.IssueCounts() {
		monitor.ReconcileIssues.WithLabelValues(kind).Set(float64(n))
	}
	s.bus.Publish(events.EventReconcileReport, report)
	if report.TotalIssues > 0 {
		s.log.Warn("reconciliation drift",
			zap.Int("zombies", len(report.Zombies)),
			zap.Int("orphans", len(report.Orphans)),
			zap.Int("mismatches", len(report.Mismatches)))
	}
	return report, nil
}

// Classify is the pure comparison behind Reconcile. held maps asset to total
// balance; prices maps symbol to last price.
func Classify(trades []db.Trade, held map[string]float64, prices map[string]float64, quote string, ignored map[string]bool, th Thresholds) *Report {
	r := &Report{
		Timestamp:         time.Now().UTC(),
		Zombies:           []Zombie{},
		Orphans:           []Orphan{},
		Mismatches:        []Mismatch{},
		OpenTradesChecked: len(trades),
		Thresholds:        th,
	}

	tracked := make(map[string]bool, len(trades))
	for _, t := range trades {
		asset := common.BaseAsset(t.Symbol, quote)
		tracked[asset] = true
		bal := held[asset]

		if bal < t.Quantity*th.ZombieBalanceRatio || bal <= 0 {
			r.Zombies = append(r.Zombies, Zombie{
				TradeID: t.ID, Symbol: t.Symbol, LedgerQuantity: t.Quantity, ExchangeBalance: bal,
			})
			continue
		}
		if t.Quantity <= 0 {
			continue
		}
		diff := bal - t.Quantity
		if rel := math.Abs(diff) / t.Quantity; rel > th.MismatchTolerance {
			r.Mismatches = append(r.Mismatches, Mismatch{
				TradeID: t.ID, Symbol: t.Symbol, LedgerQuantity: t.Quantity, ExchangeBalance: bal,
				Difference: diff, DifferencePct: rel * 100,
			})
		}
	}

	assets := make([]string, 0, len(held))
	for a := range held {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		bal := held[asset]
		if ignored[asset] || tracked[asset] || bal <= 0 {
			continue
		}
		symbol := asset + quote
		price, known := prices[symbol]
		known = known && price > 0
		value := bal * price
		// Dust below the minimum is ignored; an unpriced balance is always reported.
		if known && value < th.OrphanMinValue {
			continue
		}
		r.Orphans = append(r.Orphans, Orphan{
			Asset: asset, Symbol: symbol, ExchangeBalance: bal, EstimatedValue: value, PriceKnown: known,
		})
	}

	r.TotalIssues = len(r.Zombies) + len(r.Orphans) + len(r.Mismatches)
	return r
}
