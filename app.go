package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/lock"
	"github.com/adamSellers/oakley-trading/internal/market"
	"github.com/adamSellers/oakley-trading/internal/reconciliation"
	"github.com/adamSellers/oakley-trading/internal/recovery"
	"github.com/adamSellers/oakley-trading/pkg/config"
	"github.com/adamSellers/oakley-trading/pkg/db"
	exspot "github.com/adamSellers/oakley-trading/pkg/exchanges/binance/spot"
	exchange "github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// app holds the wired services one command (or the server) runs against.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db         *db.Database
	bus        *events.Bus
	ex         exchange.Exchange
	throttled  *exchange.Throttled
	mock       *market.MockExchange // nil unless MOCK_EXCHANGE
	locks      *lock.Manager
	queue      *recovery.Queue
	engine     *engine.Engine
	reconciler *reconciliation.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, bus: events.NewBus()}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.db = database
	a.closers = append(a.closers, database.Close)
	if err := db.ApplyMigrations(database); err != nil {
		a.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if err := a.buildExchange(); err != nil {
		a.Close()
		return nil, err
	}

	var leaseStore lock.Store = database
	if cfg.LeaseBackend == "redis" {
		rs, err := lock.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		leaseStore = rs
		a.closers = append(a.closers, rs.Close)
	}
	a.locks = lock.NewManager(leaseStore, cfg.LeaseTTL, log)

	wal, err := recovery.OpenWAL(cfg.RecoveryWALPath, log)
	if err != nil {
		// The ledger table still takes items; only the spill path is lost.
		log.Warn("recovery WAL unavailable", zap.String("path", cfg.RecoveryWALPath), zap.Error(err))
		wal = nil
	}
	a.queue = recovery.NewQueue(database, wal, a.bus, log)

	a.engine = engine.New(engine.Config{
		Ledger:     database,
		Exchange:   a.ex,
		Locks:      a.locks,
		Recovery:   a.queue,
		Bus:        a.bus,
		Log:        log,
		QuoteAsset: cfg.QuoteAsset,
	})
	a.reconciler = reconciliation.NewService(database, a.ex, a.bus, log, cfg.QuoteAsset, cfg.IgnoredAssets, cfg.ReconcileInterval)
	return a, nil
}

func (a *app) buildExchange() error {
	cfg := a.cfg
	var inner exchange.Exchange
	if cfg.UseMockExchange {
		mock := market.NewMockExchange(cfg.QuoteAsset)
		balances, err := market.ParseBalances(cfg.MockBalances)
		if err != nil {
			return err
		}
		for asset, qty := range balances {
			mock.SetBalance(asset, qty)
		}
		prices, err := market.ParseBalances(cfg.MockPrices)
		if err != nil {
			return fmt.Errorf("MOCK_PRICES: %w", err)
		}
		for symbol, price := range prices {
			mock.SetPrice(symbol, price)
		}
		a.mock = mock
		inner = mock
		a.log.Info("using mock exchange", zap.Int("symbols", len(prices)))
	} else {
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			a.log.Warn("BINANCE_API_KEY/BINANCE_API_SECRET not set; signed calls will fail")
		}
		inner = exspot.New(exspot.Config{
			APIKey:     cfg.BinanceAPIKey,
			APISecret:  cfg.BinanceAPISecret,
			Testnet:    cfg.BinanceTestnet,
			QuoteAsset: cfg.QuoteAsset,
			Timeout:    cfg.RequestTimeout,
		}, a.log)
	}

	a.throttled = exchange.NewThrottled(inner, exchange.ThrottleConfig{
		RatePerSecond:   cfg.RateLimitPerSecond,
		Burst:           cfg.RateLimitBurst,
		PriceTTL:        cfg.PriceTTL,
		AccountTTL:      cfg.AccountTTL,
		CandleTTL:       cfg.CandleTTL,
		ExchangeInfoTTL: cfg.ExchangeInfoTTL,
		StaleMaxAge:     cfg.StaleMaxAge,
	}, a.log)
	a.ex = a.throttled
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
