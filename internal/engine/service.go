// Package engine orchestrates the position lifecycle: sized opens behind
// ordered preconditions, lease-serialized closes, and the exit enforcer
// that closes positions whose stop has been crossed. A ledger write that
// fails after a confirmed fill is handed to the recovery queue.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/lock"
	"github.com/adamSellers/oakley-trading/internal/recovery"
	"github.com/adamSellers/oakley-trading/pkg/db"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// Service is what the CLI and API layers drive.
type Service interface {
	Open(ctx context.Context, req OpenRequest) (*OpenResult, error)
	Close(ctx context.Context, req CloseRequest) (*CloseResult, error)
	CheckExits(ctx context.Context, symbols ...string) (*ExitSummary, error)

	GetTrade(ctx context.Context, id int64) (*db.Trade, error)
	ListTrades(ctx context.Context, status db.TradeStatus, limit int) ([]db.Trade, error)
}

// Ledger is the trade and configuration store the engine writes through.
type Ledger interface {
	ConfigOverrides(ctx context.Context) (map[string]string, error)
	IsHalted(ctx context.Context) (bool, error)

	InsertTrade(ctx context.Context, t db.Trade) (int64, error)
	CloseTrade(ctx context.Context, id int64, exit db.TradeExit) error
	GetTrade(ctx context.Context, id int64) (*db.Trade, error)
	GetOpenTrade(ctx context.Context, symbol string) (*db.Trade, error)
	ListOpenTrades(ctx context.Context) ([]db.Trade, error)
	ListTrades(ctx context.Context, status db.TradeStatus, limit int) ([]db.Trade, error)
	RaiseHighWaterMark(ctx context.Context, id int64, hwm float64) (bool, error)
}

// Locker grants per-symbol leases.
type Locker interface {
	Acquire(ctx context.Context, symbol string) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) error
}

// Recoverer records ledger writes owed after a fill.
type Recoverer interface {
	Enqueue(ctx context.Context, kind db.RecoveryKind, payload db.RecoveryPayload, exchangeRef string) (recovery.Enqueued, error)
	PendingOpen(ctx context.Context, symbol string) (*db.RecoveryItem, error)
	HasPendingClose(ctx context.Context, tradeID int64) (bool, error)
}

// Config wires an Engine.
type Config struct {
	Ledger     Ledger
	Exchange   common.Exchange
	Locks      Locker
	Recovery   Recoverer
	Bus        *events.Bus
	Log        *zap.Logger
	QuoteAsset string
}

// Engine implements Service.
type Engine struct {
	ledger   Ledger
	ex       common.Exchange
	locks    Locker
	recovery Recoverer
	bus      *events.Bus
	log      *zap.Logger
	quote    string
	now      func() time.Time
}

var _ Service = (*Engine)(nil)

// New creates an engine.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	return &Engine{
		ledger:   cfg.Ledger,
		ex:       cfg.Exchange,
		locks:    cfg.Locks,
		recovery: cfg.Recovery,
		bus:      cfg.Bus,
		log:      log.With(zap.String("component", "engine")),
		quote:    quote,
		now:      time.Now,
	}
}

func (e *Engine) GetTrade(ctx context.Context, id int64) (*db.Trade, error) {
	return e.ledger.GetTrade(ctx, id)
}

func (e *Engine) ListTrades(ctx context.Context, status db.TradeStatus, limit int) ([]db.Trade, error) {
	return e.ledger.ListTrades(ctx, status, limit)
}

// release gives the lease back on a context that outlives the caller's, so
// a cancelled request does not leave the symbol blocked until expiry.
func (e *Engine) release(ctx context.Context, lease *lock.Lease) {
	if err := e.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
		e.log.Warn("lease release failed", zap.String("symbol", lease.Symbol), zap.Error(err))
	}
}
