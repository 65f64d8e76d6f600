// Package recovery holds ledger writes owed for exchange actions that
// already executed. Replaying an item touches the ledger only: this package
// has no access to the exchange.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/monitor"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// Store is the slice of the ledger the queue needs.
type Store interface {
	InsertRecoveryItem(ctx context.Context, item db.RecoveryItem) (int64, error)
	ListPendingRecovery(ctx context.Context) ([]db.RecoveryItem, error)
	MarkRecoveryFailed(ctx context.Context, id int64, reason string) error
	DeleteRecoveryItem(ctx context.Context, id int64) error
	ApplyRecoveryOpen(ctx context.Context, itemID int64, t db.Trade) (int64, error)
	ApplyRecoveryClose(ctx context.Context, itemID, tradeID int64, exit db.TradeExit) error
	HasPendingClose(ctx context.Context, tradeID int64) (bool, error)
	RecoveryItemExists(ctx context.Context, kind db.RecoveryKind, exchangeRef string) (bool, error)
}

// Queue is the durable log of deferred ledger writes.
type Queue struct {
	store Store
	wal   *WAL
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

// NewQueue creates a queue. wal may be nil, in which case an enqueue the
// ledger rejects is returned as an error.
func NewQueue(store Store, wal *WAL, bus *events.Bus, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, wal: wal, bus: bus, log: log.With(zap.String("component", "recovery")), now: time.Now}
}

// Enqueued describes where an item landed.
type Enqueued struct {
	ID      int64 `json:"id,omitempty"`
	Spilled bool  `json:"spilled,omitempty"` // written to the WAL, not yet in the ledger
}

// Enqueue records a deferred write. Callers only enqueue after a confirmed fill.
func (q *Queue) Enqueue(ctx context.Context, kind db.RecoveryKind, payload db.RecoveryPayload, exchangeRef string) (Enqueued, error) {
	item := db.RecoveryItem{
		Kind:        kind,
		Payload:     payload,
		ExchangeRef: exchangeRef,
		Status:      db.RecoveryPending,
		CreatedAt:   q.now().UTC(),
	}
	if kind == db.RecoveryClose {
		item.TradeID = payload.Trade.ID
	}

	monitor.DegradedWrites.WithLabelValues(string(kind)).Inc()
	defer q.bus.Publish(events.EventRecoveryQueued, fmt.Sprintf("%s %s ref=%s", kind, payload.Trade.Symbol, exchangeRef))

	id, err := q.store.InsertRecoveryItem(ctx, item)
	if err == nil {
		q.log.Error("ledger write deferred to recovery queue",
			zap.Int64("recovery_id", id),
			zap.String("kind", string(kind)),
			zap.String("symbol", payload.Trade.Symbol),
			zap.String("exchange_ref", exchangeRef))
		return Enqueued{ID: id}, nil
	}
	if q.wal == nil {
		return Enqueued{}, fmt.Errorf("enqueue recovery item: %w", err)
	}

	q.log.Error("recovery table unavailable, spilling to WAL", zap.Error(err))
	if werr := q.wal.Append(item); werr != nil {
		return Enqueued{}, fmt.Errorf("enqueue recovery item: %w", errors.Join(err, werr))
	}
	return Enqueued{Spilled: true}, nil
}

// importSpilled moves WAL items into the ledger table. An item that was
// already imported (same kind and exchange reference) is dropped.
func (q *Queue) importSpilled(ctx context.Context) {
	if q.wal == nil {
		return
	}
	_, err := q.wal.Drain(func(item db.RecoveryItem) error {
		exists, err := q.store.RecoveryItemExists(ctx, item.Kind, item.ExchangeRef)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = q.store.InsertRecoveryItem(ctx, item)
		return err
	})
	if err != nil {
		q.log.Warn("WAL import incomplete", zap.Error(err))
	}
}

// List returns PENDING items ordered by creation time.
func (q *Queue) List(ctx context.Context) ([]db.RecoveryItem, error) {
	q.importSpilled(ctx)
	items, err := q.store.ListPendingRecovery(ctx)
	if err != nil {
		return nil, err
	}
	monitor.RecoveryPending.Set(float64(len(items)))
	return items, nil
}

// RetryOutcome is the result of replaying one item.
type RetryOutcome struct {
	ID       int64           `json:"id"`
	Kind     db.RecoveryKind `json:"kind"`
	Symbol   string          `json:"symbol"`
	Resolved bool            `json:"resolved"`
	TradeID  int64           `json:"trade_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// RetryReport summarises a retry pass.
type RetryReport struct {
	Attempted int            `json:"attempted"`
	Resolved  int            `json:"resolved"`
	Failed    int            `json:"failed"`
	Items     []RetryOutcome `json:"items"`
}

// Retry replays each PENDING item's ledger write using its stored payload.
// Success marks the item RESOLVED in the same transaction; failure bumps
// retry_count and leaves it PENDING.
func (q *Queue) Retry(ctx context.Context) (*RetryReport, error) {
	items, err := q.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Items: make([]RetryOutcome, 0, len(items))}
	for _, item := range items {
		out := RetryOutcome{ID: item.ID, Kind: item.Kind, Symbol: item.Payload.Trade.Symbol}
		report.Attempted++

		tradeID, err := q.apply(ctx, item)
		if err != nil {
			out.Error = err.Error()
			report.Failed++
			if merr := q.store.MarkRecoveryFailed(ctx, item.ID, err.Error()); merr != nil {
				q.log.Error("record retry failure", zap.Int64("recovery_id", item.ID), zap.Error(merr))
			}
			q.log.Warn("recovery retry failed", zap.Int64("recovery_id", item.ID), zap.Error(err))
		} else {
			out.Resolved = true
			out.TradeID = tradeID
			report.Resolved++
			monitor.RecoveryResolved.Inc()
			q.bus.Publish(events.EventRecoveryResolved, out)
			q.log.Info("recovery item resolved", zap.Int64("recovery_id", item.ID), zap.Int64("trade_id", tradeID))
		}
		report.Items = append(report.Items, out)
	}
	monitor.RecoveryPending.Set(float64(report.Failed))
	return report, nil
}

func (q *Queue) apply(ctx context.Context, item db.RecoveryItem) (int64, error) {
	switch item.Kind {
	case db.RecoveryOpen:
		return q.store.ApplyRecoveryOpen(ctx, item.ID, item.Payload.Trade)
	case db.RecoveryClose:
		if item.Payload.Exit == nil {
			return 0, fmt.Errorf("close item %d has no exit payload", item.ID)
		}
		tradeID := item.TradeID
		if tradeID == 0 {
			tradeID = item.Payload.Trade.ID
		}
		return tradeID, q.store.ApplyRecoveryClose(ctx, item.ID, tradeID, *item.Payload.Exit)
	default:
		return 0, fmt.Errorf("unknown recovery kind %q", item.Kind)
	}
}

// Clear removes an item without writing it, after the operator fixed the
// ledger by other means.
func (q *Queue) Clear(ctx context.Context, id int64) error {
	if err := q.store.DeleteRecoveryItem(ctx, id); err != nil {
		return err
	}
	q.log.Info("recovery item cleared", zap.Int64("recovery_id", id))
	return nil
}

// spilled returns the WAL items that did not make it into the table.
func (q *Queue) spilled() ([]db.RecoveryItem, error) {
	if q.wal == nil {
		return nil, nil
	}
	return q.wal.Items()
}

// HasPendingClose reports whether the trade's close is already owed to the
// ledger, in the table or still spilled in the WAL.
func (q *Queue) HasPendingClose(ctx context.Context, tradeID int64) (bool, error) {
	q.importSpilled(ctx)
	// WAL before table: a drain inserts before it removes its file, so an
	// item missing from the WAL is already visible in the table.
	items, err := q.spilled()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.Kind == db.RecoveryClose && item.TradeID == tradeID {
			return true, nil
		}
	}
	return q.store.HasPendingClose(ctx, tradeID)
}

// PendingOpen returns a filled buy for symbol that is still owed to the
// ledger, or nil. Spilled items carry no ID.
func (q *Queue) PendingOpen(ctx context.Context, symbol string) (*db.RecoveryItem, error) {
	q.importSpilled(ctx)
	items, err := q.spilled()
	if err != nil {
		return nil, err
	}
	pending, err := q.store.ListPendingRecovery(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range append(pending, items...) {
		if item.Kind == db.RecoveryOpen && item.Payload.Trade.Symbol == symbol {
			return &item, nil
		}
	}
	return nil, nil
}
