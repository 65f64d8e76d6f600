package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// ParseTradeStatus accepts open, closed or all (empty), case-insensitively.
func ParseTradeStatus(s string) (TradeStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ALL":
		return "", nil
	case string(StatusOpen):
		return StatusOpen, nil
	case string(StatusClosed):
		return StatusClosed, nil
	}
	return "", fmt.Errorf("unknown trade status %q (want open, closed or all)", s)
}

// Trade is one long position from entry to exit. Exit fields stay nil while OPEN.
type Trade struct {
	ID            int64       `json:"id"`
	Symbol        string      `json:"symbol"`
	Status        TradeStatus `json:"status"`
	EntryPrice    float64     `json:"entry_price"`
	Quantity      float64     `json:"quantity"`
	EntryTime     time.Time   `json:"entry_time"`
	StopLossPrice float64     `json:"stop_loss_price"`
	StopLossType  string      `json:"stop_loss_type"`
	ATRAtEntry    float64     `json:"atr_at_entry,omitempty"`
	TrailingPct   float64     `json:"trailing_pct"`
	HighWaterMark float64     `json:"high_water_mark"`
	Reason        string      `json:"reason"`
	EntryOrderRef string      `json:"entry_order_ref"`
	EntryFee      float64     `json:"entry_fee"`

	ExitPrice    *float64   `json:"exit_price,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	ExitReason   *string    `json:"exit_reason,omitempty"`
	ExitOrderRef *string    `json:"exit_order_ref,omitempty"`
	PnL          *float64   `json:"pnl,omitempty"`
	Fees         *float64   `json:"fees,omitempty"`
}

// TradeExit carries everything written when a Trade transitions to CLOSED.
type TradeExit struct {
	ExitPrice float64   `json:"exit_price"`
	ExitTime  time.Time `json:"exit_time"`
	Reason    string    `json:"reason"`
	OrderRef  string    `json:"order_ref"`
	Fees      float64   `json:"fees"`
	PnL       float64   `json:"pnl"`
}

// ErrNotOpen is returned when a state transition targets a Trade that is not OPEN.
var ErrNotOpen = errors.New("trade is not open")

const tradeColumns = `
	id, symbol, status, entry_price, quantity, entry_ts, stop_loss_price,
	stop_loss_type, atr_at_entry, trailing_pct, high_water_mark, reason,
	entry_order_ref, entry_fee, exit_price, exit_ts, exit_reason,
	exit_order_ref, pnl, fees`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (Trade, error) {
	var (
		t          Trade
		status     string
		entryTS    int64
		exitPrice  sql.NullFloat64
		exitTS     sql.NullInt64
		exitReason sql.NullString
		exitRef    sql.NullString
		pnl        sql.NullFloat64
		fees       sql.NullFloat64
	)
	if err := row.Scan(
		&t.ID, &t.Symbol, &status, &t.EntryPrice, &t.Quantity, &entryTS, &t.StopLossPrice,
		&t.StopLossType, &t.ATRAtEntry, &t.TrailingPct, &t.HighWaterMark, &t.Reason,
		&t.EntryOrderRef, &t.EntryFee, &exitPrice, &exitTS, &exitReason,
		&exitRef, &pnl, &fees,
	); err != nil {
		return Trade{}, err
	}
	t.Status = TradeStatus(status)
	t.EntryTime = fromMillis(entryTS)
	if exitPrice.Valid {
		v := exitPrice.Float64
		t.ExitPrice = &v
	}
	if exitTS.Valid {
		v := fromMillis(exitTS.Int64)
		t.ExitTime = &v
	}
	if exitReason.Valid {
		v := exitReason.String
		t.ExitReason = &v
	}
	if exitRef.Valid {
		v := exitRef.String
		t.ExitOrderRef = &v
	}
	if pnl.Valid {
		v := pnl.Float64
		t.PnL = &v
	}
	if fees.Valid {
		v := fees.Float64
		t.Fees = &v
	}
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrade(ctx context.Context, ex execer, t Trade) (int64, error) {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.StopLossType == "" {
		t.StopLossType = "FIXED"
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO trades (
			symbol, status, entry_price, quantity, entry_ts, stop_loss_price,
			stop_loss_type, atr_at_entry, trailing_pct, high_water_mark, reason,
			entry_order_ref, entry_fee
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Symbol, string(t.Status), t.EntryPrice, t.Quantity, toMillis(t.EntryTime), t.StopLossPrice,
		t.StopLossType, t.ATRAtEntry, t.TrailingPct, t.HighWaterMark, t.Reason,
		t.EntryOrderRef, t.EntryFee)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert trade id: %w", err)
	}
	return id, nil
}

func closeTrade(ctx context.Context, ex execer, id int64, exit TradeExit) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE trades
		SET status = 'CLOSED',
		    exit_price = ?,
		    exit_ts = ?,
		    exit_reason = ?,
		    exit_order_ref = ?,
		    pnl = ?,
		    fees = ?
		WHERE id = ? AND status = 'OPEN'
	`, exit.ExitPrice, toMillis(exit.ExitTime), exit.Reason, exit.OrderRef, exit.PnL, exit.Fees, id)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("close trade %d: %w", id, ErrNotOpen)
	}
	return nil
}

// InsertTrade writes a new OPEN trade and returns its assigned id.
func (d *Database) InsertTrade(ctx context.Context, t Trade) (int64, error) {
	return insertTrade(ctx, d.DB, t)
}

// CloseTrade transitions an OPEN trade to CLOSED in a single statement.
func (d *Database) CloseTrade(ctx context.Context, id int64, exit TradeExit) error {
	return closeTrade(ctx, d.DB, id, exit)
}

// GetTrade loads a trade by id.
func (d *Database) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return &t, nil
}

// GetOpenTrade returns the OPEN trade for symbol.
func (d *Database) GetOpenTrade(ctx context.Context, symbol string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND status = 'OPEN'`, symbol)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open trade %s: %w", symbol, err)
	}
	return &t, nil
}

// ListOpenTrades returns every OPEN trade ordered by entry time.
func (d *Database) ListOpenTrades(ctx context.Context) ([]Trade, error) {
	return d.ListTrades(ctx, StatusOpen, 0)
}

// ListTrades returns trades filtered by status (empty for all), newest first
// for closed history and oldest first for open positions.
func (d *Database) ListTrades(ctx context.Context, status TradeStatus, limit int) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	if status == StatusOpen {
		query += ` ORDER BY entry_ts ASC, id ASC`
	} else {
		query += ` ORDER BY id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListClosedTrades returns CLOSED trades that exited at or after since (zero
// for all history), optionally for one symbol, oldest exit first.
func (d *Database) ListClosedTrades(ctx context.Context, since time.Time, symbol string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ?`
	args := []any{string(StatusClosed)}
	if !since.IsZero() {
		query += ` AND exit_ts >= ?`
		args = append(args, toMillis(since))
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY exit_ts ASC, id ASC`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list closed trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RaiseHighWaterMark ratchets the trailing high-water mark of an OPEN trade.
// The mark never moves down, even if two checks race; reports whether a row changed.
func (d *Database) RaiseHighWaterMark(ctx context.Context, id int64, hwm float64) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET high_water_mark = ?
		WHERE id = ? AND status = 'OPEN' AND high_water_mark < ?
	`, hwm, id, hwm)
	if err != nil {
		return false, fmt.Errorf("raise high water mark %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
