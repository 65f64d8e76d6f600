package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record doesn't exist.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Config overrides
// ----------------------------------------

// ConfigOverrides returns every stored override keyed by parameter name.
func (d *Database) ConfigOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value FROM config_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query config overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config override: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetConfigOverride upserts one override.
func (d *Database) SetConfigOverride(ctx context.Context, key, value string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts
	`, key, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set config override %s: %w", key, err)
	}
	return nil
}

// DeleteConfigOverride removes an override so the compiled default applies again.
func (d *Database) DeleteConfigOverride(ctx context.Context, key string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM config_overrides WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete config override %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Halt flag
// ----------------------------------------

// IsHalted reads the process-wide halt flag.
func (d *Database) IsHalted(ctx context.Context) (bool, error) {
	var halted int
	err := d.DB.QueryRowContext(ctx, `SELECT halted FROM halt_flag WHERE id = 1`).Scan(&halted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query halt flag: %w", err)
	}
	return halted == 1, nil
}

// SetHalted writes the halt flag. Setting the current value again is a no-op write.
func (d *Database) SetHalted(ctx context.Context, halted bool) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO halt_flag (id, halted, updated_ts) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET halted = excluded.halted, updated_ts = excluded.updated_ts
	`, boolToInt(halted), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set halt flag: %w", err)
	}
	return nil
}

// ----------------------------------------
// Recovery queue
// ----------------------------------------

// RecoveryKind names the deferred ledger write.
type RecoveryKind string

const (
	RecoveryOpen  RecoveryKind = "OPEN"
	RecoveryClose RecoveryKind = "CLOSE"
)

// RecoveryStatus of a queued item.
type RecoveryStatus string

const (
	RecoveryPending  RecoveryStatus = "PENDING"
	RecoveryResolved RecoveryStatus = "RESOLVED"
)

// RecoveryPayload is the verbatim write that failed. Exit is set for CLOSE items.
type RecoveryPayload struct {
	Trade Trade      `json:"trade"`
	Exit  *TradeExit `json:"exit,omitempty"`
}

// RecoveryItem is a ledger write owed for an exchange action that already executed.
type RecoveryItem struct {
	ID          int64           `json:"id"`
	Kind        RecoveryKind    `json:"kind"`
	TradeID     int64           `json:"trade_id,omitempty"`
	Payload     RecoveryPayload `json:"payload"`
	ExchangeRef string          `json:"exchange_ref"`
	Status      RecoveryStatus  `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// InsertRecoveryItem stores a PENDING item and returns its id.
func (d *Database) InsertRecoveryItem(ctx context.Context, item RecoveryItem) (int64, error) {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal recovery payload: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	var tradeID any
	if item.TradeID > 0 {
		tradeID = item.TradeID
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO recovery_queue (kind, trade_id, payload, exchange_ref, status, retry_count, last_error, created_ts)
		VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?)
	`, string(item.Kind), tradeID, string(payload), item.ExchangeRef, item.RetryCount, item.LastError, toMillis(item.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert recovery item: %w", err)
	}
	return res.LastInsertId()
}

const recoveryColumns = `id, kind, trade_id, payload, exchange_ref, status, retry_count, last_error, created_ts, resolved_ts`

func scanRecoveryItem(row rowScanner) (RecoveryItem, error) {
	var (
		item       RecoveryItem
		kind       string
		status     string
		tradeID    sql.NullInt64
		payload    string
		createdTS  int64
		resolvedTS sql.NullInt64
	)
	if err := row.Scan(&item.ID, &kind, &tradeID, &payload, &item.ExchangeRef, &status,
		&item.RetryCount, &item.LastError, &createdTS, &resolvedTS); err != nil {
		return RecoveryItem{}, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return RecoveryItem{}, fmt.Errorf("decode recovery payload %d: %w", item.ID, err)
	}
	item.Kind = RecoveryKind(kind)
	item.Status = RecoveryStatus(status)
	item.TradeID = tradeID.Int64
	item.CreatedAt = fromMillis(createdTS)
	if resolvedTS.Valid {
		v := fromMillis(resolvedTS.Int64)
		item.ResolvedAt = &v
	}
	return item, nil
}

// GetRecoveryItem loads one item by id.
func (d *Database) GetRecoveryItem(ctx context.Context, id int64) (*RecoveryItem, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM recovery_queue WHERE id = ?`, id)
	item, err := scanRecoveryItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery item %d: %w", id, err)
	}
	return &item, nil
}

// ListPendingRecovery returns PENDING items in creation order.
func (d *Database) ListPendingRecovery(ctx context.Context) ([]RecoveryItem, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+recoveryColumns+` FROM recovery_queue
		WHERE status = 'PENDING'
		ORDER BY created_ts ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending recovery: %w", err)
	}
	defer rows.Close()

	var out []RecoveryItem
	for rows.Next() {
		item, err := scanRecoveryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// HasPendingClose reports whether a CLOSE for tradeID is already waiting in the queue.
func (d *Database) HasPendingClose(ctx context.Context, tradeID int64) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM recovery_queue
		WHERE kind = 'CLOSE' AND status = 'PENDING' AND trade_id = ?
	`, tradeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query pending close %d: %w", tradeID, err)
	}
	return n > 0, nil
}

// RecoveryItemExists reports whether an item of kind for exchangeRef was ever recorded.
func (d *Database) RecoveryItemExists(ctx context.Context, kind RecoveryKind, exchangeRef string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM recovery_queue WHERE kind = ? AND exchange_ref = ?
	`, string(kind), exchangeRef).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query recovery item %s/%s: %w", kind, exchangeRef, err)
	}
	return n > 0, nil
}

// MarkRecoveryFailed bumps retry_count and records the last error; the item stays PENDING.
func (d *Database) MarkRecoveryFailed(ctx context.Context, id int64, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE recovery_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ? AND status = 'PENDING'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark recovery %d failed: %w", id, err)
	}
	return nil
}

// DeleteRecoveryItem removes an item without performing its write.
func (d *Database) DeleteRecoveryItem(ctx context.Context, id int64) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM recovery_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recovery item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRecoveryOpen inserts the deferred OPEN trade and resolves the item in one transaction.
func (d *Database) ApplyRecoveryOpen(ctx context.Context, itemID int64, t Trade) (int64, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := insertTrade(ctx, tx, t)
	if err != nil {
		return 0, err
	}
	if err := resolveRecovery(ctx, tx, itemID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery %d: %w", itemID, err)
	}
	return id, nil
}

// ApplyRecoveryClose closes the trade and resolves the item in one transaction.
func (d *Database) ApplyRecoveryClose(ctx context.Context, itemID, tradeID int64, exit TradeExit) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := closeTrade(ctx, tx, tradeID, exit); err != nil {
		return err
	}
	if err := resolveRecovery(ctx, tx, itemID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recovery %d: %w", itemID, err)
	}
	return nil
}

func resolveRecovery(ctx context.Context, ex execer, id int64) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE recovery_queue SET status = 'RESOLVED', resolved_ts = ?
		WHERE id = ? AND status = 'PENDING'
	`, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve recovery %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve recovery %d: %w", id, ErrNotFound)
	}
	return nil
}

// ----------------------------------------
// Leases
// ----------------------------------------

// Lease is the stored per-symbol mutual-exclusion claim.
type Lease struct {
	Symbol    string    `json:"symbol"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TryAcquireLease claims symbol for holder until expiresAt. It succeeds when no
// lease exists or the stored one expired at or before now; the check and the
// write are one statement, so two contenders cannot both win.
func (d *Database) TryAcquireLease(ctx context.Context, symbol, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO leases (symbol, holder, expires_ts) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET holder = excluded.holder, expires_ts = excluded.expires_ts
		WHERE leases.expires_ts <= ?
	`, symbol, holder, toMillis(expiresAt), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", symbol, err)
	}
	return n == 1, nil
}

// ReleaseLease deletes the lease only if holder still owns it.
func (d *Database) ReleaseLease(ctx context.Context, symbol, holder string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM leases WHERE symbol = ? AND holder = ?`, symbol, holder)
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetLease returns the stored lease for symbol, expired or not.
func (d *Database) GetLease(ctx context.Context, symbol string) (*Lease, error) {
	var (
		l  Lease
		ts int64
	)
	err := d.DB.QueryRowContext(ctx, `SELECT symbol, holder, expires_ts FROM leases WHERE symbol = ?`, symbol).
		Scan(&l.Symbol, &l.Holder, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", symbol, err)
	}
	l.ExpiresAt = fromMillis(ts)
	return &l, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
