package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    entry_ts INTEGER NOT NULL,
    stop_loss_price REAL NOT NULL,
    trailing_pct REAL NOT NULL DEFAULT 0,
    high_water_mark REAL NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    exit_price REAL,
    exit_ts INTEGER,
    exit_reason TEXT,
    pnl REAL,
    fees REAL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_open_symbol ON trades(symbol) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS config_overrides (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recovery_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    trade_id INTEGER,
    payload TEXT NOT NULL,
    exchange_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_ts INTEGER NOT NULL,
    resolved_ts INTEGER
);

CREATE INDEX IF NOT EXISTS idx_recovery_status ON recovery_queue(status, created_ts);

CREATE TABLE IF NOT EXISTS halt_flag (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    halted INTEGER NOT NULL DEFAULT 0,
    updated_ts INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO halt_flag (id, halted, updated_ts) VALUES (1, 0, 0);

CREATE TABLE IF NOT EXISTS leases (
    symbol TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_ts INTEGER NOT NULL
);
`

// ApplyMigrations creates the ledger tables and upgrades older files in place.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "trades", "stop_loss_type", "TEXT NOT NULL DEFAULT 'FIXED'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "atr_at_entry", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "entry_order_ref", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "entry_fee", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "exit_order_ref", "TEXT"); err != nil {
		return err
	}

	// A fill is recorded at most once, including when replayed from the recovery queue.
	if _, err := d.DB.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_entry_order_ref
		ON trades(entry_order_ref) WHERE entry_order_ref <> ''
	`); err != nil {
		return fmt.Errorf("create entry_order_ref index: %w", err)
	}

	return nil
}

func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
