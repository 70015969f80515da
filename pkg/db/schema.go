package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS exchange_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet BOOLEAN NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credentials_lookup
    ON exchange_credentials(user_id, exchange, testnet, is_active);

CREATE TABLE IF NOT EXISTS closed_positions (
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    avg_entry_price TEXT NOT NULL,
    avg_exit_price TEXT NOT NULL,
    closed_pnl TEXT NOT NULL,
    leverage TEXT NOT NULL DEFAULT '',
    closed_at DATETIME,
    synced_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, exchange, order_id)
);

CREATE INDEX IF NOT EXISTS idx_closed_positions_user_time
    ON closed_positions(user_id, closed_at DESC);

CREATE TABLE IF NOT EXISTS order_history (
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    order_id TEXT NOT NULL,
    client_order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    filled_qty TEXT NOT NULL DEFAULT '',
    avg_price TEXT NOT NULL DEFAULT '',
    placed_at DATETIME,
    updated_at DATETIME,
    synced_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, exchange, order_id)
);

CREATE INDEX IF NOT EXISTS idx_order_history_user_time
    ON order_history(user_id, placed_at DESC);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
// Numeric columns are TEXT on purpose: quantities and prices round-trip
// through decimal strings, never floats.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
