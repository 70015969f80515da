package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Credential Queries
// ----------------------------------------

// CreateCredential stores a sealed credential. Any previously active
// credential for the same (exchange, testnet) slot is deactivated so lookups
// stay unambiguous.
func (q *UserQueries) CreateCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.IsActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE exchange_credentials
			SET is_active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND exchange = ? AND testnet = ? AND is_active = 1
		`, c.UserID, c.Exchange, c.Testnet); err != nil {
			return fmt.Errorf("deactivate previous credential: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exchange_credentials (id, user_id, exchange, label, api_key, api_secret, testnet, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Exchange, c.Label, c.APIKey, c.APISecret, c.Testnet, c.IsActive); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return tx.Commit()
}

// GetActiveCredential returns the active credential for a user's
// (exchange, testnet) slot, or ErrNotFound.
func (q *UserQueries) GetActiveCredential(ctx context.Context, userID, exchange string, testnet bool) (Credential, error) {
	if userID == "" {
		return Credential{}, ErrUserIDRequired
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret, testnet, is_active, created_at, updated_at
		FROM exchange_credentials
		WHERE user_id = ? AND exchange = ? AND testnet = ? AND is_active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID, exchange, testnet)

	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	return c, err
}

// GetCredentialsByUser lists a user's credentials, newest first.
func (q *UserQueries) GetCredentialsByUser(ctx context.Context, userID string) ([]Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret, testnet, is_active, created_at, updated_at
		FROM exchange_credentials
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes one of the user's credentials. Deleting another
// user's credential is a no-op that reports ErrNotFound.
func (q *UserQueries) DeleteCredential(ctx context.Context, userID, credentialID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM exchange_credentials WHERE id = ? AND user_id = ?
	`, credentialID, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCredentialActive toggles a credential's active flag for its owner.
func (q *UserQueries) SetCredentialActive(ctx context.Context, userID, credentialID string, active bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE exchange_credentials
		SET is_active = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, active, credentialID, userID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveCredentials enumerates every active credential across users.
// System-level: only the background history sync may call it, and it must
// never feed a user-facing response.
func (q *UserQueries) ListActiveCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret, testnet, is_active, created_at, updated_at
		FROM exchange_credentials
		WHERE is_active = 1
		ORDER BY user_id, exchange
	`)
	if err != nil {
		return nil, fmt.Errorf("query active credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var c Credential
	err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Label, &c.APIKey, &c.APISecret,
		&c.Testnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// ----------------------------------------
// Closed Position Queries
// ----------------------------------------

// UpsertClosedPosition records one settled position. Re-syncing the same
// window updates rows in place instead of duplicating them.
func (q *UserQueries) UpsertClosedPosition(ctx context.Context, p ClosedPosition) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO closed_positions
			(user_id, exchange, order_id, symbol, side, qty, avg_entry_price, avg_exit_price, closed_pnl, leverage, closed_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, exchange, order_id) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			avg_exit_price = excluded.avg_exit_price,
			closed_pnl = excluded.closed_pnl,
			leverage = excluded.leverage,
			closed_at = excluded.closed_at,
			synced_at = CURRENT_TIMESTAMP
	`, p.UserID, p.Exchange, p.OrderID, p.Symbol, p.Side, p.Qty,
		p.AvgEntryPrice, p.AvgExitPrice, p.ClosedPnL, p.Leverage, p.ClosedAt)
	return err
}

// GetClosedPositionsByUser returns a user's settled positions within the
// window, newest first. A zero time bound is open-ended.
func (q *UserQueries) GetClosedPositionsByUser(ctx context.Context, userID string, since, until time.Time, limit int) ([]ClosedPosition, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	if until.IsZero() {
		until = time.Now().Add(24 * time.Hour)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, exchange, order_id, symbol, side, qty, avg_entry_price, avg_exit_price, closed_pnl, leverage, closed_at, synced_at
		FROM closed_positions
		WHERE user_id = ? AND closed_at >= ? AND closed_at <= ?
		ORDER BY closed_at DESC
		LIMIT ?
	`, userID, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()

	var out []ClosedPosition
	for rows.Next() {
		var p ClosedPosition
		if err := rows.Scan(&p.UserID, &p.Exchange, &p.OrderID, &p.Symbol, &p.Side, &p.Qty,
			&p.AvgEntryPrice, &p.AvgExitPrice, &p.ClosedPnL, &p.Leverage, &p.ClosedAt, &p.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Order History Queries
// ----------------------------------------

// UpsertHistoricalOrder records one synced order row.
func (q *UserQueries) UpsertHistoricalOrder(ctx context.Context, o HistoricalOrder) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO order_history
			(user_id, exchange, order_id, client_order_id, symbol, side, order_type, qty, price, status, filled_qty, avg_price, placed_at, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, exchange, order_id) DO UPDATE SET
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at,
			synced_at = CURRENT_TIMESTAMP
	`, o.UserID, o.Exchange, o.OrderID, o.ClientOrderID, o.Symbol, o.Side, o.OrderType,
		o.Qty, o.Price, o.Status, o.FilledQty, o.AvgPrice, o.PlacedAt, o.UpdatedAt)
	return err
}

// GetOrderHistoryByUser returns a user's synced orders, newest first.
func (q *UserQueries) GetOrderHistoryByUser(ctx context.Context, userID, symbol string, limit int) ([]HistoricalOrder, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT user_id, exchange, order_id, client_order_id, symbol, side, order_type, qty, price, status, filled_qty, avg_price, placed_at, updated_at, synced_at
		FROM order_history
		WHERE user_id = ?`
	args := []any{userID}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY placed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer rows.Close()

	var out []HistoricalOrder
	for rows.Next() {
		var o HistoricalOrder
		if err := rows.Scan(&o.UserID, &o.Exchange, &o.OrderID, &o.ClientOrderID, &o.Symbol, &o.Side,
			&o.OrderType, &o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgPrice,
			&o.PlacedAt, &o.UpdatedAt, &o.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan order history: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
