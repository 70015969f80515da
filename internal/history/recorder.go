// Package history persists synced trading history and runs the background
// sync that keeps it fresh.
package history

import (
	"context"
	"fmt"
	"time"

	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Recorder stores exchange history rows in SQLite, keyed so that re-syncing
// a window is idempotent.
type Recorder struct {
	queries *db.UserQueries
}

// NewRecorder creates a history recorder over the shared query layer.
func NewRecorder(queries *db.UserQueries) *Recorder {
	return &Recorder{queries: queries}
}

// RecordClosedPnL upserts settled-position rows for a user.
func (r *Recorder) RecordClosedPnL(ctx context.Context, userID, exchange string, records []common.ClosedPnLRecord) error {
	for _, rec := range records {
		err := r.queries.UpsertClosedPosition(ctx, db.ClosedPosition{
			UserID:        userID,
			Exchange:      exchange,
			OrderID:       rec.OrderID,
			Symbol:        rec.Symbol,
			Side:          string(rec.Side),
			Qty:           rec.Quantity.String(),
			AvgEntryPrice: rec.AvgEntryPrice.String(),
			AvgExitPrice:  rec.AvgExitPrice.String(),
			ClosedPnL:     rec.ClosedPnL.String(),
			Leverage:      rec.Leverage.String(),
			ClosedAt:      rec.UpdatedTime,
		})
		if err != nil {
			return fmt.Errorf("record closed position %s: %w", rec.OrderID, err)
		}
	}
	return nil
}

// RecordOrders upserts historical order rows for a user.
func (r *Recorder) RecordOrders(ctx context.Context, userID, exchange string, records []common.OrderRecord) error {
	for _, rec := range records {
		err := r.queries.UpsertHistoricalOrder(ctx, db.HistoricalOrder{
			UserID:        userID,
			Exchange:      exchange,
			OrderID:       rec.OrderID,
			ClientOrderID: rec.ClientID,
			Symbol:        rec.Symbol,
			Side:          string(rec.Side),
			OrderType:     string(rec.Kind),
			Qty:           rec.Quantity.String(),
			Price:         rec.Price.String(),
			Status:        rec.Status,
			FilledQty:     rec.FilledQty.String(),
			AvgPrice:      rec.AvgPrice.String(),
			PlacedAt:      rec.CreatedTime,
			UpdatedAt:     rec.UpdatedTime,
		})
		if err != nil {
			return fmt.Errorf("record order %s: %w", rec.OrderID, err)
		}
	}
	return nil
}

// ClosedPositions reads a user's stored settled positions.
func (r *Recorder) ClosedPositions(ctx context.Context, userID string, since, until time.Time, limit int) ([]db.ClosedPosition, error) {
	return r.queries.GetClosedPositionsByUser(ctx, userID, since, until, limit)
}

// Orders reads a user's stored order history.
func (r *Recorder) Orders(ctx context.Context, userID, symbol string, limit int) ([]db.HistoricalOrder, error) {
	return r.queries.GetOrderHistoryByUser(ctx, userID, symbol, limit)
}
