package history

import (
	"context"
	"time"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

// Syncer periodically pulls settled positions and historical orders from
// each configured exchange account into local storage.
type Syncer struct {
	service  *gateway.Service
	recorder *Recorder
	queries  *db.UserQueries
	bus      *events.Bus
	interval time.Duration
	window   time.Duration
}

// NewSyncer wires the background history sync. bus may be nil.
func NewSyncer(service *gateway.Service, recorder *Recorder, queries *db.UserQueries, bus *events.Bus, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Syncer{
		service:  service,
		recorder: recorder,
		queries:  queries,
		bus:      bus,
		interval: interval,
		window:   7 * 24 * time.Hour,
	}
}

// Run syncs every active account on the configured interval until the
// context ends. One failing account never blocks the others.
func (s *Syncer) Run(ctx context.Context) {
	log := logger.WithComponent("history")
	log.WithFields(logger.Fields{"interval": s.interval.String()}).Info("history sync started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("history sync stopped")
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Syncer) syncAll(ctx context.Context) {
	creds, err := s.queries.ListActiveCredentials(ctx)
	if err != nil {
		logger.WithComponent("history").WithError(err).Error("enumerate accounts")
		return
	}
	for _, cred := range creds {
		slot := gateway.Slot{UserID: cred.UserID, Exchange: cred.Exchange, Testnet: cred.Testnet}
		if err := s.SyncSlot(ctx, slot); err != nil {
			logger.WithComponent("history").WithFields(logger.Fields{
				"exchange": cred.Exchange,
				"testnet":  cred.Testnet,
			}).WithError(err).Warn("account sync failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// SyncSlot pulls one account's recent history and stores it. Also used by
// the API for on-demand refresh.
func (s *Syncer) SyncSlot(ctx context.Context, slot gateway.Slot) error {
	now := time.Now()
	query := common.HistoryQuery{StartTime: now.Add(-s.window), EndTime: now}

	closed, err := s.service.GetClosedPnL(ctx, slot, query)
	if err != nil {
		return err
	}
	if err := s.recorder.RecordClosedPnL(ctx, slot.UserID, slot.Exchange, closed); err != nil {
		return err
	}

	orders, err := s.service.GetOrderHistory(ctx, slot, query)
	if err != nil {
		return err
	}
	if err := s.recorder.RecordOrders(ctx, slot.UserID, slot.Exchange, orders); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(events.EventHistorySynced, events.SyncEvent{
			UserID:    slot.UserID,
			Exchange:  slot.Exchange,
			Positions: len(closed),
			Orders:    len(orders),
			At:        now,
		})
	}
	return nil
}
