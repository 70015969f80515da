package common

import (
	"context"
	"sync"
	"time"

	"tradegate/pkg/logger"
)

// TimeSync tracks the clock offset between this host and an exchange
// server. Adapters probe it at connect time and re-probe when the exchange
// rejects a request for timestamp/recv-window reasons; there is no periodic
// refresh.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	mu            sync.RWMutex
	offset        int64 // ms, server - local
	lastSync      time.Time
}

// NewTimeSync creates a time synchronizer around a server-time probe.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{getServerTime: getServerTime}
}

// Sync probes the server clock and stores the measured offset.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume symmetric network latency.
	local := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	logger.WithComponent("timesync").WithFields(logger.Fields{
		"offset_ms": serverTime - local,
	}).Debug("clock offset updated")
	return nil
}

// Now returns the current time in ms adjusted by the stored offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the stored offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
