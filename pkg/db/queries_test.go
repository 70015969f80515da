package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestQueries(t *testing.T) *UserQueries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewUserQueries(database.DB)
}

func testCredential(userID string) Credential {
	return Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Exchange:  "bybit",
		Label:     "main account",
		APIKey:    "ENC[v1]:a2V5",
		APISecret: "ENC[v1]:c2VjcmV0",
		Testnet:   false,
		IsActive:  true,
	}
}

func TestCredentialLifecycle(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	cred := testCredential("user-1")
	if err := q.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	got, err := q.GetActiveCredential(ctx, "user-1", "bybit", false)
	if err != nil {
		t.Fatalf("GetActiveCredential: %v", err)
	}
	if got.ID != cred.ID || got.APIKey != cred.APIKey {
		t.Errorf("got %+v, want stored credential", got)
	}

	if err := q.SetCredentialActive(ctx, "user-1", cred.ID, false); err != nil {
		t.Fatalf("SetCredentialActive: %v", err)
	}
	if _, err := q.GetActiveCredential(ctx, "user-1", "bybit", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("after deactivation: err = %v, want ErrNotFound", err)
	}

	if err := q.DeleteCredential(ctx, "user-1", cred.ID); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	creds, err := q.GetCredentialsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredentialsByUser: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("got %d credentials after delete, want 0", len(creds))
	}
}

func TestCreateCredentialDeactivatesPrevious(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	first := testCredential("user-1")
	second := testCredential("user-1")
	if err := q.CreateCredential(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := q.CreateCredential(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	active, err := q.GetActiveCredential(ctx, "user-1", "bybit", false)
	if err != nil {
		t.Fatalf("GetActiveCredential: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active credential = %s, want the newer %s", active.ID, second.ID)
	}

	creds, err := q.GetCredentialsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredentialsByUser: %v", err)
	}
	activeCount := 0
	for _, c := range creds {
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("%d active credentials for one slot, want 1", activeCount)
	}
}

func TestTestnetAndMainnetSlotsAreSeparate(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	mainnet := testCredential("user-1")
	testnet := testCredential("user-1")
	testnet.Testnet = true
	if err := q.CreateCredential(ctx, mainnet); err != nil {
		t.Fatalf("create mainnet: %v", err)
	}
	if err := q.CreateCredential(ctx, testnet); err != nil {
		t.Fatalf("create testnet: %v", err)
	}

	gotMain, err := q.GetActiveCredential(ctx, "user-1", "bybit", false)
	if err != nil {
		t.Fatalf("mainnet lookup: %v", err)
	}
	gotTest, err := q.GetActiveCredential(ctx, "user-1", "bybit", true)
	if err != nil {
		t.Fatalf("testnet lookup: %v", err)
	}
	if gotMain.ID != mainnet.ID || gotTest.ID != testnet.ID {
		t.Error("testnet and mainnet slots interfered with each other")
	}
}

func TestCredentialUserIsolation(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	cred := testCredential("user-1")
	if err := q.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	if _, err := q.GetActiveCredential(ctx, "user-2", "bybit", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user lookup: err = %v, want ErrNotFound", err)
	}
	if err := q.DeleteCredential(ctx, "user-2", cred.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete: err = %v, want ErrNotFound", err)
	}
	// The credential must survive the foreign delete attempt.
	if _, err := q.GetActiveCredential(ctx, "user-1", "bybit", false); err != nil {
		t.Errorf("owner lookup after foreign delete: %v", err)
	}
}

func TestQueriesRejectEmptyUserID(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if _, err := q.GetActiveCredential(ctx, "", "bybit", false); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("GetActiveCredential: err = %v, want ErrUserIDRequired", err)
	}
	if err := q.CreateCredential(ctx, Credential{ID: "x"}); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("CreateCredential: err = %v, want ErrUserIDRequired", err)
	}
	if err := q.UpsertClosedPosition(ctx, ClosedPosition{}); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("UpsertClosedPosition: err = %v, want ErrUserIDRequired", err)
	}
	if _, err := q.GetOrderHistoryByUser(ctx, "", "", 10); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("GetOrderHistoryByUser: err = %v, want ErrUserIDRequired", err)
	}
}

func TestClosedPositionUpsertIsIdempotent(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	pos := ClosedPosition{
		UserID:        "user-1",
		Exchange:      "bybit",
		OrderID:       "ord-1",
		Symbol:        "BTCUSDT",
		Side:          "Sell",
		Qty:           "0.5",
		AvgEntryPrice: "60000",
		AvgExitPrice:  "61000",
		ClosedPnL:     "500",
		ClosedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := q.UpsertClosedPosition(ctx, pos); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	pos.ClosedPnL = "510" // exchange revised the fee
	if err := q.UpsertClosedPosition(ctx, pos); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := q.GetClosedPositionsByUser(ctx, "user-1", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetClosedPositionsByUser: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1 after re-sync", len(got))
	}
	if got[0].ClosedPnL != "510" {
		t.Errorf("ClosedPnL = %s, want the re-synced 510", got[0].ClosedPnL)
	}
}

func TestOrderHistorySymbolFilter(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
		err := q.UpsertHistoricalOrder(ctx, HistoricalOrder{
			UserID:    "user-1",
			Exchange:  "bybit",
			OrderID:   uuid.NewString(),
			Symbol:    symbol,
			Side:      "Buy",
			OrderType: "Market",
			Qty:       "1",
			Status:    "Filled",
			PlacedAt:  time.Now().Add(time.Duration(i) * time.Minute),
			UpdatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", symbol, err)
		}
	}

	all, err := q.GetOrderHistoryByUser(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("all symbols: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d orders, want 3", len(all))
	}

	btc, err := q.GetOrderHistoryByUser(ctx, "user-1", "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("BTCUSDT only: %v", err)
	}
	if len(btc) != 2 {
		t.Errorf("got %d BTCUSDT orders, want 2", len(btc))
	}
}
