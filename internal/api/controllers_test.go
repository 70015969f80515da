package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/history"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

const testSecret = "test-jwt-secret"

// stubExchange satisfies common.Exchange with canned responses so the HTTP
// layer can be exercised without a network.
type stubExchange struct {
	name      string
	connected bool
	orderErr  error
	lastPrice decimal.Decimal

	lastOrder   common.OrderRequest
	tickerCalls int
}

func (s *stubExchange) Connect(ctx context.Context) bool { s.connected = true; return true }
func (s *stubExchange) IsConnected() bool                { return s.connected }
func (s *stubExchange) Name() string                     { return s.name }

func (s *stubExchange) GetBalance(ctx context.Context, coin string) (common.Balance, error) {
	return common.Balance{Coin: "USDT", Available: decimal.NewFromInt(1000), Total: decimal.NewFromInt(1200)}, nil
}

func (s *stubExchange) CreateMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if s.orderErr != nil {
		return common.OrderResult{}, s.orderErr
	}
	s.lastOrder = req
	return common.OrderResult{
		OrderID:  "stub-order-1",
		Symbol:   req.Symbol,
		Side:     req.Side,
		Kind:     common.OrderKindMarket,
		Quantity: req.Quantity,
		Status:   common.StatusCreated,
	}, nil
}

func (s *stubExchange) CreateLimitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if s.orderErr != nil {
		return common.OrderResult{}, s.orderErr
	}
	s.lastOrder = req
	return common.OrderResult{
		OrderID:  "stub-order-2",
		Symbol:   req.Symbol,
		Side:     req.Side,
		Kind:     common.OrderKindLimit,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   common.StatusCreated,
	}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	return common.OrderResult{OrderID: orderID, Symbol: symbol, Status: common.StatusCancelled}, nil
}

func (s *stubExchange) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderDetail, error) {
	return common.OrderDetail{OrderID: orderID, Symbol: symbol, Status: "Filled"}, nil
}

func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderDetail, error) {
	return []common.OrderDetail{{OrderID: "open-1", Symbol: "BTCUSDT", Status: "New"}}, nil
}

func (s *stubExchange) GetPositions(ctx context.Context, symbol string) ([]common.PositionSnapshot, error) {
	return []common.PositionSnapshot{{
		Symbol: "BTCUSDT", Side: common.SideBuy, Size: decimal.NewFromFloat(0.5),
		EntryPrice: decimal.NewFromInt(59000), MarkPrice: decimal.NewFromInt(60000),
		UnrealizedPnL: decimal.NewFromInt(500), Leverage: decimal.NewFromInt(10),
	}}, nil
}

func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubExchange) ClosePosition(ctx context.Context, symbol string, side common.PositionSide) (common.OrderResult, error) {
	return common.OrderResult{
		OrderID: "close-1", Symbol: symbol, Side: side.CloseSide(), Status: common.StatusCreated,
	}, nil
}

func (s *stubExchange) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	s.tickerCalls++
	price := s.lastPrice
	if price.IsZero() {
		price = decimal.NewFromInt(60000)
	}
	return common.Ticker{Symbol: symbol, LastPrice: price, Timestamp: time.Now()}, nil
}

func (s *stubExchange) GetClosedPnL(ctx context.Context, q common.HistoryQuery) ([]common.ClosedPnLRecord, error) {
	return []common.ClosedPnLRecord{{
		Symbol: "BTCUSDT", Side: common.SideBuy, OrderID: "pnl-1",
		Quantity: decimal.NewFromInt(1), ClosedPnL: decimal.NewFromInt(42),
		UpdatedTime: time.Now(),
	}}, nil
}

func (s *stubExchange) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.OrderRecord, error) {
	return []common.OrderRecord{{
		OrderID: "hist-1", Symbol: "BTCUSDT", Side: common.SideBuy, Kind: common.OrderKindMarket,
		Quantity: decimal.NewFromInt(1), Status: "Filled",
		CreatedTime: time.Now(), UpdatedTime: time.Now(),
	}}, nil
}

type testEnv struct {
	server   *Server
	stub     *stubExchange
	queries  *db.UserQueries
	keyring  *crypto.Keyring
	recorder *history.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queries := db.NewUserQueries(database.DB)

	keyring, err := crypto.NewKeyring(map[int][]byte{1: bytes.Repeat([]byte("k"), 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	stub := &stubExchange{name: "bybit"}
	factory := func(exchange, apiKey, apiSecret string, testnet bool) (common.Exchange, error) {
		return stub, nil
	}

	bus := events.NewBus()
	manager := gateway.NewManager(queries, keyring, factory, nil, bus, gateway.DefaultConfig())
	t.Cleanup(manager.Stop)

	recorder := history.NewRecorder(queries)
	service := gateway.NewService(manager, recorder, bus)
	syncer := history.NewSyncer(service, recorder, queries, bus, time.Hour)

	return &testEnv{
		server:   NewServer(service, recorder, syncer, queries, keyring, bus, testSecret),
		stub:     stub,
		queries:  queries,
		keyring:  keyring,
		recorder: recorder,
	}
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// seedCredential stores a sealed active credential so session creation works.
func (e *testEnv) seedCredential(t *testing.T, userID string) {
	t.Helper()
	key, err := e.keyring.Seal("plain-api-key")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	secret, err := e.keyring.Seal("plain-api-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = e.queries.CreateCredential(context.Background(), db.Credential{
		ID: "cred-" + userID, UserID: userID, Exchange: "bybit",
		APIKey: key, APISecret: secret, IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/positions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/positions", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", w.Code)
	}

	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, &UserClaims{UserID: "user-1"})
	signed, _ := wrong.SignedString([]byte("some-other-secret"))
	w = env.do(t, http.MethodGet, "/api/positions", signed, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d, want 401", w.Code)
	}
}

func TestTokenViaQueryParameter(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")

	token := mintToken(t, "user-1")
	w := env.do(t, http.MethodGet, "/api/balance?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":   "BTCUSDT",
		"side":     "buy",
		"type":     "market",
		"quantity": "0.5",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if env.stub.lastOrder.Symbol != "BTCUSDT" {
		t.Fatalf("order symbol = %q, want BTCUSDT", env.stub.lastOrder.Symbol)
	}
	if !env.stub.lastOrder.Quantity.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("order quantity = %s, want 0.5", env.stub.lastOrder.Quantity)
	}

	var resp struct {
		Order struct {
			OrderID string `json:"OrderID"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.OrderID != "stub-order-1" {
		t.Fatalf("order id = %q, want stub-order-1", resp.Order.OrderID)
	}
}

func TestPlaceOrderRejectsMissingQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol": "BTCUSDT",
		"side":   "buy",
		"type":   "market",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrderWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "user-2")

	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":   "BTCUSDT",
		"side":     "buy",
		"type":     "market",
		"quantity": "1",
	})
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrderExchangeRejection(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	env.stub.orderErr = &common.RejectedError{Exchange: "bybit", Code: 110007, Message: "insufficient balance"}
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":   "BTCUSDT",
		"side":     "buy",
		"type":     "market",
		"quantity": "1",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "insufficient balance") {
		t.Fatalf("rejection message not passed through: %s", w.Body.String())
	}
}

func TestQuoteAmountSizing(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	env.stub.lastPrice = decimal.NewFromInt(100)
	token := mintToken(t, "user-1")

	// A limit order converts the quote amount at its own price; the ticker
	// must stay out of the picture.
	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":       "BTCUSDT",
		"side":         "buy",
		"type":         "limit",
		"price":        "50",
		"quote_amount": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("limit status = %d: %s", w.Code, w.Body.String())
	}
	if !env.stub.lastOrder.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("limit quantity = %s, want 2 (100 quote / 50 limit)", env.stub.lastOrder.Quantity)
	}
	if env.stub.tickerCalls != 0 {
		t.Errorf("limit sizing hit the ticker %d times, want 0", env.stub.tickerCalls)
	}

	// A market order has no price of its own and sizes at the last price.
	w = env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":       "BTCUSDT",
		"side":         "buy",
		"type":         "market",
		"quote_amount": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("market status = %d: %s", w.Code, w.Body.String())
	}
	if !env.stub.lastOrder.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("market quantity = %s, want 1 (100 quote / 100 last)", env.stub.lastOrder.Quantity)
	}
	if env.stub.tickerCalls != 1 {
		t.Errorf("market sizing hit the ticker %d times, want 1", env.stub.tickerCalls)
	}
}

func TestPlaceOrderPositionSide(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":        "BTCUSDT",
		"side":          "buy",
		"type":          "market",
		"quantity":      "1",
		"position_side": "long",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.stub.lastOrder.PositionSide != common.PositionLong {
		t.Errorf("position side = %q, want long", env.stub.lastOrder.PositionSide)
	}

	// Omitted means unset, never inferred from the order side.
	w = env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":   "BTCUSDT",
		"side":     "sell",
		"type":     "market",
		"quantity": "1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.stub.lastOrder.PositionSide != "" {
		t.Errorf("position side = %q, want empty when omitted", env.stub.lastOrder.PositionSide)
	}

	w = env.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"symbol":        "BTCUSDT",
		"side":          "buy",
		"type":          "market",
		"quantity":      "1",
		"position_side": "sideways",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad position_side status = %d, want 400", w.Code)
	}
}

func TestRejectionsDoNotTripCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	order := gin.H{
		"symbol":   "BTCUSDT",
		"side":     "buy",
		"type":     "market",
		"quantity": "1",
	}

	// A streak of definitive rejections says nothing about the session.
	env.stub.orderErr = &common.RejectedError{Exchange: "bybit", Code: 110007, Message: "insufficient balance"}
	for i := 0; i < 3; i++ {
		if w := env.do(t, http.MethodPost, "/api/orders", token, order); w.Code != http.StatusConflict {
			t.Fatalf("rejection %d status = %d, want 409", i+1, w.Code)
		}
	}

	env.stub.orderErr = nil
	w := env.do(t, http.MethodPost, "/api/orders", token, order)
	if w.Code != http.StatusCreated {
		t.Fatalf("status after rejections = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestCredentialLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/credentials", token, gin.H{
		"exchange":   "bybit",
		"label":      "main account",
		"api_key":    "my-plain-key",
		"api_secret": "my-plain-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	// Stored values must be sealed, never plaintext.
	stored, err := env.queries.GetActiveCredential(context.Background(), "user-1", "bybit", false)
	if err != nil {
		t.Fatalf("read stored credential: %v", err)
	}
	if !crypto.IsSealed(stored.APIKey) || !crypto.IsSealed(stored.APISecret) {
		t.Fatal("stored credential is not sealed")
	}

	w = env.do(t, http.MethodGet, "/api/credentials", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "my-plain-key") || strings.Contains(body, "my-plain-secret") {
		t.Fatalf("credential listing leaks plaintext: %s", body)
	}
	if strings.Contains(body, stored.APISecret) {
		t.Fatal("credential listing leaks sealed secret")
	}

	var list struct {
		Credentials []struct {
			ID string `json:"id"`
		} `json:"credentials"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Credentials) != 1 {
		t.Fatalf("len(credentials) = %d, want 1", len(list.Credentials))
	}

	w = env.do(t, http.MethodDelete, "/api/credentials/"+list.Credentials[0].ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/api/credentials/"+list.Credentials[0].ID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestCredentialIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")

	otherToken := mintToken(t, "user-2")
	w := env.do(t, http.MethodDelete, "/api/credentials/cred-user-1", otherToken, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status = %d, want 404", w.Code)
	}

	ownToken := mintToken(t, "user-1")
	w = env.do(t, http.MethodGet, "/api/credentials", ownToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cred-user-1") {
		t.Fatal("owner's credential disappeared after cross-user delete attempt")
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/positions/close", token, gin.H{
		"symbol": "BTCUSDT",
		"side":   "long",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	// The history row comes from the snapshot taken before the close, keyed
	// by the closing order's id; no settled-PnL read happens inline.
	rows, err := env.recorder.ClosedPositions(context.Background(), "user-1", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("read stored positions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("stored positions = %+v, want one row", rows)
	}
	row := rows[0]
	if row.OrderID != "close-1" {
		t.Errorf("stored order id = %q, want close-1", row.OrderID)
	}
	if row.Qty != "0.5" {
		t.Errorf("stored qty = %q, want 0.5", row.Qty)
	}
	if row.ClosedPnL != "500" {
		t.Errorf("stored pnl = %q, want 500", row.ClosedPnL)
	}
	if row.AvgEntryPrice != "59000" || row.AvgExitPrice != "60000" {
		t.Errorf("stored prices = %q/%q, want 59000/60000", row.AvgEntryPrice, row.AvgExitPrice)
	}
}

func TestHistorySyncEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/history/sync", token, gin.H{"exchange": "bybit"})
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/history/stored/orders", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stored orders status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hist-1") {
		t.Fatalf("stored orders missing synced row: %s", w.Body.String())
	}
}

func TestGatewayStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedCredential(t, "user-1")
	token := mintToken(t, "user-1")

	// Prime one session.
	if w := env.do(t, http.MethodGet, "/api/balance", token, nil); w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/gateway/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Stats struct {
			TotalSessions int `json:"TotalSessions"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.Stats.TotalSessions != 1 {
		t.Fatalf("TotalSessions = %d, want 1", resp.Stats.TotalSessions)
	}
}
