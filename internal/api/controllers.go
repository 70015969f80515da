package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

const defaultExchange = "bybit"

// slotFromQuery builds the session slot for GET-style endpoints.
func (s *Server) slotFromQuery(c *gin.Context) gateway.Slot {
	exchange := c.DefaultQuery("exchange", defaultExchange)
	testnet := c.Query("testnet") == "true"
	return gateway.Slot{UserID: CurrentUserID(c), Exchange: exchange, Testnet: testnet}
}

type slotBody struct {
	Exchange string `json:"exchange"`
	Testnet  bool   `json:"testnet"`
}

func (b slotBody) slot(c *gin.Context) gateway.Slot {
	exchange := b.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}
	return gateway.Slot{UserID: CurrentUserID(c), Exchange: exchange, Testnet: b.Testnet}
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// maskKey leaves just enough of an API key to recognize it.
func maskKey(sealed string) string {
	return "****" + lastN(sealed, 4)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.Queries.GetCredentialsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"id":         cred.ID,
			"exchange":   cred.Exchange,
			"label":      cred.Label,
			"api_key":    maskKey(cred.APIKey),
			"testnet":    cred.Testnet,
			"is_active":  cred.IsActive,
			"created_at": cred.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (s *Server) createCredential(c *gin.Context) {
	var req struct {
		Exchange  string `json:"exchange"`
		Label     string `json:"label"`
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
		Testnet   bool   `json:"testnet"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	req.APISecret = strings.TrimSpace(req.APISecret)
	if req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_CREDENTIALS", "error": "api_key and api_secret are required"})
		return
	}
	if req.Exchange == "" {
		req.Exchange = defaultExchange
	}

	sealedKey, err := s.Keyring.Seal(req.APIKey)
	if err != nil {
		writeError(c, err)
		return
	}
	sealedSecret, err := s.Keyring.Seal(req.APISecret)
	if err != nil {
		writeError(c, err)
		return
	}

	userID := CurrentUserID(c)
	cred := db.Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Exchange:  req.Exchange,
		Label:     req.Label,
		APIKey:    sealedKey,
		APISecret: sealedSecret,
		Testnet:   req.Testnet,
		IsActive:  true,
	}
	if err := s.Queries.CreateCredential(c.Request.Context(), cred); err != nil {
		writeError(c, err)
		return
	}

	// Any cached session was built from the old credential.
	s.Service.Manager().Remove(userID, req.Exchange, req.Testnet)

	c.JSON(http.StatusCreated, gin.H{
		"id":       cred.ID,
		"exchange": cred.Exchange,
		"testnet":  cred.Testnet,
	})
}

func (s *Server) deleteCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Queries.DeleteCredential(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.Service.Manager().RemoveByUser(userID)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) setCredentialActive(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	userID := CurrentUserID(c)
	if err := s.Queries.SetCredentialActive(c.Request.Context(), userID, c.Param("id"), req.Active); err != nil {
		writeError(c, err)
		return
	}
	if !req.Active {
		s.Service.Manager().RemoveByUser(userID)
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Active})
}

// verifyCredential establishes a session and makes one authenticated call,
// proving the stored credential works end to end.
func (s *Server) verifyCredential(c *gin.Context) {
	var req slotBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	slot := req.slot(c)
	balance, err := s.Service.GetBalance(c.Request.Context(), slot, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verified": true,
		"exchange": slot.Exchange,
		"testnet":  slot.Testnet,
		"balance":  balance,
	})
}

// ----------------------------------------
// Trading
// ----------------------------------------

func (s *Server) placeOrder(c *gin.Context) {
	var req struct {
		slotBody
		Symbol       string          `json:"symbol"`
		Side         string          `json:"side"`
		Type         string          `json:"type"`
		Quantity     decimal.Decimal `json:"quantity"`
		QuoteAmount  decimal.Decimal `json:"quote_amount"`
		Price        decimal.Decimal `json:"price"`
		PositionSide string          `json:"position_side"`
		Leverage     int             `json:"leverage"`
		TakeProfit   decimal.Decimal `json:"take_profit"`
		StopLoss     decimal.Decimal `json:"stop_loss"`
		ClientID     string          `json:"client_order_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	kind := common.OrderKindMarket
	if strings.EqualFold(req.Type, "limit") {
		kind = common.OrderKindLimit
	}
	side := common.SideBuy
	if strings.EqualFold(req.Side, "sell") {
		side = common.SideSell
	} else if !strings.EqualFold(req.Side, "buy") {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMETERS", "error": "side must be buy or sell"})
		return
	}

	var positionSide common.PositionSide
	switch strings.ToLower(req.PositionSide) {
	case "":
	case "long":
		positionSide = common.PositionLong
	case "short":
		positionSide = common.PositionShort
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMETERS", "error": "position_side must be long or short"})
		return
	}

	result, err := s.Service.PlaceOrder(c.Request.Context(), gateway.PlaceOrderParams{
		Slot:         req.slot(c),
		Symbol:       req.Symbol,
		Side:         side,
		Kind:         kind,
		Quantity:     req.Quantity,
		QuoteAmount:  req.QuoteAmount,
		Price:        req.Price,
		PositionSide: positionSide,
		Leverage:     req.Leverage,
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
		ClientID:     req.ClientID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": result})
}

func (s *Server) getOpenOrders(c *gin.Context) {
	orders, err := s.Service.GetOpenOrders(c.Request.Context(), s.slotFromQuery(c), c.Query("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMETERS", "error": "symbol query parameter is required"})
		return
	}
	order, err := s.Service.GetOrder(c.Request.Context(), s.slotFromQuery(c), symbol, c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) cancelOrder(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMETERS", "error": "symbol query parameter is required"})
		return
	}
	result, err := s.Service.CancelOrder(c.Request.Context(), s.slotFromQuery(c), symbol, c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": result})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Service.GetPositions(c.Request.Context(), s.slotFromQuery(c), c.Query("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) closePosition(c *gin.Context) {
	var req struct {
		slotBody
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	var side common.PositionSide
	switch strings.ToLower(req.Side) {
	case "long":
		side = common.PositionLong
	case "short":
		side = common.PositionShort
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMETERS", "error": "side must be long or short"})
		return
	}

	result, err := s.Service.ClosePosition(c.Request.Context(), req.slot(c), req.Symbol, side)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": result})
}

func (s *Server) getBalance(c *gin.Context) {
	balance, err := s.Service.GetBalance(c.Request.Context(), s.slotFromQuery(c), c.Query("coin"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) getTicker(c *gin.Context) {
	ticker, err := s.Service.GetTicker(c.Request.Context(), s.slotFromQuery(c), c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": ticker})
}

func (s *Server) setLeverage(c *gin.Context) {
	var req struct {
		slotBody
		Symbol   string `json:"symbol"`
		Leverage int    `json:"leverage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := s.Service.SetLeverage(c.Request.Context(), req.slot(c), req.Symbol, req.Leverage); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "leverage": req.Leverage})
}

// ----------------------------------------
// History
// ----------------------------------------

func historyQueryFromRequest(c *gin.Context) common.HistoryQuery {
	q := common.HistoryQuery{Symbol: c.Query("symbol")}
	if v := c.Query("start"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.StartTime = time.UnixMilli(ms)
		}
	}
	if v := c.Query("end"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.EndTime = time.UnixMilli(ms)
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	return q
}

func (s *Server) getClosedPnL(c *gin.Context) {
	records, err := s.Service.GetClosedPnL(c.Request.Context(), s.slotFromQuery(c), historyQueryFromRequest(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed_pnl": records})
}

func (s *Server) getOrderHistory(c *gin.Context) {
	records, err := s.Service.GetOrderHistory(c.Request.Context(), s.slotFromQuery(c), historyQueryFromRequest(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": records})
}

func (s *Server) getStoredClosedPositions(c *gin.Context) {
	q := historyQueryFromRequest(c)
	rows, err := s.Recorder.ClosedPositions(c.Request.Context(), CurrentUserID(c), q.StartTime, q.EndTime, q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows})
}

func (s *Server) getStoredOrders(c *gin.Context) {
	q := historyQueryFromRequest(c)
	rows, err := s.Recorder.Orders(c.Request.Context(), CurrentUserID(c), q.Symbol, q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (s *Server) syncHistory(c *gin.Context) {
	var req slotBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := s.Syncer.SyncSlot(c.Request.Context(), req.slot(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true})
}

func (s *Server) getGatewayStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.Service.Manager().Stats()})
}
