// Package api exposes the trading gateway over HTTP and websocket.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/history"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
)

// Server wires HTTP endpoints around the trading service.
type Server struct {
	Router    *gin.Engine
	Service   *gateway.Service
	Recorder  *history.Recorder
	Syncer    *history.Syncer
	Queries   *db.UserQueries
	Keyring   *crypto.Keyring
	Bus       *events.Bus
	JWTSecret string
}

// NewServer builds the router and middleware stack.
func NewServer(service *gateway.Service, recorder *history.Recorder, syncer *history.Syncer, queries *db.UserQueries, keyring *crypto.Keyring, bus *events.Bus, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Service:   service,
		Recorder:  recorder,
		Syncer:    syncer,
		Queries:   queries,
		Keyring:   keyring,
		Bus:       bus,
		JWTSecret: jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	protected := api.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		// Credentials
		protected.GET("/credentials", s.listCredentials)
		protected.POST("/credentials", s.createCredential)
		protected.DELETE("/credentials/:id", s.deleteCredential)
		protected.PUT("/credentials/:id/active", s.setCredentialActive)
		protected.POST("/credentials/verify", s.verifyCredential)

		// Trading
		protected.POST("/orders", s.placeOrder)
		protected.GET("/orders", s.getOpenOrders)
		protected.GET("/orders/:orderId", s.getOrder)
		protected.DELETE("/orders/:orderId", s.cancelOrder)
		protected.GET("/positions", s.getPositions)
		protected.POST("/positions/close", s.closePosition)
		protected.GET("/balance", s.getBalance)
		protected.GET("/ticker/:symbol", s.getTicker)
		protected.POST("/leverage", s.setLeverage)

		// History: live reads hit the exchange, stored reads hit SQLite.
		protected.GET("/history/closed-pnl", s.getClosedPnL)
		protected.GET("/history/orders", s.getOrderHistory)
		protected.GET("/history/stored/positions", s.getStoredClosedPositions)
		protected.GET("/history/stored/orders", s.getStoredOrders)
		protected.POST("/history/sync", s.syncHistory)

		protected.GET("/gateway/stats", s.getGatewayStats)
		protected.GET("/ws", s.websocket)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
