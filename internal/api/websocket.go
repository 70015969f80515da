package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradegate/internal/events"
	"tradegate/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin browsers are expected; auth happens via JWT, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsEventQueue = 64
)

// wsMessage is the frame sent to subscribers.
type wsMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// websocket streams the authenticated user's trade and sync events. The bus
// carries all users' events; payloads are filtered to the connection's user
// before delivery.
func (s *Server) websocket(c *gin.Context) {
	userID := CurrentUserID(c)
	log := logger.WithComponent("api").WithFields(logger.Fields{"user_id": userID})

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	topics := []events.Event{
		events.EventOrderPlaced,
		events.EventOrderCancelled,
		events.EventPositionClosed,
		events.EventLeverageChanged,
		events.EventHistorySynced,
		events.EventSessionDropped,
	}

	merged := make(chan wsMessage, wsEventQueue)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range topics {
		ch, unsub := s.Bus.Subscribe(topic, wsEventQueue)
		defer unsub()
		go func(topic events.Event, ch <-chan any) {
			for payload := range ch {
				if !payloadForUser(payload, userID) {
					continue
				}
				select {
				case merged <- wsMessage{Topic: string(topic), Payload: payload}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}

	// Read pump: discard client frames, notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("websocket connected")
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Info("websocket disconnected")
			return
		case msg := <-merged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// payloadForUser reports whether an event belongs to the given user.
func payloadForUser(payload any, userID string) bool {
	switch p := payload.(type) {
	case events.TradeEvent:
		return p.UserID == userID
	case events.SyncEvent:
		return p.UserID == userID
	case events.SessionEvent:
		return p.UserID == userID
	default:
		return false
	}
}
