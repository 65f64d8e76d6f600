package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams trade lifecycle events and price ticks. Browsers pass
// the token as ?token= since they cannot set the Authorization header.
func (s *Server) websocket(c *gin.Context) {
	token, code := bearerToken(c)
	if code != "" {
		respondError(c, http.StatusUnauthorized, code, "missing or malformed token")
		return
	}
	operator, err := parseToken(token, s.opts.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := append([]events.Event{events.EventPriceTick}, events.AllTradeEvents...)
	stream, unsub := s.Bus.SubscribeMany(topics, 100)
	defer unsub()

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.Log.Debug("ws client connected", zap.String("operator", operator))
	for {
		select {
		case <-gone:
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				s.Log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
