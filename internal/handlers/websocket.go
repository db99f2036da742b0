package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/services/monitor"
)

const wsWriteDeadline = 5 * time.Second

// WebSocketHandler streams monitor snapshots to dashboard clients
type WebSocketHandler struct {
	broker   *monitor.PushBroker
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

func NewWebSocketHandler(broker *monitor.PushBroker, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Monitor serves GET /monitor/ws
func (h *WebSocketHandler) Monitor(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)
	defer conn.Close()

	// Reader drains control frames and detects client disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.Out:
			if !ok {
				// Broker evicted us or is shutting down
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping observer")
				return
			}
		}
	}
}
