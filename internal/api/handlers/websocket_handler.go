package handlers

import (
	"net/http"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/pkg/logger"
)

type WebSocketHandlers struct {
	wsHandler *websocket.WebSocketHandler
}

func NewWebSocketHandlers(hub *websocket.Hub, verifier domain.TokenVerifier, log logger.Logger) *WebSocketHandlers {
	wsHandler := websocket.NewWebSocketHandler(hub, verifier, log)
	return &WebSocketHandlers{
		wsHandler: wsHandler,
	}
}

func (h *WebSocketHandlers) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
