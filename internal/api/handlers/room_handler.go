package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/pkg/logger"

	"github.com/labstack/echo/v4"
)

const maxEventBody = 64 * 1024

type RoomHandler struct {
	notifier *websocket.Notifier
	log      logger.Logger
}

func NewRoomHandler(notifier *websocket.Notifier, log logger.Logger) *RoomHandler {
	return &RoomHandler{notifier: notifier, log: log}
}

// Publish injects a feature event into a room, e.g.
// POST /api/v1/rooms/election/42/events/election:vote.
func (h *RoomHandler) Publish(c echo.Context) error {
	room := domain.Room{Kind: c.Param("kind"), ID: c.Param("id")}
	event := c.Param("event")

	if room.Kind == "" || room.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "room kind and id are required"})
	}
	if !strings.HasPrefix(event, room.Kind+":") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event must belong to the room kind"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if len(body) > 0 && !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be JSON"})
	}

	if err := h.notifier.NotifyRoom(c.Request().Context(), room, event, body); err != nil {
		h.log.Error("Failed to publish room event", "room", room.String(), "event", event, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to publish event"})
	}

	h.log.Info("Room event published", "room", room.String(), "event", event)
	return c.JSON(http.StatusAccepted, map[string]string{
		"room":  room.String(),
		"event": event,
	})
}
