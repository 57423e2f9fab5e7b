package handlers

import (
	"net/http"
	"time"

	"portal-realtime/internal/api/middleware"
	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/labstack/echo/v4"
)

type PresenceHandler struct {
	roster domain.RosterStore
	log    logger.Logger
}

func NewPresenceHandler(roster domain.RosterStore, log logger.Logger) *PresenceHandler {
	return &PresenceHandler{roster: roster, log: log}
}

// Heartbeat records that the user is alive even if its socket is frozen.
func (h *PresenceHandler) Heartbeat(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	if err := h.roster.Touch(c.Request().Context(), userID, time.Now()); err != nil {
		h.log.Error("Failed to record heartbeat", "user_id", userID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to record heartbeat"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PresenceHandler) Roster(c echo.Context) error {
	snapshot, err := h.roster.Snapshot(c.Request().Context())
	if err != nil {
		h.log.Error("Failed to read roster", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read roster"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"onlineUsers": snapshot,
		"timestamp":   time.Now().UTC(),
	})
}
