package handlers

import (
	"errors"
	"net/http"

	"portal-realtime/internal/api/middleware"
	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/labstack/echo/v4"
)

type PushHandler struct {
	repo domain.PushSubscriptionRepository
	log  logger.Logger
}

func NewPushHandler(repo domain.PushSubscriptionRepository, log logger.Logger) *PushHandler {
	return &PushHandler{repo: repo, log: log}
}

// Sync stores a device registration. Anonymous requests must carry an
// anonymousId, which becomes the owner. An authenticated request carrying the
// anonymousId moves that anonymous owner's registrations to the user.
func (h *PushHandler) Sync(c echo.Context) error {
	var req domain.PushSyncRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if req.Endpoint == "" || req.PublicKey == "" || req.AuthSecret == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "endpoint, publicKey and authSecret are required"})
	}

	ctx := c.Request().Context()
	userID := middleware.UserID(c)

	owner := userID
	if owner == "" {
		if req.AnonymousID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "anonymousId required for anonymous registration"})
		}
		owner = req.AnonymousID
	}

	linked := false
	if userID != "" && req.AnonymousID != "" {
		n, err := h.repo.LinkAnonymous(ctx, req.AnonymousID, userID)
		if err != nil {
			h.log.Error("Failed to link anonymous registration", "anonymous_id", req.AnonymousID, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to link registration"})
		}
		linked = n > 0
	}

	if !linked && userID != "" && req.AnonymousID != "" {
		// A retried link finds the endpoint already owned by the user.
		existing, err := h.repo.GetByEndpoint(ctx, req.Endpoint)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.log.Error("Failed to read registration", "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read registration"})
		}
		linked = existing != nil && existing.OwnerRef == userID
	}

	sub := &domain.PushSubscription{
		Endpoint:   req.Endpoint,
		PublicKey:  req.PublicKey,
		AuthSecret: req.AuthSecret,
		OwnerRef:   owner,
	}
	if err := h.repo.Upsert(ctx, sub); err != nil {
		h.log.Error("Failed to store registration", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store registration"})
	}

	h.log.Info("Push registration synced", "owner_ref", owner, "linked", linked)
	return c.JSON(http.StatusOK, domain.PushSyncResponse{OwnerRef: owner, Linked: linked})
}
