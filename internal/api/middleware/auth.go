package middleware

import (
	"net/http"
	"strings"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/labstack/echo/v4"
)

const userIDKey = "user_id"

// BearerAuth verifies the Authorization header. When required is false a
// request without a header passes through anonymously; a header that does
// not verify is always rejected.
func BearerAuth(verifier domain.TokenVerifier, required bool, log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				if required {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				}
				return next(c)
			}

			if !strings.HasPrefix(header, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid authorization header"})
			}

			userID, err := verifier.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				log.Info("Rejected token", "path", c.Path(), "remote_addr", c.RealIP(), "error", err)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}

			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// UserID returns the authenticated user, or "" for anonymous requests.
func UserID(c echo.Context) string {
	userID, _ := c.Get(userIDKey).(string)
	return userID
}
