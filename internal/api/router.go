package api

import (
	"net/http"
	"time"

	"portal-realtime/internal/api/handlers"
	"portal-realtime/internal/api/middleware"
	"portal-realtime/internal/domain"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type Dependencies struct {
	Hub           *websocket.Hub
	Verifier      domain.TokenVerifier
	Roster        domain.RosterStore
	Subscriptions domain.PushSubscriptionRepository
	InstanceID    string
	// AccessLog turns on echo's request logger.
	AccessLog bool
	Log       logger.Logger
}

// NewRouter serves the websocket endpoint through gorilla/mux and hands every
// other path to the echo REST API.
func NewRouter(deps Dependencies) http.Handler {
	e := newEcho(deps)

	wsHandlers := handlers.NewWebSocketHandlers(deps.Hub, deps.Verifier, deps.Log)

	cors := middleware.CORSWithLogging(deps.Log)

	router := mux.NewRouter()
	router.Handle("/socket", cors(http.HandlerFunc(wsHandlers.HandleConnection))).
		Methods(http.MethodGet, http.MethodOptions)

	router.PathPrefix("/").Handler(e)
	return router
}

func newEcho(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.RequestID())
	if deps.AccessLog {
		e.Use(echomw.LoggerWithConfig(echomw.LoggerConfig{
			Format: `{"time":"${time_rfc3339}","id":"${id}","remote_ip":"${remote_ip}","method":"${method}","uri":"${uri}","status":${status},"error":"${error}","latency_human":"${latency_human}"}` + "\n",
		}))
	}
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			echo.HeaderXRequestedWith,
		},
		MaxAge: 86400,
	}))

	presenceHandler := handlers.NewPresenceHandler(deps.Roster, deps.Log)
	pushHandler := handlers.NewPushHandler(deps.Subscriptions, deps.Log)
	roomHandler := handlers.NewRoomHandler(websocket.NewNotifier(deps.Hub), deps.Log)

	required := middleware.BearerAuth(deps.Verifier, true, deps.Log)
	optional := middleware.BearerAuth(deps.Verifier, false, deps.Log)

	api := e.Group("/api/v1")
	api.POST("/presence/heartbeat", presenceHandler.Heartbeat, required)
	api.GET("/presence/roster", presenceHandler.Roster, required)
	api.POST("/push/subscriptions", pushHandler.Sync, optional)
	api.POST("/rooms/:kind/:id/events/:event", roomHandler.Publish, required)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"service":     "realtime-server",
			"instance_id": deps.InstanceID,
			"connections": deps.Hub.ClientCount(),
			"timestamp":   time.Now().Format(time.RFC3339),
		})
	})

	return e
}
