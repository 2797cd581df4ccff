package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/config"
	"github.com/vovakirdan/lobbyrelay/internal/core"
	"github.com/vovakirdan/lobbyrelay/internal/metrics"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/store"
)

// NewServer builds the HTTP server: WebSocket relay, REST inspection API,
// health and metrics. m may be nil.
func NewServer(
	hub *core.Hub,
	st store.Store,
	tracker *presence.Tracker,
	cfg *config.Config,
	logger *zerolog.Logger,
	m *metrics.Metrics,
) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	roomHandlers := NewRoomHandlers(st, tracker, logger)
	clientHandlers := NewClientHandlers(st, logger)

	api := router.Group("/api")
	{
		api.GET("/rooms", roomHandlers.ListRooms)
		api.GET("/rooms/:id", roomHandlers.GetRoom)
		api.GET("/rooms/code/:code", roomHandlers.GetRoomByCode)

		api.GET("/clients", clientHandlers.ListClients)
		api.GET("/clients/:id", clientHandlers.GetClient)
		api.POST("/clients", clientHandlers.CreateClient)
	}

	// /ws stays outside gin so the upgrade can hijack the connection.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, logger, cfg.MaxMessageBytes, cfg.RateLimitPerMinute, cfg.CORSOrigins))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           withCORS(mux, cfg.CORSOrigins),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
