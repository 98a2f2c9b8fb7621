package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tariel-x/pinroom/internal/auth"
	"github.com/tariel-x/pinroom/internal/config"
	"github.com/tariel-x/pinroom/internal/relay"
	"github.com/tariel-x/pinroom/internal/store"
	"github.com/tariel-x/pinroom/internal/turn"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	config     *config.Config
	relay      *relay.Service
	store      store.Store
	tickets    *auth.Tickets
	turnServer *turn.Server
	wsHub      *WSHub
	wsUpgrader websocket.Upgrader
	validate   *validator.Validate
	log        *slog.Logger
	nowFn      func() time.Time
}

// New wires the HTTP surface. turnServer may be nil when TURN is disabled.
func New(
	cfg *config.Config,
	svc *relay.Service,
	st store.Store,
	tickets *auth.Tickets,
	turnServer *turn.Server,
	hub *WSHub,
	log *slog.Logger,
) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		config:     cfg,
		relay:      svc,
		store:      st,
		tickets:    tickets,
		turnServer: turnServer,
		wsHub:      hub,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		nowFn:    time.Now,
	}
}

// Register mounts every route on router.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/client-config", h.GetClientConfig)
		api.GET("/turn-config", h.GetTURNConfig)
		api.GET("/ws", h.HandleWebSocket)

		rooms := api.Group("/rooms/:room_id", h.TicketAuth())
		rooms.GET("/messages", h.GetMessages)
		rooms.GET("/participants", h.GetParticipants)
	}
}

func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
