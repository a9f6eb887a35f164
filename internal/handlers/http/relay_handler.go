package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/infrastructure/middleware"
	"callnet/internal/infrastructure/monitoring"
	"callnet/internal/infrastructure/signal"
	apperrors "callnet/pkg/errors"
	"callnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RelayHandler struct {
	relay     *signal.Relay
	auth      *middleware.PartyAuth
	health    *monitoring.HealthChecker
	startTime time.Time
}

func NewRelayHandler(relay *signal.Relay, auth *middleware.PartyAuth, health *monitoring.HealthChecker) *RelayHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	return &RelayHandler{
		relay:     relay,
		auth:      auth,
		health:    health,
		startTime: time.Now(),
	}
}

// SetupRoutes mounts the relay endpoints. admission runs before
// authentication on the WebSocket route.
func (h *RelayHandler) SetupRoutes(router *gin.Engine, admission ...gin.HandlerFunc) {
	ws := append([]gin.HandlerFunc{}, admission...)
	ws = append(ws, middleware.PartyAuthMiddleware(h.auth), h.Connect)
	router.GET("/ws/:session_id", ws...)

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Connect upgrades to a WebSocket carrying signal messages for one session.
func (h *RelayHandler) Connect(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if err := validation.ValidateSessionID(sessionID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		c.Abort()
		return
	}
	party, ok := middleware.PartyFromContext(c)
	if !ok {
		_ = c.Error(apperrors.NewUnauthorizedError("party not authenticated"))
		c.Abort()
		return
	}

	h.relay.Serve(c.Writer, c.Request, domain.SessionID(sessionID), party)
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
