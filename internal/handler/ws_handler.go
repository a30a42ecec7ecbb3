package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

type realtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, actor *models.User) error
}

// RealtimeHandler upgrades authenticated requests to websocket sessions.
type RealtimeHandler struct {
	gateway realtimeServer
	logger  *zap.Logger
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(gateway realtimeServer, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{gateway: gateway, logger: logger}
}

// Connect godoc
// @Summary Open realtime session
// @Description Upgrades to a websocket. The access token may be passed as the token query parameter.
// @Tags Realtime
// @Security BearerAuth
// @Param token query string false "Access token"
// @Success 101
// @Failure 401 {object} response.Envelope
// @Router /ws [get]
func (h *RealtimeHandler) Connect(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	// The upgrader has already written an HTTP error when Serve fails.
	if err := h.gateway.Serve(c.Writer, c.Request, actor); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", actor.ID), zap.Error(err))
	}
}
