package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/realtime"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

// WSHandler upgrades authenticated connections into hub clients.
type WSHandler struct {
	hub      *realtime.Hub
	auth     *service.AuthService
	logger   *zap.Logger
	cfg      realtime.ClientConfig
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new handler.
func NewWSHandler(hub *realtime.Hub, auth *service.AuthService, logger *zap.Logger, cfg realtime.ClientConfig) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		hub:    hub,
		auth:   auth,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connect godoc
// @Summary Open the realtime event stream
// @Description Upgrade to a websocket; authenticate via Authorization header or token query param
// @Tags Realtime
// @Success 101 {string} string "Switching Protocols"
// @Failure 401 {object} response.Envelope
// @Router /ws [get]
func (h *WSHandler) Connect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing token"))
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	realtime.NewClient(h.hub, conn, claims.UserID, claims.Role, h.cfg)
	h.logger.Debug("websocket client connected",
		zap.String("user_id", claims.UserID),
		zap.String("role", string(claims.Role)))
}
