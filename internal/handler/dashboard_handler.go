package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gatepass-api/internal/middleware"
	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

type dashboardService interface {
	ForClaims(ctx context.Context, claims *models.JWTClaims) (interface{}, bool, error)
}

// DashboardHandler exposes the role dashboards.
type DashboardHandler struct {
	service dashboardService
}

// NewDashboardHandler creates a new handler.
func NewDashboardHandler(svc dashboardService) *DashboardHandler {
	return &DashboardHandler{service: svc}
}

// Dashboard godoc
// @Summary Role dashboard
// @Description Returns the dashboard matching the caller's role; meta.cache_hit reports cache utilisation
// @Tags Dashboard
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /passes/stats/dashboard [get]
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	summary, cached, err := h.service.ForClaims(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, summary, nil, middleware.ExtractMeta(c))
}
