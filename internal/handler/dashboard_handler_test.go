package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gatepass-api/internal/dto"
	"github.com/noah-isme/campus-gatepass-api/internal/middleware"
	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

type dashboardServiceMock struct {
	summary interface{}
	cached  bool
	err     error
}

func (m *dashboardServiceMock) ForClaims(ctx context.Context, claims *models.JWTClaims) (interface{}, bool, error) {
	return m.summary, m.cached, m.err
}

func TestDashboardHandlerReportsCacheMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &dashboardServiceMock{summary: &dto.StudentDashboardResponse{}, cached: true}
	handler := NewDashboardHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/passes/stats/dashboard", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent})

	handler.Dashboard(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cache_hit":true`)
}

func TestDashboardHandlerUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDashboardHandler(&dashboardServiceMock{})

	c, w := newGinContext(http.MethodGet, "/passes/stats/dashboard", nil)
	handler.Dashboard(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
