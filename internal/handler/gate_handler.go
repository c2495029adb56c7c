package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

type gateService interface {
	Verify(ctx context.Context, req service.VerifyRequest) (*service.VerificationResult, error)
	Checkout(ctx context.Context, req service.GateEventRequest, officerID string) (*models.GatePassDetail, error)
	Checkin(ctx context.Context, req service.GateEventRequest, officerID string) (*models.GatePassDetail, error)
	QRToken(ctx context.Context, passID string, claims *models.JWTClaims) (*service.QRTokenResponse, error)
	Slip(ctx context.Context, passID string, claims *models.JWTClaims) ([]byte, error)
}

// GateHandler wires the gate-station endpoints to the gate service.
type GateHandler struct {
	service gateService
	metrics *service.MetricsService
}

// NewGateHandler creates a new handler.
func NewGateHandler(svc gateService, metrics *service.MetricsService) *GateHandler {
	return &GateHandler{service: svc, metrics: metrics}
}

// Verify godoc
// @Summary Verify a scanned gate token
// @Description Resolve a QR token and report the applicable gate action
// @Tags Gate
// @Accept json
// @Produce json
// @Param payload body service.VerifyRequest true "Scanned token"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /passes/verify [post]
func (h *GateHandler) Verify(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verify payload"))
		return
	}

	result, err := h.service.Verify(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Checkout godoc
// @Summary Record gate checkout
// @Description Mark an approved pass as in use when the student exits
// @Tags Gate
// @Accept json
// @Produce json
// @Param payload body service.GateEventRequest true "Token or pass id"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /passes/checkout [post]
func (h *GateHandler) Checkout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.GateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid checkout payload"))
		return
	}

	detail, err := h.service.Checkout(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveGateEvent("checkout")
	response.JSON(c, http.StatusOK, detail, nil)
}

// Checkin godoc
// @Summary Record gate checkin
// @Description Mark an active pass as completed when the student returns
// @Tags Gate
// @Accept json
// @Produce json
// @Param payload body service.GateEventRequest true "Token or pass id"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /passes/checkin [post]
func (h *GateHandler) Checkin(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.GateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid checkin payload"))
		return
	}

	detail, err := h.service.Checkin(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveGateEvent("checkin")
	response.JSON(c, http.StatusOK, detail, nil)
}

// QR godoc
// @Summary Fetch the gate token for a pass
// @Description Returns the signed token and expiry; format=pdf renders a printable slip
// @Tags Gate
// @Produce json
// @Produce application/pdf
// @Param id path string true "Pass ID"
// @Param format query string false "pdf for a printable slip"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /passes/{id}/qr [get]
func (h *GateHandler) QR(c *gin.Context) {
	claims := claimsFromContext(c)
	passID := c.Param("id")

	if c.Query("format") == "pdf" {
		data, err := h.service.Slip(c.Request.Context(), passID, claims)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=gate-pass-%s.pdf", passID))
		c.Data(http.StatusOK, "application/pdf", data)
		return
	}

	token, err := h.service.QRToken(c.Request.Context(), passID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, token, nil)
}
