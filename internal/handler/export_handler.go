package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

// ExportHandler exposes pass-history export generation and download.
type ExportHandler struct {
	service *service.ExportService
}

// NewExportHandler creates a new handler.
func NewExportHandler(svc *service.ExportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// Generate godoc
// @Summary Export pass history
// @Description Render the pass history matching the filters and return a signed download link
// @Tags Export
// @Produce json
// @Param format query string false "csv or pdf"
// @Param status query string false "Status filter"
// @Param department query string false "Department filter"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /passes/export [get]
func (h *ExportHandler) Generate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.PassFilter{
		Status:     models.PassStatus(c.Query("status")),
		Department: c.Query("department"),
		SortBy:     "created_at",
		SortOrder:  "DESC",
	}
	if raw := c.Query("from"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.FromDate = &ts
		}
	}
	if raw := c.Query("to"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.ToDate = &ts
		}
	}

	result, err := h.service.GeneratePassHistory(c.Request.Context(), filter, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{
		"url":        result.URL,
		"format":     result.Format,
		"rows":       result.Rows,
		"expires_at": result.ExpiresAt,
	}, nil)
}

// Download godoc
// @Summary Download a generated export
// @Description Stream an export file referenced by a signed token
// @Tags Export
// @Produce application/octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	file, err := h.service.Open(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat export file"))
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+info.Name())
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", file, nil)
}
