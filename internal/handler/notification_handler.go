package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

// NotificationHandler exposes the notification inbox.
type NotificationHandler struct {
	service *service.NotificationService
}

// NewNotificationHandler creates a new handler.
func NewNotificationHandler(svc *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: svc}
}

// List godoc
// @Summary List notifications
// @Description List the caller's notifications, newest first
// @Tags Notifications
// @Produce json
// @Param unread query bool false "Only unread"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.NotificationFilter{
		UserID:     claims.UserID,
		UnreadOnly: c.Query("unread") == "true",
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 20),
	}

	notifications, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, notifications, pagination)
}

// UnreadCount godoc
// @Summary Count unread notifications
// @Tags Notifications
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /notifications/unread-count [get]
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	count, err := h.service.UnreadCount(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"unread": count}, nil)
}

// MarkRead godoc
// @Summary Mark one notification read
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// MarkAllRead godoc
// @Summary Mark every notification read
// @Tags Notifications
// @Produce json
// @Success 204 {object} response.Envelope
// @Router /notifications/read-all [post]
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.MarkAllRead(c.Request.Context(), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Delete one notification
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /notifications/{id} [delete]
func (h *NotificationHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
