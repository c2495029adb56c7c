package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/response"
)

type passService interface {
	Submit(ctx context.Context, studentID string, req service.SubmitPassRequest) (*models.GatePassDetail, error)
	List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, *models.Pagination, error)
	Get(ctx context.Context, passID string, claims *models.JWTClaims) (*models.GatePassDetail, error)
	MentorDecide(ctx context.Context, passID, mentorID string, req service.DecisionRequest) (*models.GatePassDetail, error)
	HODDecide(ctx context.Context, passID, hodID string, req service.DecisionRequest) (*models.GatePassDetail, error)
	Cancel(ctx context.Context, passID, studentID string) (*models.GatePassDetail, error)
	ListForApproval(ctx context.Context, claims *models.JWTClaims, page, pageSize int) ([]models.GatePassDetail, *models.Pagination, error)
}

// PassHandler wires HTTP endpoints to the pass service.
type PassHandler struct {
	service passService
}

// NewPassHandler creates a new handler.
func NewPassHandler(svc passService) *PassHandler {
	return &PassHandler{service: svc}
}

// Submit godoc
// @Summary Submit gate pass request
// @Description Create a new gate pass request for the authenticated student
// @Tags Passes
// @Accept json
// @Produce json
// @Param payload body service.SubmitPassRequest true "Pass payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /passes [post]
func (h *PassHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.SubmitPassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid pass payload"))
		return
	}

	detail, err := h.service.Submit(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusCreated, detail, nil)
}

// List godoc
// @Summary List gate passes
// @Description List passes visible to the caller, with filters and pagination
// @Tags Passes
// @Produce json
// @Param status query string false "Status filter"
// @Param category query string false "Category filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /passes [get]
func (h *PassHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := h.buildFilter(c, claims)
	passes, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, passes, pagination)
}

// Active godoc
// @Summary List passes currently out
// @Description Gate-station view of every checked-out pass, earliest departure first
// @Tags Gate
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /passes/active [get]
func (h *PassHandler) Active(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.PassFilter{
		Status:    models.PassStatusActive,
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
		SortBy:    "departure_time",
		SortOrder: "ASC",
	}
	passes, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, passes, pagination)
}

// Get godoc
// @Summary Get one gate pass
// @Description Fetch a pass with approval details, access controlled by role
// @Tags Passes
// @Produce json
// @Param id path string true "Pass ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /passes/{id} [get]
func (h *PassHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// MentorDecide godoc
// @Summary Record mentor decision
// @Description Approve or reject a pending pass as the assigned mentor
// @Tags Passes
// @Accept json
// @Produce json
// @Param id path string true "Pass ID"
// @Param payload body service.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /passes/{id}/mentor-decision [post]
func (h *PassHandler) MentorDecide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	detail, err := h.service.MentorDecide(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// HODDecide godoc
// @Summary Record HOD decision
// @Description Approve or reject a mentor-approved pass as the department HOD
// @Tags Passes
// @Accept json
// @Produce json
// @Param id path string true "Pass ID"
// @Param payload body service.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /passes/{id}/hod-decision [post]
func (h *PassHandler) HODDecide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	detail, err := h.service.HODDecide(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// BulkDecide godoc
// @Summary Record decisions for several passes
// @Description Apply the same decision to a list of passes; per-pass results are reported individually
// @Tags Passes
// @Accept json
// @Produce json
// @Param payload body handler.BulkDecisionRequest true "Bulk decision"
// @Success 200 {object} response.Envelope
// @Router /passes/bulk-decision [post]
func (h *PassHandler) BulkDecide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req BulkDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.PassIDs) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "pass_ids and action are required"))
		return
	}

	decision := service.DecisionRequest{Action: req.Action, Comments: req.Comments}
	results := make([]BulkDecisionResult, 0, len(req.PassIDs))
	for _, passID := range req.PassIDs {
		var err error
		switch claims.Role {
		case models.RoleMentor:
			_, err = h.service.MentorDecide(c.Request.Context(), passID, claims.UserID, decision)
		case models.RoleHOD:
			_, err = h.service.HODDecide(c.Request.Context(), passID, claims.UserID, decision)
		default:
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "no approval stage for this role"))
			return
		}
		result := BulkDecisionResult{PassID: passID, OK: err == nil}
		if err != nil {
			result.Error = appErrors.FromError(err).Message
		}
		results = append(results, result)
	}

	response.JSON(c, http.StatusOK, results, nil)
}

// BulkDecisionRequest applies one decision to several passes.
type BulkDecisionRequest struct {
	PassIDs  []string `json:"pass_ids" binding:"required"`
	Action   string   `json:"action" binding:"required"`
	Comments string   `json:"comments"`
}

// BulkDecisionResult reports the outcome for one pass of a bulk decision.
type BulkDecisionResult struct {
	PassID string `json:"pass_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Cancel godoc
// @Summary Cancel own pass
// @Description Cancel a pass before its departure time
// @Tags Passes
// @Produce json
// @Param id path string true "Pass ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /passes/{id}/cancel [post]
func (h *PassHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	detail, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// ForApproval godoc
// @Summary List passes awaiting the caller's decision
// @Description Mentor: pending passes of assigned students. HOD: mentor-approved passes in the department.
// @Tags Passes
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /passes/for-approval [get]
func (h *PassHandler) ForApproval(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)
	passes, pagination, err := h.service.ListForApproval(c.Request.Context(), claims, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, passes, pagination)
}

func (h *PassHandler) buildFilter(c *gin.Context, claims *models.JWTClaims) models.PassFilter {
	filter := models.PassFilter{
		Status:    models.PassStatus(c.Query("status")),
		Category:  models.PassCategory(c.Query("category")),
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
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

	// Visibility scoping mirrors the per-pass access rules.
	switch claims.Role {
	case models.RoleStudent:
		filter.StudentID = claims.UserID
	case models.RoleMentor:
		filter.MentorID = claims.UserID
	case models.RoleHOD:
		filter.Department = claims.Department
	}
	return filter
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
