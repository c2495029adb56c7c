package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
)

type passRepository interface {
	Create(ctx context.Context, pass *models.GatePass) error
	FindByID(ctx context.Context, id string) (*models.GatePass, error)
	FindDetailByID(ctx context.Context, id string) (*models.GatePassDetail, error)
	List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error)
	ApplyMentorDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error)
	ApplyHODDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time, token *string, tokenExpires *time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]models.GatePass, error)
}

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindHODByDepartment(ctx context.Context, department string) (*models.User, error)
}

type transitionNotifier interface {
	Notify(ctx context.Context, userID string, typ models.NotificationType, message string, passID *string) error
	Broadcast(role models.UserRole, typ models.NotificationType, message string, passID string)
}

type tokenIssuer interface {
	Generate(passID string, expiresAt time.Time) (string, error)
}

// SubmitPassRequest is the student's pass submission payload.
type SubmitPassRequest struct {
	Reason             string              `json:"reason" validate:"required,min=10"`
	Destination        string              `json:"destination" validate:"required,min=3"`
	Category           models.PassCategory `json:"category" validate:"required,oneof=PERSONAL MEDICAL FAMILY ACADEMIC EMERGENCY OTHER"`
	Priority           models.PassPriority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	DepartureTime      time.Time           `json:"departure_time" validate:"required"`
	ExpectedReturnTime time.Time           `json:"expected_return_time" validate:"required"`
	EmergencyName      string              `json:"emergency_name" validate:"required,min=2"`
	EmergencyPhone     string              `json:"emergency_phone" validate:"required,min=7,max=15"`
	EmergencyRelation  string              `json:"emergency_relation" validate:"required,min=2"`
}

// DecisionRequest carries one approval-stage decision.
type DecisionRequest struct {
	Action   string `json:"action" validate:"required,oneof=approve reject"`
	Comments string `json:"comments" validate:"omitempty,max=500"`
}

// PassServiceConfig holds the approval-flow policy knobs.
type PassServiceConfig struct {
	QRGraceBuffer time.Duration
	CodePrefix    string
}

// PassService enforces the two-stage approval protocol. Every transition
// runs as a conditional update against the expected prior status; a racer
// that loses observes a state conflict instead of overwriting.
type PassService struct {
	repo      passRepository
	users     userReader
	notifier  transitionNotifier
	tokens    tokenIssuer
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
	cfg       PassServiceConfig
}

// NewPassService constructs PassService.
func NewPassService(repo passRepository, users userReader, notifier transitionNotifier, tokens tokenIssuer, validate *validator.Validate, logger *zap.Logger, cfg PassServiceConfig) *PassService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QRGraceBuffer <= 0 {
		cfg.QRGraceBuffer = 2 * time.Hour
	}
	if cfg.CodePrefix == "" {
		cfg.CodePrefix = "GP"
	}
	return &PassService{repo: repo, users: users, notifier: notifier, tokens: tokens, validator: validate, logger: logger, now: time.Now, cfg: cfg}
}

// Submit validates a draft and creates the pass in PENDING state. The
// assigned mentor is notified; no record exists if validation fails.
func (s *PassService) Submit(ctx context.Context, studentID string, req SubmitPassRequest) (*models.GatePassDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid pass payload")
	}
	now := s.now().UTC()
	if !req.DepartureTime.After(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "departure time must be in the future")
	}
	if !req.ExpectedReturnTime.After(req.DepartureTime) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "expected return time must be after departure time")
	}

	student, err := s.users.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only students can request passes")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "account is inactive")
	}
	if student.MentorID == nil || *student.MentorID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no mentor assigned to student")
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	pass := &models.GatePass{
		ID:                 uuid.NewString(),
		StudentID:          student.ID,
		MentorID:           *student.MentorID,
		Reason:             strings.TrimSpace(req.Reason),
		Destination:        strings.TrimSpace(req.Destination),
		Category:           req.Category,
		Priority:           priority,
		DepartureTime:      req.DepartureTime.UTC(),
		ExpectedReturnTime: req.ExpectedReturnTime.UTC(),
		EmergencyName:      strings.TrimSpace(req.EmergencyName),
		EmergencyPhone:     strings.TrimSpace(req.EmergencyPhone),
		EmergencyRelation:  strings.TrimSpace(req.EmergencyRelation),
		Status:             models.PassStatusPending,
	}
	pass.PassCode = s.passCode(pass.ID, now)

	if err := s.repo.Create(ctx, pass); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create pass")
	}

	message := fmt.Sprintf("%s requested a gate pass to %s", student.FullName, pass.Destination)
	if err := s.notifier.Notify(ctx, pass.MentorID, models.NotifyNewPassRequest, message, &pass.ID); err != nil {
		s.logger.Warn("mentor notification failed", zap.String("pass_id", pass.ID), zap.Error(err))
	}

	return s.detail(ctx, pass.ID)
}

// MentorDecide resolves the mentor stage. Valid only while the pass is
// PENDING and the caller is the assigned mentor.
func (s *PassService) MentorDecide(ctx context.Context, passID, mentorID string, req DecisionRequest) (*models.GatePassDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	pass, err := s.load(ctx, passID)
	if err != nil {
		return nil, err
	}
	if pass.MentorID != mentorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "pass is not assigned to this mentor")
	}
	if pass.Status != models.PassStatusPending {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, expected PENDING", pass.Status))
	}

	approved := req.Action == "approve"
	applied, err := s.repo.ApplyMentorDecision(ctx, passID, approved, mentorID, optional(req.Comments), s.now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record mentor decision")
	}
	if !applied {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "pass status changed, refresh and retry")
	}

	if approved {
		s.notifyStudent(ctx, pass, models.NotifyPassApproved, "Your pass was approved by your mentor and sent to the HOD")
		s.notifyHOD(ctx, pass)
	} else {
		message := "Your pass was rejected by your mentor"
		if req.Comments != "" {
			message += ": " + req.Comments
		}
		s.notifyStudent(ctx, pass, models.NotifyPassRejected, message)
	}

	return s.detail(ctx, passID)
}

// HODDecide resolves the HOD stage. Valid only once the mentor stage is
// approved. Approval issues the gate token bound to the pass.
func (s *PassService) HODDecide(ctx context.Context, passID, hodID string, req DecisionRequest) (*models.GatePassDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	pass, err := s.load(ctx, passID)
	if err != nil {
		return nil, err
	}

	hod, err := s.users.FindByID(ctx, hodID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approver not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approver")
	}
	student, err := s.users.FindByID(ctx, pass.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if hod.Role != models.RoleHOD || hod.Department != student.Department {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "pass belongs to another department")
	}
	if pass.Status != models.PassStatusMentorApproved {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, expected MENTOR_APPROVED", pass.Status))
	}

	approved := req.Action == "approve"
	var token *string
	var tokenExpires *time.Time
	if approved {
		expiry := pass.ExpectedReturnTime.Add(s.cfg.QRGraceBuffer)
		value, err := s.tokens.Generate(pass.ID, expiry)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue gate token")
		}
		token = &value
		tokenExpires = &expiry
	}

	applied, err := s.repo.ApplyHODDecision(ctx, passID, approved, hodID, optional(req.Comments), s.now().UTC(), token, tokenExpires)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record hod decision")
	}
	if !applied {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "pass status changed, refresh and retry")
	}

	if approved {
		s.notifyStudent(ctx, pass, models.NotifyPassFullyApproved, "Your pass is fully approved. Show the QR code at the gate.")
	} else {
		message := "Your pass was rejected by the HOD"
		if req.Comments != "" {
			message += ": " + req.Comments
		}
		s.notifyStudent(ctx, pass, models.NotifyPassRejected, message)
	}

	return s.detail(ctx, passID)
}

// Cancel voids a pass at the owner's request. Allowed only before the
// departure time while no gate event has occurred.
func (s *PassService) Cancel(ctx context.Context, passID, studentID string) (*models.GatePassDetail, error) {
	pass, err := s.load(ctx, passID)
	if err != nil {
		return nil, err
	}
	if pass.StudentID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requesting student may cancel")
	}
	switch pass.Status {
	case models.PassStatusPending, models.PassStatusMentorApproved, models.PassStatusApproved:
	default:
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s and can no longer be cancelled", pass.Status))
	}
	now := s.now().UTC()
	if !pass.DepartureTime.After(now) {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "departure time has passed, pass can no longer be cancelled")
	}

	applied, err := s.repo.MarkCancelled(ctx, passID, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel pass")
	}
	if !applied {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "pass status changed, refresh and retry")
	}

	return s.detail(ctx, passID)
}

// Get returns a pass after enforcing view access for the caller.
func (s *PassService) Get(ctx context.Context, passID string, claims *models.JWTClaims) (*models.GatePassDetail, error) {
	detail, err := s.loadDetail(ctx, passID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(detail, claims); err != nil {
		return nil, err
	}
	return detail, nil
}

// List returns passes matching the filter with pagination metadata.
func (s *PassService) List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, *models.Pagination, error) {
	passes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list passes")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return passes, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ListForApproval returns the caller's approval queue: PENDING passes for
// mentors, MENTOR_APPROVED passes in the department for HODs.
func (s *PassService) ListForApproval(ctx context.Context, claims *models.JWTClaims, page, pageSize int) ([]models.GatePassDetail, *models.Pagination, error) {
	filter := models.PassFilter{Page: page, PageSize: pageSize, SortBy: "departure_time", SortOrder: "ASC"}
	switch claims.Role {
	case models.RoleMentor:
		filter.MentorID = claims.UserID
		filter.Status = models.PassStatusPending
	case models.RoleHOD:
		filter.Department = claims.Department
		filter.Status = models.PassStatusMentorApproved
	default:
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "no approval queue for this role")
	}
	return s.List(ctx, filter)
}

// ExpireSweep transitions every overdue APPROVED pass to EXPIRED and
// notifies the owners. Returns the number of passes expired.
func (s *PassService) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire passes")
	}
	for i := range expired {
		pass := expired[i]
		s.notifyStudent(ctx, &pass, models.NotifyPassExpired, "Your approved pass expired without being used")
	}
	return len(expired), nil
}

// RunExpirySweeper periodically applies ExpireSweep until ctx ends.
func (s *PassService) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.ExpireSweep(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("expired overdue passes", zap.Int("count", count))
			}
		}
	}
}

// load fetches a pass, applying the lazy expiry check on read.
func (s *PassService) load(ctx context.Context, passID string) (*models.GatePass, error) {
	pass, err := s.repo.FindByID(ctx, passID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pass not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}
	if expired, err := s.lazyExpire(ctx, pass); err == nil && expired {
		pass.Status = models.PassStatusExpired
	}
	return pass, nil
}

func (s *PassService) loadDetail(ctx context.Context, passID string) (*models.GatePassDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, passID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pass not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}
	if expired, err := s.lazyExpire(ctx, &detail.GatePass); err == nil && expired {
		detail.Status = models.PassStatusExpired
	}
	return detail, nil
}

// lazyExpire expires an APPROVED pass whose token lapsed, so readers never
// observe a stale APPROVED state between sweeps.
func (s *PassService) lazyExpire(ctx context.Context, pass *models.GatePass) (bool, error) {
	if pass.Status != models.PassStatusApproved || pass.QRTokenExpires == nil {
		return false, nil
	}
	now := s.now().UTC()
	if pass.QRTokenExpires.After(now) {
		return false, nil
	}
	applied, err := s.repo.MarkExpired(ctx, pass.ID, now)
	if err != nil {
		s.logger.Warn("lazy expiry failed", zap.String("pass_id", pass.ID), zap.Error(err))
		return false, err
	}
	if applied {
		s.notifyStudent(ctx, pass, models.NotifyPassExpired, "Your approved pass expired without being used")
	}
	return applied, nil
}

func (s *PassService) detail(ctx context.Context, passID string) (*models.GatePassDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, passID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass detail")
	}
	return detail, nil
}

func (s *PassService) authorizeView(detail *models.GatePassDetail, claims *models.JWTClaims) error {
	if claims == nil {
		return appErrors.ErrUnauthorized
	}
	switch claims.Role {
	case models.RoleAdmin, models.RoleSecurity:
		return nil
	case models.RoleStudent:
		if detail.StudentID == claims.UserID {
			return nil
		}
	case models.RoleMentor:
		if detail.MentorID == claims.UserID {
			return nil
		}
	case models.RoleHOD:
		if detail.StudentDepartment == claims.Department {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrForbidden, "no access to this pass")
}

func (s *PassService) notifyStudent(ctx context.Context, pass *models.GatePass, typ models.NotificationType, message string) {
	if err := s.notifier.Notify(ctx, pass.StudentID, typ, message, &pass.ID); err != nil {
		s.logger.Warn("student notification failed", zap.String("pass_id", pass.ID), zap.Error(err))
	}
}

func (s *PassService) notifyHOD(ctx context.Context, pass *models.GatePass) {
	student, err := s.users.FindByID(ctx, pass.StudentID)
	if err != nil {
		s.logger.Warn("hod notification skipped, student lookup failed", zap.String("pass_id", pass.ID), zap.Error(err))
		return
	}
	hod, err := s.users.FindHODByDepartment(ctx, student.Department)
	if err != nil {
		s.logger.Warn("hod notification skipped, no hod for department", zap.String("department", student.Department), zap.Error(err))
		return
	}
	message := fmt.Sprintf("%s's pass to %s awaits your approval", student.FullName, pass.Destination)
	if err := s.notifier.Notify(ctx, hod.ID, models.NotifyNewPassRequest, message, &pass.ID); err != nil {
		s.logger.Warn("hod notification failed", zap.String("pass_id", pass.ID), zap.Error(err))
	}
}

func (s *PassService) passCode(id string, now time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf("%s-%s-%s", s.cfg.CodePrefix, now.Format("20060102"), short)
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
