package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/export"
)

type gatePassRepository interface {
	FindDetailByID(ctx context.Context, id string) (*models.GatePassDetail, error)
	MarkCheckedOut(ctx context.Context, id, officerID string, exitTime time.Time) (bool, error)
	MarkCheckedIn(ctx context.Context, id, officerID string, returnTime time.Time, late bool) (bool, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
}

type tokenVerifier interface {
	Parse(token string, allowExpired bool) (string, time.Time, error)
}

type slipRenderer interface {
	Render(slip export.GateSlip) ([]byte, error)
}

// VerifyRequest is a scan from the gate station. Action is optional: when
// set, the scan is validated for that specific gate event; when empty, the
// applicable event is inferred from the pass status.
type VerifyRequest struct {
	Token  string `json:"token" validate:"required"`
	Action string `json:"action" validate:"omitempty,oneof=exit entry"`
}

// GateEventRequest records a checkout or checkin. Token is the scanned QR
// payload; PassID is the manual fallback when a code will not scan.
type GateEventRequest struct {
	Token  string `json:"token" validate:"omitempty"`
	PassID string `json:"pass_id" validate:"omitempty,uuid"`
}

// VerificationResult tells the gate station whether a scan is actionable
// and which gate event applies next.
type VerificationResult struct {
	Valid      bool                   `json:"valid"`
	NextAction string                 `json:"next_action,omitempty"`
	Message    string                 `json:"message"`
	Pass       *models.GatePassDetail `json:"pass,omitempty"`
}

// QRTokenResponse returns the signed token for client-side QR rendering.
type QRTokenResponse struct {
	PassCode  string    `json:"pass_code"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GateServiceConfig holds the gate-side policy knobs.
type GateServiceConfig struct {
	CheckoutEarlyWindow time.Duration
}

// GateService handles everything that happens at the gate: token
// verification, checkout, checkin, and the printable slip. Gate events use
// the same conditional-update discipline as approvals, so a double scan
// resolves to one applied event and one state conflict.
type GateService struct {
	repo      gatePassRepository
	tokens    tokenVerifier
	notifier  transitionNotifier
	slips     slipRenderer
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
	cfg       GateServiceConfig
}

// NewGateService constructs GateService.
func NewGateService(repo gatePassRepository, tokens tokenVerifier, notifier transitionNotifier, slips slipRenderer, validate *validator.Validate, logger *zap.Logger, cfg GateServiceConfig) *GateService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckoutEarlyWindow <= 0 {
		cfg.CheckoutEarlyWindow = 30 * time.Minute
	}
	return &GateService{repo: repo, tokens: tokens, notifier: notifier, slips: slips, validator: validate, logger: logger, now: time.Now, cfg: cfg}
}

// Verify resolves a scanned token and reports the applicable gate action.
// Unknown or forged tokens error. An action-less scan is informational: a
// pass in a non-actionable state yields Valid=false with a human-readable
// reason for the officer. When Action is set the scan is a precondition
// check for that gate event, so an expired pass errors with TOKEN_EXPIRED
// and any other non-actionable state with STATE_CONFLICT.
func (s *GateService) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "token is required")
	}
	detail, err := s.resolveByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	result := s.verdict(ctx, detail)
	if req.Action == "" {
		return result, nil
	}
	if !result.Valid {
		if detail.Status == models.PassStatusExpired {
			return nil, appErrors.Clone(appErrors.ErrTokenExpired, result.Message)
		}
		return nil, appErrors.Clone(appErrors.ErrStateConflict, result.Message)
	}
	wanted := "checkout"
	if req.Action == "entry" {
		wanted = "checkin"
	}
	if result.NextAction != wanted {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, %s not possible", detail.Status, req.Action))
	}
	return result, nil
}

// Checkout records the student leaving campus. The pass must be APPROVED
// and inside the early-checkout window.
func (s *GateService) Checkout(ctx context.Context, req GateEventRequest, officerID string) (*models.GatePassDetail, error) {
	detail, err := s.resolveEvent(ctx, req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if detail.Status != models.PassStatusApproved {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, expected APPROVED", detail.Status))
	}
	if detail.QRTokenExpires != nil && !detail.QRTokenExpires.After(now) {
		s.expireStale(ctx, detail)
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "gate token has expired")
	}
	earliest := detail.DepartureTime.Add(-s.cfg.CheckoutEarlyWindow)
	if now.Before(earliest) {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("checkout opens at %s", earliest.Format("15:04")))
	}

	applied, err := s.repo.MarkCheckedOut(ctx, detail.ID, officerID, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record checkout")
	}
	if !applied {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "pass status changed, refresh and retry")
	}

	s.notify(ctx, detail, fmt.Sprintf("Checked out at the gate, return by %s", detail.ExpectedReturnTime.Format("15:04")))
	s.notifier.Broadcast(models.RoleSecurity, models.NotifyPassUsed, fmt.Sprintf("%s checked out (%s)", detail.StudentName, detail.PassCode), detail.ID)

	return s.repo.FindDetailByID(ctx, detail.ID)
}

// Checkin records the student returning. Late returns are flagged but
// never refused; a student outside campus must always be able to re-enter.
func (s *GateService) Checkin(ctx context.Context, req GateEventRequest, officerID string) (*models.GatePassDetail, error) {
	detail, err := s.resolveEvent(ctx, req)
	if err != nil {
		return nil, err
	}
	if detail.Status != models.PassStatusActive {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, expected ACTIVE", detail.Status))
	}

	now := s.now().UTC()
	late := now.After(detail.ExpectedReturnTime)

	applied, err := s.repo.MarkCheckedIn(ctx, detail.ID, officerID, now, late)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record checkin")
	}
	if !applied {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "pass status changed, refresh and retry")
	}

	message := "Checked in at the gate, pass completed"
	if late {
		message = "Checked in late, the return was recorded as overdue"
	}
	s.notify(ctx, detail, message)
	s.notifier.Broadcast(models.RoleSecurity, models.NotifyPassUsed, fmt.Sprintf("%s checked in (%s)", detail.StudentName, detail.PassCode), detail.ID)

	return s.repo.FindDetailByID(ctx, detail.ID)
}

// QRToken returns the signed token for a fully approved pass so the client
// can render the QR image.
func (s *GateService) QRToken(ctx context.Context, passID string, claims *models.JWTClaims) (*QRTokenResponse, error) {
	detail, err := s.loadOwned(ctx, passID, claims)
	if err != nil {
		return nil, err
	}
	if detail.Status != models.PassStatusApproved && detail.Status != models.PassStatusActive {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("pass is %s, no gate token available", detail.Status))
	}
	if detail.QRToken == nil || detail.QRTokenExpires == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "pass has no gate token")
	}
	return &QRTokenResponse{PassCode: detail.PassCode, Token: *detail.QRToken, ExpiresAt: *detail.QRTokenExpires}, nil
}

// Slip renders the printable PDF slip for a fully approved pass.
func (s *GateService) Slip(ctx context.Context, passID string, claims *models.JWTClaims) ([]byte, error) {
	token, err := s.QRToken(ctx, passID, claims)
	if err != nil {
		return nil, err
	}
	detail, err := s.repo.FindDetailByID(ctx, passID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}

	slip := export.GateSlip{
		PassCode:    detail.PassCode,
		StudentName: detail.StudentName,
		RegNo:       detail.StudentRegNo,
		Department:  detail.StudentDepartment,
		Destination: detail.Destination,
		Reason:      detail.Reason,
		Departure:   detail.DepartureTime,
		Return:      detail.ExpectedReturnTime,
		Token:       token.Token,
		TokenExpiry: token.ExpiresAt,
	}
	data, err := s.slips.Render(slip)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render slip")
	}
	return data, nil
}

// resolveEvent locates the pass for a gate event by token, or by pass id
// as the manual fallback when scanning fails.
func (s *GateService) resolveEvent(ctx context.Context, req GateEventRequest) (*models.GatePassDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid gate event payload")
	}
	if req.Token != "" {
		return s.resolveByToken(ctx, req.Token)
	}
	if req.PassID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "token or pass_id is required")
	}
	detail, err := s.repo.FindDetailByID(ctx, req.PassID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pass not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}
	return detail, nil
}

// resolveByToken verifies the signature, then requires the presented token
// to match the stored one, so a token invalidated server-side stops working
// even though its signature still checks out.
func (s *GateService) resolveByToken(ctx context.Context, token string) (*models.GatePassDetail, error) {
	passID, _, err := s.tokens.Parse(token, true)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "invalid gate token")
	}
	detail, err := s.repo.FindDetailByID(ctx, passID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pass not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}
	if detail.QRToken == nil || *detail.QRToken != token {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "token is no longer valid")
	}
	return detail, nil
}

func (s *GateService) verdict(ctx context.Context, detail *models.GatePassDetail) *VerificationResult {
	now := s.now().UTC()
	result := &VerificationResult{Pass: detail}

	switch detail.Status {
	case models.PassStatusApproved:
		if detail.QRTokenExpires != nil && !detail.QRTokenExpires.After(now) {
			s.expireStale(ctx, detail)
			detail.Status = models.PassStatusExpired
			result.Message = "pass expired without being used"
			return result
		}
		earliest := detail.DepartureTime.Add(-s.cfg.CheckoutEarlyWindow)
		if now.Before(earliest) {
			result.Message = fmt.Sprintf("checkout opens at %s", earliest.Format("15:04"))
			return result
		}
		result.Valid = true
		result.NextAction = "checkout"
		result.Message = "approved, ready to check out"
	case models.PassStatusActive:
		result.Valid = true
		result.NextAction = "checkin"
		result.Message = "student is out, ready to check in"
		if now.After(detail.ExpectedReturnTime) {
			result.Message = "student is overdue, check in will be flagged late"
		}
	default:
		result.Message = fmt.Sprintf("pass is %s, no gate action available", detail.Status)
	}
	return result
}

func (s *GateService) expireStale(ctx context.Context, detail *models.GatePassDetail) {
	applied, err := s.repo.MarkExpired(ctx, detail.ID, s.now().UTC())
	if err != nil {
		s.logger.Warn("stale pass expiry failed", zap.String("pass_id", detail.ID), zap.Error(err))
		return
	}
	if applied {
		s.notifyType(ctx, detail, models.NotifyPassExpired, "Your approved pass expired without being used")
	}
}

func (s *GateService) notify(ctx context.Context, detail *models.GatePassDetail, message string) {
	s.notifyType(ctx, detail, models.NotifyPassUsed, message)
}

func (s *GateService) notifyType(ctx context.Context, detail *models.GatePassDetail, typ models.NotificationType, message string) {
	if err := s.notifier.Notify(ctx, detail.StudentID, typ, message, &detail.ID); err != nil {
		s.logger.Warn("gate notification failed", zap.String("pass_id", detail.ID), zap.Error(err))
	}
}

func (s *GateService) loadOwned(ctx context.Context, passID string, claims *models.JWTClaims) (*models.GatePassDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, passID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pass not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass")
	}
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	switch claims.Role {
	case models.RoleAdmin, models.RoleSecurity:
		return detail, nil
	case models.RoleStudent:
		if detail.StudentID == claims.UserID {
			return detail, nil
		}
	case models.RoleMentor:
		if detail.MentorID == claims.UserID {
			return detail, nil
		}
	case models.RoleHOD:
		if detail.StudentDepartment == claims.Department {
			return detail, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrForbidden, "no access to this pass")
}
