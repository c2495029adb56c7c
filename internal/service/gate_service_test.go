package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/export"
	"github.com/noah-isme/campus-gatepass-api/pkg/qrtoken"
)

type mockGateRepo struct {
	details        map[string]*models.GatePassDetail
	checkedOutWith *time.Time
	checkedInLate  *bool
	checkOutOK     bool
	checkInOK      bool
	expired        []string
}

func (m *mockGateRepo) FindDetailByID(ctx context.Context, id string) (*models.GatePassDetail, error) {
	detail, ok := m.details[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *detail
	return &copied, nil
}

func (m *mockGateRepo) MarkCheckedOut(ctx context.Context, id, officerID string, exitTime time.Time) (bool, error) {
	m.checkedOutWith = &exitTime
	if m.checkOutOK {
		m.details[id].Status = models.PassStatusActive
	}
	return m.checkOutOK, nil
}

func (m *mockGateRepo) MarkCheckedIn(ctx context.Context, id, officerID string, returnTime time.Time, late bool) (bool, error) {
	m.checkedInLate = &late
	if m.checkInOK {
		m.details[id].Status = models.PassStatusCompleted
		m.details[id].LateReturn = late
	}
	return m.checkInOK, nil
}

func (m *mockGateRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	m.expired = append(m.expired, id)
	m.details[id].Status = models.PassStatusExpired
	return true, nil
}

func gateFixture(t *testing.T, now time.Time) (*GateService, *mockGateRepo, *mockNotifier, string) {
	t.Helper()
	signer := qrtoken.NewSigner("gate-test-secret")
	expiry := now.Add(8 * time.Hour)
	token, err := signer.Generate("pass-1", expiry)
	require.NoError(t, err)

	detail := &models.GatePassDetail{
		GatePass: models.GatePass{
			ID:                 "pass-1",
			PassCode:           "GP-20260310-ABC123",
			StudentID:          "student-1",
			MentorID:           "mentor-1",
			Destination:        "Chennai",
			Reason:             "Family function",
			Status:             models.PassStatusApproved,
			DepartureTime:      now.Add(15 * time.Minute),
			ExpectedReturnTime: now.Add(6 * time.Hour),
			QRToken:            &token,
			QRTokenExpires:     &expiry,
		},
		StudentName:       "Arun Kumar",
		StudentRegNo:      "CSE2023001",
		StudentDepartment: "CSE",
	}
	repo := &mockGateRepo{details: map[string]*models.GatePassDetail{"pass-1": detail}, checkOutOK: true, checkInOK: true}
	notifier := &mockNotifier{}
	svc := NewGateService(repo, signer, notifier, export.NewSlipExporter(), nil, zap.NewNop(), GateServiceConfig{CheckoutEarlyWindow: 30 * time.Minute})
	svc.now = func() time.Time { return now }
	return svc, repo, notifier, token
}

func TestVerifyApprovedPassOffersCheckout(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, token := gateFixture(t, now)

	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "checkout", result.NextAction)
	require.NotNil(t, result.Pass)
	assert.Equal(t, "pass-1", result.Pass.ID)
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, token := gateFixture(t, now)

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: token + "00"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestVerifyRejectsReplacedToken(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	other := "rotated"
	repo.details["pass-1"].QRToken = &other

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestVerifyExpiredTokenExpiresPass(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, notifier, token := gateFixture(t, now)
	stale := now.Add(-time.Minute)
	repo.details["pass-1"].QRTokenExpires = &stale

	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, repo.expired, "pass-1")
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotifyPassExpired, notifier.sent[0].typ)
}

func TestVerifyBeforeEarlyWindowNotActionable(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].DepartureTime = now.Add(3 * time.Hour)

	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Message, "checkout opens at")
}

func TestVerifyExplicitActionMismatchConflicts(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, token := gateFixture(t, now)

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: token, Action: "entry"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)

	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token, Action: "exit"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyExplicitActionOnExpiredTokenErrors(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	stale := now.Add(-time.Minute)
	repo.details["pass-1"].QRTokenExpires = &stale

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: token, Action: "exit"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)
	assert.Contains(t, repo.expired, "pass-1")
}

func TestVerifyExplicitActionOnPendingPassConflicts(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].Status = models.PassStatusPending

	_, err := svc.Verify(context.Background(), VerifyRequest{Token: token, Action: "exit"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)

	// Without an action the same scan stays a soft, informational verdict.
	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyActivePassOffersCheckin(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].Status = models.PassStatusActive

	result, err := svc.Verify(context.Background(), VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "checkin", result.NextAction)
}

func TestCheckoutActivatesPassAndNotifies(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, notifier, token := gateFixture(t, now)

	detail, err := svc.Checkout(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassStatusActive, detail.Status)
	require.NotNil(t, repo.checkedOutWith)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "student-1", notifier.sent[0].userID)
	assert.Equal(t, models.NotifyPassUsed, notifier.sent[0].typ)
	require.Len(t, notifier.broadcasts, 1)
	assert.Equal(t, string(models.RoleSecurity), notifier.broadcasts[0].userID)
}

func TestCheckoutConflictsWhenNotApproved(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].Status = models.PassStatusPending

	_, err := svc.Checkout(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestCheckoutConflictsOnDoubleScan(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.checkOutOK = false

	_, err := svc.Checkout(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestCheckoutRefusedBeforeEarlyWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].DepartureTime = now.Add(2 * time.Hour)

	_, err := svc.Checkout(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestCheckinFlagsLateReturn(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, notifier, token := gateFixture(t, now)
	repo.details["pass-1"].Status = models.PassStatusActive
	repo.details["pass-1"].ExpectedReturnTime = now.Add(-time.Hour)

	detail, err := svc.Checkin(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassStatusCompleted, detail.Status)
	require.NotNil(t, repo.checkedInLate)
	assert.True(t, *repo.checkedInLate)
	assert.True(t, detail.LateReturn)

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].message, "late")
}

func TestCheckinOnTimeIsNotLate(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	repo.details["pass-1"].Status = models.PassStatusActive

	detail, err := svc.Checkin(context.Background(), GateEventRequest{Token: token}, "security-1")
	require.NoError(t, err)
	assert.False(t, detail.LateReturn)
	require.NotNil(t, repo.checkedInLate)
	assert.False(t, *repo.checkedInLate)
}

func TestManualCheckoutByPassID(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, _ := gateFixture(t, now)

	detail, err := svc.Checkout(context.Background(), GateEventRequest{PassID: "pass-1"}, "security-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassStatusActive, detail.Status)
}

func TestQRTokenOnlyForTokenBearingStates(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, repo, _, token := gateFixture(t, now)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}

	resp, err := svc.QRToken(context.Background(), "pass-1", claims)
	require.NoError(t, err)
	assert.Equal(t, token, resp.Token)

	repo.details["pass-1"].Status = models.PassStatusPending
	_, err = svc.QRToken(context.Background(), "pass-1", claims)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestQRTokenDeniedForOtherStudent(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, _ := gateFixture(t, now)
	claims := &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent}

	_, err := svc.QRToken(context.Background(), "pass-1", claims)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestSlipRendersPDF(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, _, _, _ := gateFixture(t, now)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}

	data, err := svc.Slip(context.Background(), "pass-1", claims)
	require.NoError(t, err)
	assert.True(t, len(data) > 500)
	assert.Equal(t, "%PDF", string(data[:4]))
}
