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
)

type mockPassRepo struct {
	createFn              func(ctx context.Context, pass *models.GatePass) error
	findByIDFn            func(ctx context.Context, id string) (*models.GatePass, error)
	findDetailByIDFn      func(ctx context.Context, id string) (*models.GatePassDetail, error)
	listFn                func(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error)
	applyMentorDecisionFn func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error)
	applyHODDecisionFn    func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time, token *string, tokenExpires *time.Time) (bool, error)
	markCancelledFn       func(ctx context.Context, id string, now time.Time) (bool, error)
	markExpiredFn         func(ctx context.Context, id string, now time.Time) (bool, error)
	expireOverdueFn       func(ctx context.Context, now time.Time) ([]models.GatePass, error)
}

func (m *mockPassRepo) Create(ctx context.Context, pass *models.GatePass) error {
	return m.createFn(ctx, pass)
}

func (m *mockPassRepo) FindByID(ctx context.Context, id string) (*models.GatePass, error) {
	return m.findByIDFn(ctx, id)
}

func (m *mockPassRepo) FindDetailByID(ctx context.Context, id string) (*models.GatePassDetail, error) {
	if m.findDetailByIDFn != nil {
		return m.findDetailByIDFn(ctx, id)
	}
	pass, err := m.findByIDFn(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.GatePassDetail{GatePass: *pass}, nil
}

func (m *mockPassRepo) List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error) {
	return m.listFn(ctx, filter)
}

func (m *mockPassRepo) ApplyMentorDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error) {
	return m.applyMentorDecisionFn(ctx, id, approved, approverID, comments, decidedAt)
}

func (m *mockPassRepo) ApplyHODDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time, token *string, tokenExpires *time.Time) (bool, error) {
	return m.applyHODDecisionFn(ctx, id, approved, approverID, comments, decidedAt, token, tokenExpires)
}

func (m *mockPassRepo) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	return m.markCancelledFn(ctx, id, now)
}

func (m *mockPassRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	return m.markExpiredFn(ctx, id, now)
}

func (m *mockPassRepo) ExpireOverdue(ctx context.Context, now time.Time) ([]models.GatePass, error) {
	return m.expireOverdueFn(ctx, now)
}

type mockUserReader struct {
	users  map[string]*models.User
	byDept map[string]*models.User
}

func (m *mockUserReader) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserReader) FindHODByDepartment(ctx context.Context, department string) (*models.User, error) {
	user, ok := m.byDept[department]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type sentNotification struct {
	userID  string
	typ     models.NotificationType
	message string
	passID  *string
}

type mockNotifier struct {
	sent       []sentNotification
	broadcasts []sentNotification
}

func (m *mockNotifier) Notify(ctx context.Context, userID string, typ models.NotificationType, message string, passID *string) error {
	m.sent = append(m.sent, sentNotification{userID: userID, typ: typ, message: message, passID: passID})
	return nil
}

func (m *mockNotifier) Broadcast(role models.UserRole, typ models.NotificationType, message string, passID string) {
	m.broadcasts = append(m.broadcasts, sentNotification{userID: string(role), typ: typ, message: message, passID: &passID})
}

type mockTokenIssuer struct {
	token     string
	lastID    string
	lastUntil time.Time
}

func (m *mockTokenIssuer) Generate(passID string, expiresAt time.Time) (string, error) {
	m.lastID = passID
	m.lastUntil = expiresAt
	if m.token != "" {
		return m.token, nil
	}
	return "signed-token", nil
}

func strPtr(s string) *string { return &s }

func testStudent() *models.User {
	return &models.User{
		ID:         "student-1",
		Email:      "arun@campus.edu",
		FullName:   "Arun Kumar",
		Role:       models.RoleStudent,
		Department: "CSE",
		MentorID:   strPtr("mentor-1"),
		Active:     true,
	}
}

func testUsers() *mockUserReader {
	hod := &models.User{ID: "hod-1", FullName: "Dr. Rao", Role: models.RoleHOD, Department: "CSE", Active: true}
	return &mockUserReader{
		users: map[string]*models.User{
			"student-1": testStudent(),
			"mentor-1":  {ID: "mentor-1", FullName: "Prof. Mehta", Role: models.RoleMentor, Department: "CSE", Active: true},
			"hod-1":     hod,
		},
		byDept: map[string]*models.User{"CSE": hod},
	}
}

func newPassService(repo *mockPassRepo, users *mockUserReader, notifier *mockNotifier, tokens *mockTokenIssuer, now time.Time) *PassService {
	svc := NewPassService(repo, users, notifier, tokens, nil, zap.NewNop(), PassServiceConfig{QRGraceBuffer: 2 * time.Hour, CodePrefix: "GP"})
	svc.now = func() time.Time { return now }
	return svc
}

func validSubmitRequest(now time.Time) SubmitPassRequest {
	return SubmitPassRequest{
		Reason:             "Family function at home over the weekend",
		Destination:        "Chennai",
		Category:           models.CategoryFamily,
		DepartureTime:      now.Add(4 * time.Hour),
		ExpectedReturnTime: now.Add(10 * time.Hour),
		EmergencyName:      "R. Kumar",
		EmergencyPhone:     "9876543210",
		EmergencyRelation:  "Father",
	}
}

func TestSubmitCreatesPendingPassAndNotifiesMentor(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var created *models.GatePass
	repo := &mockPassRepo{
		createFn: func(ctx context.Context, pass *models.GatePass) error {
			created = pass
			return nil
		},
		findDetailByIDFn: func(ctx context.Context, id string) (*models.GatePassDetail, error) {
			return &models.GatePassDetail{GatePass: *created}, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	detail, err := svc.Submit(context.Background(), "student-1", validSubmitRequest(now))
	require.NoError(t, err)
	require.NotNil(t, created)

	assert.Equal(t, models.PassStatusPending, detail.Status)
	assert.Equal(t, "mentor-1", created.MentorID)
	assert.Equal(t, models.PriorityMedium, created.Priority)
	assert.Contains(t, created.PassCode, "GP-20260310-")

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "mentor-1", notifier.sent[0].userID)
	assert.Equal(t, models.NotifyNewPassRequest, notifier.sent[0].typ)
}

func TestSubmitRejectsPastDeparture(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := newPassService(&mockPassRepo{}, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	req := validSubmitRequest(now)
	req.DepartureTime = now.Add(-time.Hour)
	req.ExpectedReturnTime = now.Add(time.Hour)

	_, err := svc.Submit(context.Background(), "student-1", req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestSubmitRejectsReturnBeforeDeparture(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := newPassService(&mockPassRepo{}, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	req := validSubmitRequest(now)
	req.ExpectedReturnTime = req.DepartureTime.Add(-time.Minute)

	_, err := svc.Submit(context.Background(), "student-1", req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestSubmitRequiresAssignedMentor(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	users := testUsers()
	users.users["student-1"].MentorID = nil
	svc := newPassService(&mockPassRepo{}, users, &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.Submit(context.Background(), "student-1", validSubmitRequest(now))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func pendingPass(now time.Time) *models.GatePass {
	return &models.GatePass{
		ID:                 "pass-1",
		PassCode:           "GP-20260310-ABC123",
		StudentID:          "student-1",
		MentorID:           "mentor-1",
		Destination:        "Chennai",
		Status:             models.PassStatusPending,
		DepartureTime:      now.Add(4 * time.Hour),
		ExpectedReturnTime: now.Add(10 * time.Hour),
	}
}

func TestMentorApproveNotifiesStudentAndHOD(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
		applyMentorDecisionFn: func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error) {
			assert.True(t, approved)
			assert.Equal(t, "mentor-1", approverID)
			return true, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	_, err := svc.MentorDecide(context.Background(), "pass-1", "mentor-1", DecisionRequest{Action: "approve"})
	require.NoError(t, err)

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, "student-1", notifier.sent[0].userID)
	assert.Equal(t, models.NotifyPassApproved, notifier.sent[0].typ)
	assert.Equal(t, "hod-1", notifier.sent[1].userID)
	assert.Equal(t, models.NotifyNewPassRequest, notifier.sent[1].typ)
}

func TestMentorRejectNotifiesStudentWithComments(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
		applyMentorDecisionFn: func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error) {
			assert.False(t, approved)
			require.NotNil(t, comments)
			assert.Equal(t, "exams next week", *comments)
			return true, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	_, err := svc.MentorDecide(context.Background(), "pass-1", "mentor-1", DecisionRequest{Action: "reject", Comments: "exams next week"})
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotifyPassRejected, notifier.sent[0].typ)
	assert.Contains(t, notifier.sent[0].message, "exams next week")
}

func TestMentorDecideRequiresAssignedMentor(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.MentorDecide(context.Background(), "pass-1", "mentor-2", DecisionRequest{Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestMentorDecideConflictsOnNonPending(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.Status = models.PassStatusCancelled
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.MentorDecide(context.Background(), "pass-1", "mentor-1", DecisionRequest{Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestMentorDecideConflictsWhenUpdateLosesRace(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
		applyMentorDecisionFn: func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error) {
			return false, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	_, err := svc.MentorDecide(context.Background(), "pass-1", "mentor-1", DecisionRequest{Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, notifier.sent)
}

func TestHODApproveIssuesTokenWithGraceBuffer(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.Status = models.PassStatusMentorApproved
	tokens := &mockTokenIssuer{token: "gate-token"}
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
		applyHODDecisionFn: func(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time, token *string, tokenExpires *time.Time) (bool, error) {
			assert.True(t, approved)
			require.NotNil(t, token)
			assert.Equal(t, "gate-token", *token)
			require.NotNil(t, tokenExpires)
			assert.Equal(t, pass.ExpectedReturnTime.Add(2*time.Hour), *tokenExpires)
			return true, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, tokens, now)

	_, err := svc.HODDecide(context.Background(), "pass-1", "hod-1", DecisionRequest{Action: "approve"})
	require.NoError(t, err)

	assert.Equal(t, "pass-1", tokens.lastID)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotifyPassFullyApproved, notifier.sent[0].typ)
}

func TestHODDecideConflictsAfterMentorRejection(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.Status = models.PassStatusRejected
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.HODDecide(context.Background(), "pass-1", "hod-1", DecisionRequest{Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestHODDecideRejectsOtherDepartment(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.Status = models.PassStatusMentorApproved
	users := testUsers()
	users.users["hod-2"] = &models.User{ID: "hod-2", Role: models.RoleHOD, Department: "ECE", Active: true}
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, users, &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.HODDecide(context.Background(), "pass-1", "hod-2", DecisionRequest{Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestCancelBeforeDeparture(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
		markCancelledFn: func(ctx context.Context, id string, ts time.Time) (bool, error) {
			return true, nil
		},
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.Cancel(context.Background(), "pass-1", "student-1")
	require.NoError(t, err)
}

func TestCancelRejectedForNonOwner(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.Cancel(context.Background(), "pass-1", "student-2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestCancelConflictsAfterDeparturePassed(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.DepartureTime = now.Add(-time.Hour)
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.Cancel(context.Background(), "pass-1", "student-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestCancelConflictsOnActivePass(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	pass.Status = models.PassStatusActive
	repo := &mockPassRepo{
		findByIDFn: func(ctx context.Context, id string) (*models.GatePass, error) { return pass, nil },
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, err := svc.Cancel(context.Background(), "pass-1", "student-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
}

func TestExpireSweepNotifiesOwners(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &mockPassRepo{
		expireOverdueFn: func(ctx context.Context, ts time.Time) ([]models.GatePass, error) {
			return []models.GatePass{
				{ID: "pass-1", StudentID: "student-1"},
				{ID: "pass-2", StudentID: "student-2"},
			}, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	count, err := svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, notifier.sent, 2)
	assert.Equal(t, models.NotifyPassExpired, notifier.sent[0].typ)
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	expiresAt := now.Add(-time.Minute)
	pass := pendingPass(now)
	pass.Status = models.PassStatusApproved
	pass.QRTokenExpires = &expiresAt
	repo := &mockPassRepo{
		findDetailByIDFn: func(ctx context.Context, id string) (*models.GatePassDetail, error) {
			return &models.GatePassDetail{GatePass: *pass, StudentDepartment: "CSE"}, nil
		},
		markExpiredFn: func(ctx context.Context, id string, ts time.Time) (bool, error) {
			return true, nil
		},
	}
	notifier := &mockNotifier{}
	svc := newPassService(repo, testUsers(), notifier, &mockTokenIssuer{}, now)

	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	detail, err := svc.Get(context.Background(), "pass-1", claims)
	require.NoError(t, err)
	assert.Equal(t, models.PassStatusExpired, detail.Status)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotifyPassExpired, notifier.sent[0].typ)
}

func TestGetDeniedForUnrelatedStudent(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pass := pendingPass(now)
	repo := &mockPassRepo{
		findDetailByIDFn: func(ctx context.Context, id string) (*models.GatePassDetail, error) {
			return &models.GatePassDetail{GatePass: *pass, StudentDepartment: "CSE"}, nil
		},
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	claims := &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent}
	_, err := svc.Get(context.Background(), "pass-1", claims)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestListForApprovalScopesByRole(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var captured models.PassFilter
	repo := &mockPassRepo{
		listFn: func(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error) {
			captured = filter
			return nil, 0, nil
		},
	}
	svc := newPassService(repo, testUsers(), &mockNotifier{}, &mockTokenIssuer{}, now)

	_, _, err := svc.ListForApproval(context.Background(), &models.JWTClaims{UserID: "mentor-1", Role: models.RoleMentor}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, "mentor-1", captured.MentorID)
	assert.Equal(t, models.PassStatusPending, captured.Status)

	_, _, err = svc.ListForApproval(context.Background(), &models.JWTClaims{UserID: "hod-1", Role: models.RoleHOD, Department: "CSE"}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, "CSE", captured.Department)
	assert.Equal(t, models.PassStatusMentorApproved, captured.Status)

	_, _, err = svc.ListForApproval(context.Background(), &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}, 1, 20)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
