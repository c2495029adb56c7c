package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
)

type mockAuthRepo struct {
	userByEmail         *models.User
	userByID            *models.User
	findByEmailErr      error
	findByIDErr         error
	refreshTokens       map[string]*models.RefreshToken
	refreshTokenErr     error
	createRefreshErr    error
	revokeRefreshErr    error
	revokeUserTokensErr error
	updatePasswordErr   error
	auditLogs           []*models.AuditLog
	lastLoginUpdated    bool
	created             *models.User
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	return m.userByEmail, nil
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	if m.userByID != nil {
		return m.userByID, nil
	}
	return m.userByEmail, nil
}

func (m *mockAuthRepo) Create(ctx context.Context, user *models.User) error {
	m.created = user
	return nil
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockAuthRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	if m.updatePasswordErr != nil {
		return m.updatePasswordErr
	}
	if m.userByEmail != nil && m.userByEmail.ID == id {
		m.userByEmail.PasswordHash = passwordHash
	}
	return nil
}

func (m *mockAuthRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	return m.revokeUserTokensErr
}

func (m *mockAuthRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if m.createRefreshErr != nil {
		return m.createRefreshErr
	}
	if m.refreshTokens == nil {
		m.refreshTokens = make(map[string]*models.RefreshToken)
	}
	m.refreshTokens[token.Token] = token
	return nil
}

func (m *mockAuthRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if m.refreshTokenErr != nil {
		return nil, m.refreshTokenErr
	}
	rt, ok := m.refreshTokens[token]
	if !ok {
		return nil, errors.New("not found")
	}
	return rt, nil
}

func (m *mockAuthRepo) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	if m.revokeRefreshErr != nil {
		return m.revokeRefreshErr
	}
	for _, token := range m.refreshTokens {
		if token.ID == id {
			token.Revoked = true
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *mockAuthRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "123", Email: "user@example.com", PasswordHash: string(password), Active: true, Role: models.RoleAdmin}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "secret",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: time.Hour * 24,
	})

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.True(t, repo.lastLoginUpdated)
	assert.NotEmpty(t, repo.refreshTokens)
}

func TestAuthServiceLoginInactive(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "123", Email: "user@example.com", PasswordHash: string(password), Active: false}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "password"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErr.Code)
}

func TestAuthServiceRefreshToken(t *testing.T) {
	repo := &mockAuthRepo{refreshTokens: make(map[string]*models.RefreshToken)}
	user := &models.User{ID: "u1", Email: "user@example.com", PasswordHash: "hash", Active: true, Role: models.RoleAdmin}
	repo.userByEmail = user
	repo.userByID = user
	token := &models.RefreshToken{ID: "rt1", UserID: user.ID, Token: "token", ExpiresAt: time.Now().Add(time.Hour)}
	repo.refreshTokens[token.Token] = token

	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	res, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "token"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEqual(t, "token", res.RefreshToken)
	assert.True(t, repo.refreshTokens["token"].Revoked)
}

func TestAuthServiceChangePassword(t *testing.T) {
	oldHash, _ := bcrypt.GenerateFromPassword([]byte("old"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "u1", PasswordHash: string(oldHash), Active: true}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	err := svc.ChangePassword(context.Background(), "u1", models.ChangePasswordRequest{OldPassword: "old", NewPassword: "newpassword"})
	require.NoError(t, err)
	assert.NotEqual(t, string(oldHash), repo.userByEmail.PasswordHash)
}

func TestRegisterStudentRequiresActiveMentor(t *testing.T) {
	mentor := &models.User{ID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", Role: models.RoleMentor, Active: true, Department: "CSE"}
	repo := &mockAuthRepo{findByEmailErr: sql.ErrNoRows, userByID: mentor}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	info, err := svc.Register(context.Background(), models.RegisterRequest{
		Email:      "arun@campus.edu",
		Password:   "password123",
		FullName:   "Arun Kumar",
		Role:       models.RoleStudent,
		Department: "CSE",
		RegNo:      "CSE2023001",
		MentorID:   mentor.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, info.Role)
	require.NotNil(t, repo.created)
	require.NotNil(t, repo.created.MentorID)
	assert.Equal(t, mentor.ID, *repo.created.MentorID)
	assert.NotEqual(t, "password123", repo.created.PasswordHash)
}

func TestRegisterStudentWithoutMentorFails(t *testing.T) {
	repo := &mockAuthRepo{findByEmailErr: sql.ErrNoRows}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Email:      "arun@campus.edu",
		Password:   "password123",
		FullName:   "Arun Kumar",
		Role:       models.RoleStudent,
		Department: "CSE",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "u1", Email: "taken@campus.edu"}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Email:      "taken@campus.edu",
		Password:   "password123",
		FullName:   "Someone Else",
		Role:       models.RoleMentor,
		Department: "CSE",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestValidateToken(t *testing.T) {
	repo := &mockAuthRepo{}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})
	user := &models.User{ID: "u1", Email: "user@example.com", Role: models.RoleAdmin}
	token, _, err := svc.generateAccessToken(user)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
}
