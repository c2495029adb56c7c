package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func userRows(now time.Time, id, email string, role models.UserRole) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "full_name", "role", "phone", "department", "reg_no", "year", "section", "mentor_id", "active", "last_login", "created_at", "updated_at"}).
		AddRow(id, email, "hash", "User", string(role), "", "CSE", nil, nil, nil, nil, true, now, now, now)
}

func TestFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("user@example.com").
		WillReturnRows(userRows(time.Now(), "1", "user@example.com", models.RoleAdmin))

	user, err := repo.FindByEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindHODByDepartment(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE role = $1 AND department = $2 AND active = TRUE LIMIT 1")).
		WithArgs(models.RoleHOD, "CSE").
		WillReturnRows(userRows(time.Now(), "hod-1", "hod@example.com", models.RoleHOD))

	user, err := repo.FindHODByDepartment(context.Background(), "CSE")
	require.NoError(t, err)
	assert.Equal(t, models.RoleHOD, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRefreshToken(context.Background(), &models.RefreshToken{ID: "1", UserID: "u1", Token: "token", ExpiresAt: time.Now(), CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsers(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE 1=1 ORDER BY created_at DESC LIMIT 20 OFFSET 0")).
		WillReturnRows(userRows(time.Now(), "1", "a@example.com", models.RoleAdmin))

	countRows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE 1=1")).WillReturnRows(countRows)

	users, total, err := repo.List(context.Background(), models.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersFiltersByMentor(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE 1=1 AND mentor_id = $1 ORDER BY created_at DESC LIMIT 20 OFFSET 0")).
		WithArgs("mentor-1").
		WillReturnRows(userRows(time.Now(), "s-1", "s@example.com", models.RoleStudent))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE 1=1 AND mentor_id = $1")).
		WithArgs("mentor-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	users, total, err := repo.List(context.Background(), models.UserFilter{MentorID: "mentor-1"})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
