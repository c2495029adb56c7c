package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

func newNotificationRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestNotificationRepositoryList(t *testing.T) {
	db, mock, cleanup := newNotificationRepoMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	rows := sqlmock.NewRows([]string{"id", "user_id", "type", "message", "pass_id", "read", "created_at"}).
		AddRow("n-1", "user-1", models.NotifyPassApproved, "your pass was approved", nil, false, time.Now())
	mock.ExpectQuery("SELECT id, user_id, type, message, pass_id, read, created_at FROM notifications").
		WithArgs("user-1").
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	notifications, total, err := repo.List(context.Background(), models.NotificationFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryMarkReadScopedToOwner(t *testing.T) {
	db, mock, cleanup := newNotificationRepoMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	mock.ExpectExec("UPDATE notifications SET read").
		WithArgs("n-1", "other-user").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkRead(context.Background(), "n-1", "other-user")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryUnreadCount(t *testing.T) {
	db, mock, cleanup := newNotificationRepoMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.UnreadCount(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
