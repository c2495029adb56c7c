package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

// NotificationRepository persists the notification inbox. The stored copy
// is the authoritative record of every delivered event.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create stores one notification.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO notifications (id, user_id, type, message, pass_id, read, created_at)
        VALUES (:id, :user_id, :type, :message, :pass_id, :read, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// List returns a user's inbox, newest first.
func (r *NotificationRepository) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	base := `FROM notifications WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	if filter.UnreadOnly {
		base += ` AND read = FALSE`
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT id, user_id, type, message, pass_id, read, created_at %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base, size, offset)
	var notifications []models.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	return notifications, total, nil
}

// UnreadCount returns the number of unread entries for the badge.
func (r *NotificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead flags a single notification as read, scoped to the owner.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	const query = `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return rowsAffected(res), nil
}

// MarkAllRead flags every unread notification for the user.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) error {
	const query = `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// Delete removes a notification, scoped to the owner.
func (r *NotificationRepository) Delete(ctx context.Context, id, userID string) (bool, error) {
	const query = `DELETE FROM notifications WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	return rowsAffected(res), nil
}

// DeleteOlderThan prunes read notifications past the retention cutoff.
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM notifications WHERE read = TRUE AND created_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

