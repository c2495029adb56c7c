package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/realtime"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/jobs"
)

type notificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) (bool, error)
	MarkAllRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, id, userID string) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type livePusher interface {
	SendToUser(userID string, event realtime.Event)
	SendToRole(role models.UserRole, event realtime.Event)
}

// NotificationService persists inbox entries and fans live copies out to
// connected sessions. The persisted write happens synchronously with the
// transition that caused it; the live push goes through a single-worker
// queue so one recipient observes a pass's events in transition order.
type NotificationService struct {
	repo   notificationRepository
	hub    livePusher
	queue  *jobs.Queue
	logger *zap.Logger
}

type liveDelivery struct {
	userID string
	role   models.UserRole
	event  realtime.Event
}

// NewNotificationService constructs the service and its dispatch queue.
func NewNotificationService(repo notificationRepository, hub livePusher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{repo: repo, hub: hub, logger: logger}
	s.queue = jobs.NewQueue("notifications", s.dispatch, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 64,
		MaxRetries: 1,
		Logger:     logger,
	})
	return s
}

// Start begins live dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the dispatch queue.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Notify stores a notification for the user and schedules the live push.
// A failed store is returned to the caller; a failed push is only logged.
func (s *NotificationService) Notify(ctx context.Context, userID string, typ models.NotificationType, message string, passID *string) error {
	n := &models.Notification{
		UserID:  userID,
		Type:    typ,
		Message: message,
		PassID:  passID,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store notification")
	}

	event := realtime.Event{Type: typ, Message: message}
	if passID != nil {
		event.PassID = *passID
	}
	if err := s.queue.Enqueue(jobs.Job{ID: n.ID, Type: string(typ), Payload: liveDelivery{userID: userID, event: event}}); err != nil {
		s.logger.Warn("live notification not queued", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// Broadcast pushes a live-only event to every session holding the role.
// Nothing is persisted; role broadcasts are ambient signals, not inbox mail.
func (s *NotificationService) Broadcast(role models.UserRole, typ models.NotificationType, message string, passID string) {
	event := realtime.Event{Type: typ, Message: message, PassID: passID}
	if err := s.queue.Enqueue(jobs.Job{Type: string(typ), Payload: liveDelivery{role: role, event: event}}); err != nil {
		s.logger.Warn("live broadcast not queued", zap.String("role", string(role)), zap.Error(err))
	}
}

func (s *NotificationService) dispatch(_ context.Context, job jobs.Job) error {
	delivery, ok := job.Payload.(liveDelivery)
	if !ok {
		s.logger.Warn("unexpected notification payload", zap.String("job_id", job.ID))
		return nil
	}
	if s.hub == nil {
		return nil
	}
	if delivery.userID != "" {
		s.hub.SendToUser(delivery.userID, delivery.event)
	}
	if delivery.role != "" {
		s.hub.SendToRole(delivery.role, delivery.event)
	}
	return nil
}

// Prune removes read notifications older than the retention window.
func (s *NotificationService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	count, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to prune notifications")
	}
	return count, nil
}

// RunRetentionSweep periodically applies Prune until ctx ends.
func (s *NotificationService) RunRetentionSweep(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.Prune(ctx, retention)
			if err != nil {
				s.logger.Warn("notification retention sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("old notifications pruned", zap.Int64("count", count))
			}
		}
	}
}

// List returns the user's inbox with pagination metadata.
func (s *NotificationService) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, *models.Pagination, error) {
	notifications, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return notifications, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// UnreadCount returns the user's unread badge count.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count notifications")
	}
	return count, nil
}

// MarkRead flags one notification as read for its owner.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	ok, err := s.repo.MarkRead(ctx, id, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return nil
}

// MarkAllRead flags the whole inbox as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	if err := s.repo.MarkAllRead(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	return nil
}

// Delete removes one notification for its owner.
func (s *NotificationService) Delete(ctx context.Context, id, userID string) error {
	ok, err := s.repo.Delete(ctx, id, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete notification")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return nil
}

