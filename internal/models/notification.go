package models

import "time"

// NotificationType enumerates pass lifecycle events delivered to users.
// The values double as websocket event names.
type NotificationType string

const (
	NotifyNewPassRequest    NotificationType = "new_pass_request"
	NotifyPassApproved      NotificationType = "pass_approved"
	NotifyPassRejected      NotificationType = "pass_rejected"
	NotifyPassFullyApproved NotificationType = "pass_fully_approved"
	NotifyPassUsed          NotificationType = "pass_used"
	NotifyPassExpired       NotificationType = "pass_expired"
	NotifySystem            NotificationType = "system_notification"
)

// Notification is one inbox entry. The persisted copy is authoritative;
// websocket delivery of the same payload is best-effort.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Message   string           `db:"message" json:"message"`
	PassID    *string          `db:"pass_id" json:"pass_id,omitempty"`
	Read      bool             `db:"read" json:"read"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// NotificationFilter captures inbox list criteria.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Page       int
	PageSize   int
}
