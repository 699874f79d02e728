package repository

import (
	"context"
	"errors"

	"xrart/internal/model"
)

// ErrNotFound is returned when a notification does not exist or is not
// owned by the requesting recipient.
var ErrNotFound = errors.New("notification not found")

// MaxUnread caps ListUnread so a neglected inbox still yields a finite page.
const MaxUnread = 500

// NotificationStore is the permanent, append-only notification log.
type NotificationStore interface {
	// Append persists n and fills in its ID and CreatedAt.
	Append(ctx context.Context, n *model.Notification) (int64, error)
	// MarkRead is idempotent; an unknown id is not an error.
	MarkRead(ctx context.Context, id int64) error
	// ListUnread returns unread notifications, newest first.
	ListUnread(ctx context.Context, recipientID int64) ([]model.Notification, error)

	GetByID(ctx context.Context, id int64) (*model.Notification, error)
	// ListRecent pages through all notifications by descending id, the
	// cursor column. beforeID 0 starts from the newest.
	ListRecent(ctx context.Context, recipientID, beforeID int64, limit int) ([]model.Notification, error)
	CountUnread(ctx context.Context, recipientID int64) (int, error)
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
	Ping(ctx context.Context) error
}

// NicknameResolver looks up the display name of a platform user.
type NicknameResolver interface {
	Nickname(ctx context.Context, userID int64) (string, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
