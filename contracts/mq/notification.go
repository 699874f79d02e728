package mq

import "time"

// RoutingKeyNotificationRequested is published by the platform's follow,
// like and comment features.
const RoutingKeyNotificationRequested = "notification.requested"

type NotificationRequestedPayload struct {
	EventID     string    `json:"event_id"`
	RecipientID int64     `json:"recipient_id"`
	Type        string    `json:"type"` // NEW_FOLLOWER / ARTWORK_LIKED / ARTWORK_COMMENTED / COMMENT_REPLIED / SYSTEM
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	RelatedID   *int64    `json:"related_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
