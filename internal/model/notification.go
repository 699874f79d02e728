package model

import "time"

// NotificationType 通知类型
type NotificationType string

const (
	TypeNewFollower      NotificationType = "NEW_FOLLOWER"
	TypeArtworkLiked     NotificationType = "ARTWORK_LIKED"
	TypeArtworkCommented NotificationType = "ARTWORK_COMMENTED"
	TypeCommentReplied   NotificationType = "COMMENT_REPLIED"
	TypeSystem           NotificationType = "SYSTEM"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeNewFollower, TypeArtworkLiked, TypeArtworkCommented, TypeCommentReplied, TypeSystem:
		return true
	}
	return false
}

// HasRelatedUser reports whether RelatedID refers to a user (the actor)
// rather than an artwork or comment.
func (t NotificationType) HasRelatedUser() bool {
	return t == TypeNewFollower
}

// Notification 表示 notifications 表中的一行。
// RecipientID、Type、CreatedAt 创建后不可变；IsRead 只能通过标记已读改变。
type Notification struct {
	ID          int64            `json:"id"`
	RecipientID int64            `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	RelatedID   *int64           `json:"related_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	IsRead      bool             `json:"is_read"`
}
