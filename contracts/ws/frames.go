package ws

import "time"

// Client → server control frame types.
const (
	FramePing             = "ping"
	FramePong             = "pong"
	FrameReadNotification = "read_notification"
)

// ControlFrame is an inbound client frame. Unknown types are ignored.
type ControlFrame struct {
	Type           string `json:"type"`
	NotificationID int64  `json:"notificationId,omitempty"`
}

// PongFrame is the reply to a ping control frame.
type PongFrame struct {
	Type string `json:"type"`
}

// NotificationPayload is pushed to clients and stored in the offline queue.
type NotificationPayload struct {
	NotificationID      int64     `json:"notificationId"`
	Type                string    `json:"type"`
	Title               string    `json:"title"`
	Message             string    `json:"message"`
	RelatedID           *int64    `json:"relatedId"`
	RelatedUserNickname string    `json:"relatedUserNickname,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	IsRead              bool      `json:"isRead"`
}
