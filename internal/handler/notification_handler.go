package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"xrart/internal/model"
	"xrart/internal/repository"
	"xrart/pkg/logger"
)

// ReadMarker is implemented by the delivery coordinator.
type ReadMarker interface {
	MarkReadFor(ctx context.Context, recipientID, notificationID int64) error
}

// NotificationHandler serves the pull side of notifications: history,
// unread lists and read-state changes.
type NotificationHandler struct {
	store  repository.NotificationStore
	marker ReadMarker
	logger *zap.Logger
}

func NewNotificationHandler(store repository.NotificationStore, marker ReadMarker, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:  store,
		marker: marker,
		logger: logger,
	}
}

// getUserID 统一的 userID 读取工具
func (h *NotificationHandler) getUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get("user_id")
	userID, isInt := v.(int64)
	if !ok || !isInt {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	return userID, true
}

// ListUnread handles GET /api/notifications/unread
func (h *NotificationHandler) ListUnread(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	items, err := h.store.ListUnread(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Failed to list unread notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": nonNil(items)})
}

// List handles GET /api/notifications?before=<id>&limit=<n>
func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	var query struct {
		Before int64 `form:"before"`
		Limit  int   `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil || query.Before < 0 || query.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}

	items, err := h.store.ListRecent(c.Request.Context(), userID, query.Before, query.Limit)
	if err != nil {
		h.internalError(c, "Failed to list notifications", err)
		return
	}

	resp := gin.H{"notifications": nonNil(items)}
	if len(items) > 0 {
		resp["next_before"] = items[len(items)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	count, err := h.store.CountUnread(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Failed to count unread notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead handles PATCH /api/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}

	if err := h.marker.MarkReadFor(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		h.internalError(c, "Failed to mark notification read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_read": true})
}

// MarkAllRead handles PATCH /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	updated, err := h.store.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Failed to mark all notifications read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *NotificationHandler) internalError(c *gin.Context, msg string, err error) {
	logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func nonNil(items []model.Notification) []model.Notification {
	if items == nil {
		return []model.Notification{}
	}
	return items
}
