package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	mqcontracts "xrart/contracts/mq"
	"xrart/internal/model"
	"xrart/internal/service"
	"xrart/pkg/util"
)

const handlerName = "notify"

// Notifier is the delivery coordinator's producer-facing entry point.
type Notifier interface {
	Notify(ctx context.Context, req service.NotifyRequest) (*model.Notification, error)
}

// DeadLetterer parks messages that will never be processed. Optional.
type DeadLetterer interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

type NotificationRequestedHandler struct {
	notifier     Notifier
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	dlq          DeadLetterer
	maxRetries   int64
	logger       *zap.Logger
}

func NewNotificationRequestedHandler(
	notifier Notifier,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	dlq DeadLetterer,
	maxRetries int64,
	logger *zap.Logger,
) *NotificationRequestedHandler {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &NotificationRequestedHandler{
		notifier:     notifier,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// Handle turns a notification.requested event into a Notify call.
// A nil return acks the message; an error nacks it for redelivery, which
// only happens for retryable persistence failures below the retry cap.
func (h *NotificationRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.NotificationRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// 格式错误不可重试
		h.logger.Error("Failed to unmarshal notification request (non-retryable)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		h.deadLetter(ctx, raw, "json_unmarshal_error")
		return nil
	}

	log := h.logger.With(
		zap.String("event_id", p.EventID),
		zap.Int64("recipient_id", p.RecipientID),
		zap.String("type", p.Type),
	)

	// 没有 event_id 的事件无法去重，照常处理
	dedupe := p.EventID != ""
	if dedupe && !h.deduper.AcquireOnce(ctx, handlerName, p.EventID) {
		return nil
	}

	n, err := h.notifier.Notify(ctx, service.NotifyRequest{
		RecipientID: p.RecipientID,
		Type:        model.NotificationType(p.Type),
		Title:       p.Title,
		Message:     p.Message,
		RelatedID:   p.RelatedID,
	})
	if err == nil {
		log.Info("Notification request processed", zap.Int64("notification_id", n.ID))
		if dedupe {
			h.resetRetries(ctx, p.EventID)
		}
		return nil
	}

	if errors.Is(err, service.ErrInvalidRequest) {
		log.Error("Rejected invalid notification request", zap.Error(err))
		h.deadLetter(ctx, raw, "invalid_request")
		return nil
	}

	isRetryable, errType := util.IsRetryableError(err)
	if !isRetryable || !dedupe {
		log.Error("Failed to process notification request (non-retryable)",
			zap.String("error_type", errType),
			zap.Error(err),
		)
		h.deadLetter(ctx, raw, errType)
		return nil
	}

	retryCount, cerr := h.retryCounter.IncrementAndGet(ctx, util.FormatRetryKey(handlerName, p.EventID))
	if cerr != nil {
		// Redis 错误不影响重试判断，按第一次处理
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		retryCount = 1
	}

	if !util.ShouldRetry(retryCount, h.maxRetries, isRetryable) {
		log.Error("Max retries exceeded, dropping notification request",
			zap.Int64("retry_count", retryCount),
			zap.Int64("max_retries", h.maxRetries),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		h.deadLetter(ctx, raw, "max_retries_exceeded: "+errType)
		h.resetRetries(ctx, p.EventID)
		return nil
	}

	log.Warn("Retryable failure, requeueing notification request",
		zap.Int64("retry_count", retryCount),
		zap.String("error_type", errType),
		zap.Error(err),
	)
	// 释放去重标记，否则重新投递的消息会被当作重复跳过
	h.deduper.Release(ctx, handlerName, p.EventID)
	return err
}

func (h *NotificationRequestedHandler) resetRetries(ctx context.Context, eventID string) {
	if err := h.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, eventID)); err != nil {
		h.logger.Warn("Failed to reset retry count", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (h *NotificationRequestedHandler) deadLetter(ctx context.Context, raw []byte, reason string) {
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(ctx, mqcontracts.RoutingKeyNotificationRequested, raw, reason); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.String("reason", reason), zap.Error(err))
	}
}
