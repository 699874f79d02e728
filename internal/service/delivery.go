package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	wscontracts "xrart/contracts/ws"
	"xrart/internal/model"
	"xrart/internal/queue"
	"xrart/internal/registry"
	"xrart/internal/repository"
	"xrart/pkg/logger"
	"xrart/pkg/metrics"
)

// ErrInvalidRequest is returned by Notify before anything is persisted.
var ErrInvalidRequest = errors.New("invalid notification request")

type NotifyRequest struct {
	RecipientID int64
	Type        model.NotificationType
	Title       string
	Message     string
	RelatedID   *int64
}

func (r NotifyRequest) validate() error {
	if r.RecipientID <= 0 {
		return fmt.Errorf("%w: recipient id must be positive", ErrInvalidRequest)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}

// DeliveryCoordinator persists a notification, pushes it over the
// recipient's live connection, and falls back to the offline queue.
//
// Send-or-enqueue in Notify and register-then-drain in Connect run under the
// same per-recipient lock, so a notification produced while a recipient is
// connecting is either drained or sent live, never stranded in the queue.
type DeliveryCoordinator struct {
	store     repository.NotificationStore
	queue     queue.OfflineQueue
	registry  registry.Registry
	nicknames repository.NicknameResolver
	locks     keyedMutex
	logger    *zap.Logger
}

// NewDeliveryCoordinator wires the coordinator. nicknames may be nil.
func NewDeliveryCoordinator(
	store repository.NotificationStore,
	q queue.OfflineQueue,
	reg registry.Registry,
	nicknames repository.NicknameResolver,
	logger *zap.Logger,
) *DeliveryCoordinator {
	return &DeliveryCoordinator{
		store:     store,
		queue:     q,
		registry:  reg,
		nicknames: nicknames,
		logger:    logger,
	}
}

// Notify records the notification and attempts delivery. Only validation
// and persistence failures are returned; delivery problems are logged.
func (c *DeliveryCoordinator) Notify(ctx context.Context, req NotifyRequest) (*model.Notification, error) {
	log := logger.WithTrace(ctx, c.logger)

	if err := req.validate(); err != nil {
		return nil, err
	}

	n := &model.Notification{
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Title:       req.Title,
		Message:     req.Message,
		RelatedID:   req.RelatedID,
	}
	if _, err := c.store.Append(ctx, n); err != nil {
		log.Error("Failed to persist notification",
			zap.Int64("recipient_id", req.RecipientID),
			zap.String("type", string(req.Type)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.IncrementPersisted(string(n.Type))

	payload, err := c.encode(ctx, n)
	if err != nil {
		log.Error("Failed to encode notification payload",
			zap.Int64("notification_id", n.ID),
			zap.Error(err),
		)
		return n, nil
	}

	unlock := c.locks.Lock(n.RecipientID)
	defer unlock()

	if c.registry.Send(ctx, n.RecipientID, payload) {
		metrics.IncrementDelivered(metrics.PathLive)
		log.Debug("Notification delivered live",
			zap.Int64("notification_id", n.ID),
			zap.Int64("recipient_id", n.RecipientID),
		)
		return n, nil
	}

	if err := c.queue.Enqueue(ctx, n.RecipientID, payload); err != nil {
		log.Warn("Failed to queue notification, permanent store only",
			zap.Int64("notification_id", n.ID),
			zap.Int64("recipient_id", n.RecipientID),
			zap.Error(err),
		)
		return n, nil
	}
	metrics.IncrementQueued()
	log.Debug("Notification queued for offline recipient",
		zap.Int64("notification_id", n.ID),
		zap.Int64("recipient_id", n.RecipientID),
	)
	return n, nil
}

// Connect registers conn for recipientID and flushes the offline queue to it.
func (c *DeliveryCoordinator) Connect(ctx context.Context, recipientID int64, conn registry.Conn) {
	unlock := c.locks.Lock(recipientID)
	defer unlock()

	c.registry.Register(recipientID, conn)
	c.drainLocked(ctx, recipientID)
}

// Disconnect removes conn unless a newer connection has replaced it.
func (c *DeliveryCoordinator) Disconnect(recipientID int64, conn registry.Conn) {
	c.registry.Unregister(recipientID, conn)
}

// DrainAndDeliver flushes queued payloads to the recipient's current
// connection in enqueue order. Entries that cannot be sent are dropped;
// they remain in the permanent store.
func (c *DeliveryCoordinator) DrainAndDeliver(ctx context.Context, recipientID int64) {
	unlock := c.locks.Lock(recipientID)
	defer unlock()

	c.drainLocked(ctx, recipientID)
}

func (c *DeliveryCoordinator) drainLocked(ctx context.Context, recipientID int64) {
	log := logger.WithTrace(ctx, c.logger)

	items, err := c.queue.Drain(ctx, recipientID)
	if err != nil {
		log.Warn("Failed to drain offline queue",
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
		return
	}
	if len(items) == 0 {
		return
	}

	for i, payload := range items {
		if !c.registry.Send(ctx, recipientID, payload) {
			dropped := len(items) - i
			metrics.AddDropped("drain_send_failed", dropped)
			log.Warn("Connection lost during drain, dropping remaining entries",
				zap.Int64("recipient_id", recipientID),
				zap.Int("delivered", i),
				zap.Int("dropped", dropped),
			)
			return
		}
		metrics.IncrementDelivered(metrics.PathDrain)
	}

	log.Info("Offline queue delivered",
		zap.Int64("recipient_id", recipientID),
		zap.Int("count", len(items)),
	)
}

// MarkRead marks a notification read. Errors are logged, not returned.
func (c *DeliveryCoordinator) MarkRead(ctx context.Context, notificationID int64) {
	if err := c.store.MarkRead(ctx, notificationID); err != nil {
		logger.WithTrace(ctx, c.logger).Error("Failed to mark notification read",
			zap.Int64("notification_id", notificationID),
			zap.Error(err),
		)
	}
}

// MarkReadFor marks a notification read on behalf of its recipient.
// A notification owned by someone else is reported as not found.
func (c *DeliveryCoordinator) MarkReadFor(ctx context.Context, recipientID, notificationID int64) error {
	n, err := c.store.GetByID(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.RecipientID != recipientID {
		return repository.ErrNotFound
	}
	if n.IsRead {
		return nil
	}
	return c.store.MarkRead(ctx, notificationID)
}

func (c *DeliveryCoordinator) encode(ctx context.Context, n *model.Notification) ([]byte, error) {
	p := wscontracts.NotificationPayload{
		NotificationID: n.ID,
		Type:           string(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		RelatedID:      n.RelatedID,
		CreatedAt:      n.CreatedAt,
		IsRead:         n.IsRead,
	}

	if c.nicknames != nil && n.RelatedID != nil && n.Type.HasRelatedUser() {
		nickname, err := c.nicknames.Nickname(ctx, *n.RelatedID)
		if err != nil {
			logger.WithTrace(ctx, c.logger).Warn("Nickname lookup failed",
				zap.Int64("user_id", *n.RelatedID),
				zap.Error(err),
			)
		}
		p.RelatedUserNickname = nickname
	}

	return json.Marshal(p)
}
