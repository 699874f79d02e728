package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"xrart/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id           BIGSERIAL PRIMARY KEY,
    recipient_id BIGINT      NOT NULL,
    type         VARCHAR(32) NOT NULL,
    title        TEXT        NOT NULL,
    message      TEXT        NOT NULL,
    related_id   BIGINT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_read      BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_unread
    ON notifications (recipient_id, is_read, created_at DESC, id DESC);
`

const notificationColumns = `id, recipient_id, type, title, message, related_id, created_at, is_read`

type PostgresNotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the notifications table if it is missing.
func (r *PostgresNotificationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure notifications schema: %w", err)
	}
	return nil
}

func (r *PostgresNotificationRepository) Append(ctx context.Context, n *model.Notification) (int64, error) {
	r.logger.Debug("Inserting notification",
		zap.Int64("recipient_id", n.RecipientID),
		zap.String("type", string(n.Type)),
	)

	query := `
        INSERT INTO notifications (recipient_id, type, title, message, related_id)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at, is_read
    `
	err := r.db.QueryRow(ctx, query, n.RecipientID, string(n.Type), n.Title, n.Message, n.RelatedID).
		Scan(&n.ID, &n.CreatedAt, &n.IsRead)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, id int64) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND is_read = FALSE`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return nil
}

func (r *PostgresNotificationRepository) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	query := `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE`
	tag, err := r.db.Exec(ctx, query, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read for %d: %w", recipientID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresNotificationRepository) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNotification)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	return &n, nil
}

func (r *PostgresNotificationRepository) ListUnread(ctx context.Context, recipientID int64) ([]model.Notification, error) {
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE recipient_id = $1 AND is_read = FALSE
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `
	return r.list(ctx, query, recipientID, MaxUnread)
}

func (r *PostgresNotificationRepository) ListRecent(ctx context.Context, recipientID, beforeID int64, limit int) ([]model.Notification, error) {
	if beforeID <= 0 {
		query := `
            SELECT ` + notificationColumns + `
            FROM notifications
            WHERE recipient_id = $1
            ORDER BY id DESC
            LIMIT $2
        `
		return r.list(ctx, query, recipientID, clampLimit(limit))
	}

	// 按 id 排序并以 id 为游标：created_at 取事务开始时间，并发插入时与 id 顺序可能不一致
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE recipient_id = $1 AND id < $3
        ORDER BY id DESC
        LIMIT $2
    `
	return r.list(ctx, query, recipientID, clampLimit(limit), beforeID)
}

func (r *PostgresNotificationRepository) CountUnread(ctx context.Context, recipientID int64) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND is_read = FALSE`
	if err := r.db.QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread for %d: %w", recipientID, err)
	}
	return count, nil
}

func (r *PostgresNotificationRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresNotificationRepository) list(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.CollectableRow) (model.Notification, error) {
	var n model.Notification
	var typ string
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&typ,
		&n.Title,
		&n.Message,
		&n.RelatedID,
		&n.CreatedAt,
		&n.IsRead,
	)
	n.Type = model.NotificationType(typ)
	return n, err
}

// PostgresNicknameResolver reads display names from the platform's users table.
type PostgresNicknameResolver struct {
	db *pgxpool.Pool
}

func NewPostgresNicknameResolver(db *pgxpool.Pool) *PostgresNicknameResolver {
	return &PostgresNicknameResolver{db: db}
}

func (r *PostgresNicknameResolver) Nickname(ctx context.Context, userID int64) (string, error) {
	var nickname string
	err := r.db.QueryRow(ctx, `SELECT nickname FROM users WHERE id = $1`, userID).Scan(&nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup nickname for %d: %w", userID, err)
	}
	return nickname, nil
}
