package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"xrart/internal/model"
)

// created_at is stored as unix nanoseconds so ordering and round-tripping
// do not depend on the driver's time parsing.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient_id INTEGER NOT NULL,
    type         TEXT    NOT NULL,
    title        TEXT    NOT NULL,
    message      TEXT    NOT NULL,
    related_id   INTEGER,
    created_at   INTEGER NOT NULL,
    is_read      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_unread
    ON notifications (recipient_id, is_read, created_at DESC, id DESC);
`

type sqliteNotificationRow struct {
	ID          int64         `db:"id"`
	RecipientID int64         `db:"recipient_id"`
	Type        string        `db:"type"`
	Title       string        `db:"title"`
	Message     string        `db:"message"`
	RelatedID   sql.NullInt64 `db:"related_id"`
	CreatedAt   int64         `db:"created_at"`
	IsRead      bool          `db:"is_read"`
}

func (row sqliteNotificationRow) toModel() model.Notification {
	n := model.Notification{
		ID:          row.ID,
		RecipientID: row.RecipientID,
		Type:        model.NotificationType(row.Type),
		Title:       row.Title,
		Message:     row.Message,
		CreatedAt:   time.Unix(0, row.CreatedAt).UTC(),
		IsRead:      row.IsRead,
	}
	if row.RelatedID.Valid {
		v := row.RelatedID.Int64
		n.RelatedID = &v
	}
	return n
}

type SQLiteNotificationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteNotificationRepository creates the schema if needed.
func NewSQLiteNotificationRepository(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*SQLiteNotificationRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("ensure notifications schema: %w", err)
	}
	return &SQLiteNotificationRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (r *SQLiteNotificationRepository) Append(ctx context.Context, n *model.Notification) (int64, error) {
	createdAt := r.now().UTC()

	var related sql.NullInt64
	if n.RelatedID != nil {
		related = sql.NullInt64{Int64: *n.RelatedID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (recipient_id, type, title, message, related_id, created_at, is_read)
         VALUES (?, ?, ?, ?, ?, ?, 0)`,
		n.RecipientID, string(n.Type), n.Title, n.Message, related, createdAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	n.ID = id
	n.CreatedAt = time.Unix(0, createdAt.UnixNano()).UTC()
	n.IsRead = false
	return id, nil
}

func (r *SQLiteNotificationRepository) MarkRead(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND is_read = 0`, id); err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return nil
}

func (r *SQLiteNotificationRepository) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read for %d: %w", recipientID, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteNotificationRepository) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	var row sqliteNotificationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	n := row.toModel()
	return &n, nil
}

func (r *SQLiteNotificationRepository) ListUnread(ctx context.Context, recipientID int64) ([]model.Notification, error) {
	return r.list(ctx, `
        SELECT `+notificationColumns+`
        FROM notifications
        WHERE recipient_id = ? AND is_read = 0
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, recipientID, MaxUnread)
}

func (r *SQLiteNotificationRepository) ListRecent(ctx context.Context, recipientID, beforeID int64, limit int) ([]model.Notification, error) {
	if beforeID <= 0 {
		return r.list(ctx, `
            SELECT `+notificationColumns+`
            FROM notifications
            WHERE recipient_id = ?
            ORDER BY id DESC
            LIMIT ?`, recipientID, clampLimit(limit))
	}
	return r.list(ctx, `
        SELECT `+notificationColumns+`
        FROM notifications
        WHERE recipient_id = ? AND id < ?
        ORDER BY id DESC
        LIMIT ?`, recipientID, beforeID, clampLimit(limit))
}

func (r *SQLiteNotificationRepository) CountUnread(ctx context.Context, recipientID int64) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`, recipientID); err != nil {
		return 0, fmt.Errorf("count unread for %d: %w", recipientID, err)
	}
	return count, nil
}

func (r *SQLiteNotificationRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteNotificationRepository) list(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	var rows []sqliteNotificationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]model.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
