package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xrart/internal/model"
	"xrart/pkg/config"
	"xrart/pkg/db"
)

func newTestRepo(t *testing.T) *SQLiteNotificationRepository {
	t.Helper()
	dbx, err := db.NewSQLite(config.DBConfig{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbx.Close() })

	repo, err := NewSQLiteNotificationRepository(context.Background(), dbx, zap.NewNop())
	require.NoError(t, err)

	// 固定递增时钟，保证排序可预测
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return repo
}

func appendN(t *testing.T, repo *SQLiteNotificationRepository, recipientID int64, title string) *model.Notification {
	t.Helper()
	n := &model.Notification{
		RecipientID: recipientID,
		Type:        model.TypeNewFollower,
		Title:       title,
		Message:     title + " message",
	}
	_, err := repo.Append(context.Background(), n)
	require.NoError(t, err)
	return n
}

func TestSQLiteAppendAssignsIdentity(t *testing.T) {
	repo := newTestRepo(t)
	related := int64(7)
	n := &model.Notification{
		RecipientID: 1,
		Type:        model.TypeNewFollower,
		Title:       "New follower",
		Message:     "B followed you",
		RelatedID:   &related,
	}

	id, err := repo.Append(context.Background(), n)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, id, n.ID)
	assert.False(t, n.CreatedAt.IsZero())

	got, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, *n, *got)
	require.NotNil(t, got.RelatedID)
	assert.Equal(t, int64(7), *got.RelatedID)
}

func TestSQLiteGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetByID(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListUnreadNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	first := appendN(t, repo, 1, "first")
	second := appendN(t, repo, 1, "second")
	appendN(t, repo, 2, "someone else")

	unread, err := repo.ListUnread(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, second.ID, unread[0].ID)
	assert.Equal(t, first.ID, unread[1].ID)
}

func TestSQLiteMarkReadIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	n := appendN(t, repo, 1, "hello")

	require.NoError(t, repo.MarkRead(ctx, n.ID))
	require.NoError(t, repo.MarkRead(ctx, n.ID))
	require.NoError(t, repo.MarkRead(ctx, 12345))

	got, err := repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, n.CreatedAt, got.CreatedAt)

	unread, err := repo.ListUnread(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSQLiteCountAndMarkAllRead(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	appendN(t, repo, 1, "a")
	appendN(t, repo, 1, "b")
	appendN(t, repo, 2, "c")

	count, err := repo.CountUnread(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	updated, err := repo.MarkAllRead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	count, err = repo.CountUnread(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = repo.CountUnread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteListRecentPaginates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendN(t, repo, 1, "n").ID)
	}

	page, err := repo.ListRecent(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = repo.ListRecent(ctx, 1, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[0], page[2].ID)
}

func TestSQLiteListRecentCursorIgnoresClockSkew(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// created_at 与 id 顺序相反（时钟回拨、并发事务）
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 10
	repo.now = func() time.Time {
		tick--
		return base.Add(time.Duration(tick) * time.Second)
	}
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendN(t, repo, 1, "n").ID)
	}

	var seen []int64
	before := int64(0)
	for {
		page, err := repo.ListRecent(ctx, 1, before, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		before = page[len(page)-1].ID
	}

	assert.Equal(t, []int64{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)
}
