//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xrart/internal/model"
)

// 运行方式：TEST_POSTGRES_DSN=postgres://... go test -tags integration ./internal/repository/
func newPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	// 每个测试使用独立 schema，互不干扰
	schema := fmt.Sprintf("notify_test_%d", time.Now().UnixNano())
	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newPostgresRepo(t *testing.T) (*PostgresNotificationRepository, *pgxpool.Pool) {
	t.Helper()
	pool := newPostgresPool(t)
	repo := NewPostgresNotificationRepository(pool, zap.NewNop())
	require.NoError(t, repo.EnsureSchema(context.Background()))
	// 幂等
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo, pool
}

func TestPostgresAppendAndScan(t *testing.T) {
	repo, _ := newPostgresRepo(t)
	ctx := context.Background()
	related := int64(9)

	n := &model.Notification{
		RecipientID: 1,
		Type:        model.TypeNewFollower,
		Title:       "New follower",
		Message:     "user 9 followed you",
		RelatedID:   &related,
	}
	id, err := repo.Append(ctx, n)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.False(t, n.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, n.RecipientID, got.RecipientID)
	assert.Equal(t, model.TypeNewFollower, got.Type)
	assert.Equal(t, "user 9 followed you", got.Message)
	require.NotNil(t, got.RelatedID)
	assert.Equal(t, related, *got.RelatedID)
	assert.False(t, got.IsRead)

	plain := &model.Notification{RecipientID: 1, Type: model.TypeSystem, Title: "t", Message: "m"}
	_, err = repo.Append(ctx, plain)
	require.NoError(t, err)
	got, err = repo.GetByID(ctx, plain.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RelatedID)

	_, err = repo.GetByID(ctx, id+1000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUnreadLifecycle(t *testing.T) {
	repo, _ := newPostgresRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		n := &model.Notification{RecipientID: 1, Type: model.TypeArtworkLiked, Title: "like", Message: "m"}
		_, err := repo.Append(ctx, n)
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	_, err := repo.Append(ctx, &model.Notification{RecipientID: 2, Type: model.TypeSystem, Title: "x", Message: "y"})
	require.NoError(t, err)

	unread, err := repo.ListUnread(ctx, 1)
	require.NoError(t, err)
	require.Len(t, unread, 3)
	assert.Equal(t, ids[2], unread[0].ID)

	require.NoError(t, repo.MarkRead(ctx, ids[1]))
	require.NoError(t, repo.MarkRead(ctx, ids[1]))
	require.NoError(t, repo.MarkRead(ctx, 999999))

	count, err := repo.CountUnread(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	updated, err := repo.MarkAllRead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	count, err = repo.CountUnread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, repo.Ping(ctx))
}

func TestPostgresListRecentPaginatesByID(t *testing.T) {
	repo, pool := newPostgresRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		n := &model.Notification{RecipientID: 1, Type: model.TypeSystem, Title: "t", Message: "m"}
		_, err := repo.Append(ctx, n)
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	// created_at 与 id 顺序相反，模拟并发事务的提交顺序
	_, err := pool.Exec(ctx, `UPDATE notifications SET created_at = NOW() - (id * INTERVAL '1 second')`)
	require.NoError(t, err)

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

func TestPostgresNicknameResolver(t *testing.T) {
	pool := newPostgresPool(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `CREATE TABLE users (id BIGINT PRIMARY KEY, nickname TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO users (id, nickname) VALUES (2, 'mira')`)
	require.NoError(t, err)

	r := NewPostgresNicknameResolver(pool)
	name, err := r.Nickname(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "mira", name)

	name, err = r.Nickname(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, name)
}
