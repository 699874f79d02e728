package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"xrart/pkg/circuitbreaker"
	"xrart/pkg/metrics"
)

// DefaultTTL bounds how long undelivered pushes wait for the recipient.
const DefaultTTL = 24 * time.Hour

// OfflineQueue is a short-lived per-recipient FIFO of serialized payloads.
type OfflineQueue interface {
	// Enqueue appends payload to the tail and resets the list's expiry.
	Enqueue(ctx context.Context, recipientID int64, payload []byte) error
	// Drain atomically reads and clears the recipient's list, oldest first.
	Drain(ctx context.Context, recipientID int64) ([][]byte, error)
	Len(ctx context.Context, recipientID int64) (int64, error)
}

type Options struct {
	KeyPrefix string
	TTL       time.Duration
	OpTimeout time.Duration
}

// RedisQueue stores each recipient's queue as a Redis list.
type RedisQueue struct {
	rdb     *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	opts    Options
	logger  *zap.Logger
}

func NewRedisQueue(rdb *redis.Client, breaker *circuitbreaker.CircuitBreaker, opts Options, logger *zap.Logger) *RedisQueue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "notify:offline:"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	return &RedisQueue{
		rdb:     rdb,
		breaker: breaker,
		opts:    opts,
		logger:  logger,
	}
}

// Key returns the Redis key of a recipient's queue.
func (q *RedisQueue) Key(recipientID int64) string {
	return q.opts.KeyPrefix + strconv.FormatInt(recipientID, 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, recipientID int64, payload []byte) error {
	key := q.Key(recipientID)
	err := q.run(ctx, func(ctx context.Context) error {
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, payload)
			pipe.Expire(ctx, key, q.opts.TTL)
			return nil
		})
		return err
	})
	if err != nil {
		metrics.IncrementQueueError("enqueue")
		return fmt.Errorf("enqueue for %d: %w", recipientID, err)
	}
	return nil
}

// Drain runs LRANGE and DEL in one MULTI/EXEC, so two concurrent drains for
// the same recipient never return the same entry.
func (q *RedisQueue) Drain(ctx context.Context, recipientID int64) ([][]byte, error) {
	key := q.Key(recipientID)
	var lrange *redis.StringSliceCmd
	err := q.run(ctx, func(ctx context.Context) error {
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			lrange = pipe.LRange(ctx, key, 0, -1)
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
	if err != nil {
		metrics.IncrementQueueError("drain")
		return nil, fmt.Errorf("drain for %d: %w", recipientID, err)
	}

	items := lrange.Val()
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		out = append(out, []byte(item))
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context, recipientID int64) (int64, error) {
	var n int64
	err := q.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.rdb.LLen(ctx, q.Key(recipientID)).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue length for %d: %w", recipientID, err)
	}
	return n, nil
}

// run bounds fn by the op timeout and the circuit breaker.
func (q *RedisQueue) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()

	if q.breaker == nil {
		return fn(ctx)
	}
	return q.breaker.Execute(func() error { return fn(ctx) })
}
