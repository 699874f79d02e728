package registry

import (
	"context"
	"hash/maphash"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"xrart/pkg/metrics"
)

// Conn is a live transport handle for one recipient.
type Conn interface {
	ID() string
	// Send writes one frame; it must respect ctx's deadline.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Registry maps a recipient to at most one live connection.
type Registry interface {
	// Register replaces any existing connection for recipientID.
	Register(recipientID int64, conn Conn)
	// Unregister removes the mapping only if it still points at conn.
	Unregister(recipientID int64, conn Conn) bool
	// Send makes one bounded write attempt. A failed write evicts conn.
	Send(ctx context.Context, recipientID int64, payload []byte) bool
	Count() int
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[int64]Conn
}

// Hub is the in-process Registry. Writes happen outside the shard locks so a
// slow client never blocks other recipients in the same shard.
type Hub struct {
	shards       [shardCount]shard
	seed         maphash.Seed
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewHub(writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	h := &Hub{
		seed:         maphash.MakeSeed(),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
	for i := range h.shards {
		h.shards[i].conns = make(map[int64]Conn)
	}
	return h
}

func (h *Hub) shardFor(recipientID int64) *shard {
	sum := maphash.String(h.seed, strconv.FormatInt(recipientID, 10))
	return &h.shards[sum%shardCount]
}

func (h *Hub) Register(recipientID int64, conn Conn) {
	s := h.shardFor(recipientID)
	s.mu.Lock()
	prev, existed := s.conns[recipientID]
	s.conns[recipientID] = conn
	s.mu.Unlock()

	if !existed {
		metrics.ActiveConnections.Inc()
	}

	if existed && prev != conn {
		h.logger.Info("Superseding previous connection",
			zap.Int64("recipient_id", recipientID),
			zap.String("old_conn", prev.ID()),
			zap.String("new_conn", conn.ID()),
		)
		// 关闭旧连接，其读循环退出后的 Unregister 是无操作
		_ = prev.Close()
	}
}

func (h *Hub) Unregister(recipientID int64, conn Conn) bool {
	if !h.compareAndDelete(recipientID, conn) {
		h.logger.Debug("Ignoring stale unregister",
			zap.Int64("recipient_id", recipientID),
			zap.String("conn", conn.ID()),
		)
		return false
	}
	return true
}

func (h *Hub) Send(ctx context.Context, recipientID int64, payload []byte) bool {
	s := h.shardFor(recipientID)
	s.mu.RLock()
	conn, ok := s.conns[recipientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()

	start := time.Now()
	err := conn.Send(ctx, payload)
	metrics.RecordSend(err == nil, time.Since(start))
	if err == nil {
		return true
	}

	h.logger.Warn("Live send failed, evicting connection",
		zap.Int64("recipient_id", recipientID),
		zap.String("conn", conn.ID()),
		zap.Error(err),
	)
	if h.compareAndDelete(recipientID, conn) {
		_ = conn.Close()
	}
	return false
}

func (h *Hub) Count() int {
	total := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

func (h *Hub) compareAndDelete(recipientID int64, conn Conn) bool {
	s := h.shardFor(recipientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conns[recipientID]
	if !ok || current != conn {
		return false
	}
	delete(s.conns, recipientID)
	metrics.ActiveConnections.Dec()
	return true
}

// CloseAll drops every mapping and closes the connections. Used on shutdown:
// http.Server.Shutdown does not track hijacked WebSocket connections.
func (h *Hub) CloseAll() int {
	var conns []Conn
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		for id, conn := range s.conns {
			conns = append(conns, conn)
			delete(s.conns, id)
			metrics.ActiveConnections.Dec()
		}
		s.mu.Unlock()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}
