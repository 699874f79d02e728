package wshandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	wscontracts "xrart/contracts/ws"
	"xrart/internal/registry"
	"xrart/internal/repository"
	"xrart/pkg/logger"
	"xrart/pkg/trace"
)

// Coordinator is the part of the delivery coordinator the handler drives.
type Coordinator interface {
	Connect(ctx context.Context, recipientID int64, conn registry.Conn)
	Disconnect(recipientID int64, conn registry.Conn)
	MarkReadFor(ctx context.Context, recipientID, notificationID int64) error
}

type Config struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	// inbound control frames per second; excess ping/unknown frames are
	// ignored, read_notification frames are delayed
	FrameRate      float64
	FrameBurst     int
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 10
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 20
	}
	return c
}

// Handler owns the lifecycle of notification connections:
// CONNECTING → OPEN → CLOSED.
type Handler struct {
	coordinator Coordinator
	upgrader    websocket.Upgrader
	cfg         Config
	logger      *zap.Logger
}

func NewHandler(coordinator Coordinator, cfg Config, logger *zap.Logger) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		cfg:    cfg,
		logger: logger,
	}
}

// originChecker returns nil (gorilla's same-origin check) when no origins
// are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Serve handles GET /ws. The recipient comes from the verified token that
// AuthMiddleware stored in the gin context; without it the request is
// rejected before the upgrade.
func (h *Handler) Serve(c *gin.Context) {
	recipientID, ok := recipientFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader 已经写回了错误响应
		h.logger.Debug("WebSocket upgrade failed",
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
		return
	}

	conn := newWSConn(ws, h.cfg.WriteTimeout)
	ctx := trace.Ensure(context.WithoutCancel(c.Request.Context()))
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("recipient_id", recipientID),
		zap.String("conn", conn.ID()),
	)

	h.coordinator.Connect(ctx, recipientID, conn)
	log.Info("Connection opened")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.coordinator.Disconnect(recipientID, conn)
		_ = conn.Close()
		log.Info("Connection closed")
	}()

	go h.pingLoop(conn, done, log)
	h.readLoop(ctx, recipientID, conn, log)
}

func recipientFromContext(c *gin.Context) (int64, bool) {
	v, ok := c.Get("user_id")
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

func (h *Handler) readLoop(ctx context.Context, recipientID int64, conn *wsConn, log *zap.Logger) {
	ws := conn.ws
	// 超过上限的帧会断开连接：这是唯一会关闭连接的入站帧，用于限制内存占用
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.FrameRate), h.cfg.FrameBurst)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Connection read error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if msgType != websocket.TextMessage {
			continue
		}

		var frame wscontracts.ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if limiter.Allow() {
				log.Debug("Ignoring malformed frame", zap.Error(err))
			}
			continue
		}

		// read_notification 不能丢：超出速率时延迟处理，其余帧直接忽略
		if frame.Type == wscontracts.FrameReadNotification {
			if err := limiter.Wait(ctx); err != nil {
				log.Debug("Rate limiter wait aborted", zap.Error(err))
				return
			}
		} else if !limiter.Allow() {
			log.Debug("Control frame rate exceeded, ignoring frame", zap.String("type", frame.Type))
			continue
		}
		h.handleFrame(ctx, recipientID, conn, frame, log)
	}
}

// handleFrame ignores anything it does not understand; protocol noise never
// closes the connection.
func (h *Handler) handleFrame(ctx context.Context, recipientID int64, conn *wsConn, frame wscontracts.ControlFrame, log *zap.Logger) {
	switch frame.Type {
	case wscontracts.FramePing:
		pong, _ := json.Marshal(wscontracts.PongFrame{Type: wscontracts.FramePong})
		sendCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
		defer cancel()
		if err := conn.Send(sendCtx, pong); err != nil {
			log.Debug("Failed to send pong", zap.Error(err))
		}

	case wscontracts.FrameReadNotification:
		if frame.NotificationID <= 0 {
			log.Debug("Ignoring read_notification without id")
			return
		}
		err := h.coordinator.MarkReadFor(ctx, recipientID, frame.NotificationID)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			log.Warn("read_notification for unknown or foreign notification",
				zap.Int64("notification_id", frame.NotificationID),
			)
		default:
			log.Error("Failed to mark notification read",
				zap.Int64("notification_id", frame.NotificationID),
				zap.Error(err),
			)
		}

	default:
		log.Debug("Ignoring unknown frame type", zap.String("type", frame.Type))
	}
}

func (h *Handler) pingLoop(conn *wsConn, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}
