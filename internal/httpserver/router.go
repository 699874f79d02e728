package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"xrart/internal/handler"
	"xrart/internal/wshandler"
)

// Pinger is a readiness dependency.
type Pinger func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	notificationHandler *handler.NotificationHandler,
	wsHandler *wshandler.Handler,
	jwtSecret string,
	readiness map[string]Pinger,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), AccessLogMiddleware(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for name, ping := range readiness {
			if err := ping(ctx); err != nil {
				c.JSON(503, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := AuthMiddleware(jwtSecret)

	r.GET("/ws", auth, wsHandler.Serve)

	api := r.Group("/api/notifications")
	api.Use(auth)
	{
		api.GET("", notificationHandler.List)
		api.GET("/unread", notificationHandler.ListUnread)
		api.GET("/unread-count", notificationHandler.UnreadCount)
		api.PATCH("/read-all", notificationHandler.MarkAllRead)
		api.PATCH("/:id/read", notificationHandler.MarkRead)
	}

	return &Router{Engine: r}
}
