package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mqcontracts "xrart/contracts/mq"
	"xrart/internal/config"
	"xrart/internal/handler"
	"xrart/internal/httpserver"
	"xrart/internal/mqhandler"
	"xrart/internal/queue"
	"xrart/internal/registry"
	"xrart/internal/repository"
	"xrart/internal/service"
	"xrart/internal/wshandler"
	"xrart/pkg/circuitbreaker"
	"xrart/pkg/db"
	"xrart/pkg/logger"
	"xrart/pkg/metrics"
	"xrart/pkg/mq"
	redisclient "xrart/pkg/redis"
	"xrart/pkg/util"
)

const (
	notificationQueue = "notification.requested.q"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting notification-service...",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Bool("mq_enabled", cfg.MQ.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	store, nicknames, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// Redis
	rdb := redisclient.NewRedisClient(cfg.Redis, log)
	defer rdb.Close()

	// 离线队列：Redis 故障时熔断，避免每次投递都等满超时
	breaker := circuitbreaker.NewCircuitBreaker("offline_queue", cfg.CircuitBreaker,
		circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)
	offlineQueue := queue.NewRedisQueue(rdb, breaker, queue.Options{
		KeyPrefix: cfg.Queue.KeyPrefix,
		TTL:       cfg.Queue.TTL,
		OpTimeout: cfg.Redis.OpTimeout(),
	}, log)

	hub := registry.NewHub(cfg.WS.WriteTimeout, log)
	coordinator := service.NewDeliveryCoordinator(store, offlineQueue, hub, nicknames, log)

	// MQ intake
	var consumer *mq.Consumer
	var publisher *mq.Publisher
	if cfg.MQ.Enabled {
		consumer, publisher = startConsumer(ctx, cfg, rdb, coordinator, log)
	}

	// HTTP
	wsHandler := wshandler.NewHandler(coordinator, wshandler.Config{
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongWait:       cfg.WS.PongWait,
		PingPeriod:     cfg.WS.PingPeriod,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		FrameRate:      cfg.WS.FrameRate,
		FrameBurst:     cfg.WS.FrameBurst,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, log)
	notificationHandler := handler.NewNotificationHandler(store, coordinator, log)

	readiness := map[string]httpserver.Pinger{
		"db":    store.Ping,
		"redis": func(ctx context.Context) error { return redisclient.Ping(ctx, rdb) },
	}
	if publisher != nil {
		readiness["mq"] = func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("mq connection closed")
			}
			return nil
		}
	}
	router := httpserver.NewRouter(notificationHandler, wsHandler, cfg.JWT.Secret, readiness, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("notification-service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down notification-service gracefully...")

	// 先停止接收新事件
	if consumer != nil {
		consumer.Stop()
	}
	if publisher != nil {
		publisher.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 未送达的通知仍在持久化存储中，客户端重连后可通过 REST 拉取
	closed := hub.CloseAll()
	log.Info("Closed live connections", zap.Int("count", closed))

	cancel()
	log.Info("notification-service shutdown complete")
}

// openStore picks the notification store by db.driver. The nickname resolver
// needs the platform's users table and is only available on postgres.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.NotificationStore, repository.NicknameResolver, func()) {
	switch cfg.DB.Driver {
	case "sqlite":
		dbx, err := db.NewSQLite(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to open SQLite", zap.Error(err))
		}
		store, err := repository.NewSQLiteNotificationRepository(ctx, dbx, log)
		if err != nil {
			log.Fatal("Failed to init SQLite store", zap.Error(err))
		}
		return store, nil, func() { _ = dbx.Close() }
	default:
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		store := repository.NewPostgresNotificationRepository(pool, log)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to ensure schema", zap.Error(err))
		}
		var nicknames repository.NicknameResolver
		if cfg.Notification.ResolveNicks {
			nicknames = repository.NewPostgresNicknameResolver(pool)
		}
		return store, nicknames, pool.Close
	}
}

func startConsumer(
	ctx context.Context,
	cfg *config.Config,
	rdb *redis.Client,
	coordinator *service.DeliveryCoordinator,
	log *zap.Logger,
) (*mq.Consumer, *mq.Publisher) {
	publisher, err := mq.NewPublisher(cfg.MQ.URL, "notification-service")
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	if err := publisher.EnsureDLQ(mqcontracts.RoutingKeyNotificationRequested); err != nil {
		log.Fatal("Failed to declare DLQ", zap.Error(err))
	}

	h := mqhandler.NewNotificationRequestedHandler(
		coordinator,
		util.NewDeduper(rdb, cfg.Notification.DedupTTL, log),
		util.NewRetryCounter(rdb, cfg.Notification.DedupTTL),
		publisher,
		int64(cfg.Notification.RetryMax),
		log,
	)

	log.Info("Initializing MQ consumer...",
		zap.String("queue", notificationQueue),
		zap.String("routing_key", mqcontracts.RoutingKeyNotificationRequested),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, notificationQueue, mqcontracts.RoutingKeyNotificationRequested, cfg.Notification.Prefetch, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	consumer.SetHandler(h.Handle)

	go func() {
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Fatal("Notification consumer failed", zap.Error(err))
		}
	}()
	return consumer, publisher
}
