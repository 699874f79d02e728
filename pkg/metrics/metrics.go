package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery paths
const (
	PathLive  = "live"
	PathDrain = "drain"
)

var (
	// 持久化的通知数量
	NotificationsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_persisted_total",
			Help: "Notifications appended to the permanent store",
		},
		[]string{"type"},
	)

	// 通过连接推送成功的通知数量
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications pushed over a live connection",
		},
		[]string{"path"}, // path: live, drain
	)

	NotificationsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Notifications written to the offline queue",
		},
	)

	// drain 过程中因连接断开而丢弃的条目（仍保存在数据库）
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Offline entries dropped without live delivery",
		},
		[]string{"reason"},
	)

	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_queue_errors_total",
			Help: "Offline queue operation failures",
		},
		[]string{"operation"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Currently registered live connections",
		},
	)

	// 单次推送写入耗时（秒）
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ws_send_duration_seconds",
			Help:    "Time spent writing a frame to a live connection",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"result"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)
)

func IncrementPersisted(notificationType string) {
	NotificationsPersisted.WithLabelValues(notificationType).Inc()
}

func IncrementDelivered(path string) {
	NotificationsDelivered.WithLabelValues(path).Inc()
}

func IncrementQueued() {
	NotificationsQueued.Inc()
}

func AddDropped(reason string, n int) {
	NotificationsDropped.WithLabelValues(reason).Add(float64(n))
}

func IncrementQueueError(operation string) {
	QueueErrors.WithLabelValues(operation).Inc()
}

// RecordSend 记录一次推送写入
func RecordSend(ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	SendDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, _ time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, result string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, result).Observe(float64(duration.Milliseconds()))
}

func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
