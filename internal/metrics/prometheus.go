package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics Prometheus 指标收集器
//
// 所有 Record/Update 方法都允许 nil 接收者, 未启用指标的组件直接传 nil。
type Metrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Hook 指标
	hooksActive       prometheus.Gauge
	hookInstallTotal  *prometheus.CounterVec
	hookDispatchTotal *prometheus.CounterVec
	hookErrorsTotal   *prometheus.CounterVec
	hookDispatchTime  *prometheus.HistogramVec

	// 会话指标
	sessionsTotal        *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionTimeoutsTotal prometheus.Counter
	protocolErrorsTotal  prometheus.Counter
	connectionsRejected  prometheus.Counter

	// 事务指标
	transactionsTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 持久化指标
	storeErrorsTotal   *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
}

// New 创建指标收集器
func New(logger *logrus.Logger, namespace string) *Metrics {
	if namespace == "" {
		namespace = "hookshell"
	}

	m := &Metrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		hooksActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hooks_active",
				Help:      "Number of registered hooks",
			},
		),
		hookInstallTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_install_total",
				Help:      "Hook add attempts by result",
			},
			[]string{"result"}, // ok, validation, resolution, wiring
		),
		hookDispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_dispatch_total",
				Help:      "Hook phase executions",
			},
			[]string{"phase"},
		),
		hookErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_dispatch_errors_total",
				Help:      "Hook phase executions that failed",
			},
			[]string{"phase"},
		),
		hookDispatchTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_dispatch_duration_seconds",
				Help:      "Hook phase execution latencies in seconds",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{"phase"},
		),

		sessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Accepted client sessions by protocol",
			},
			[]string{"protocol"}, // interactive, text
		),
		sessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Client sessions currently open",
			},
		),
		sessionTimeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_timeouts_total",
				Help:      "Sessions closed for lack of liveness",
			},
		),
		protocolErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Sessions closed on malformed frames",
			},
		),
		connectionsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_rejected_total",
				Help:      "Connections rejected because the worker queue was full",
			},
		),

		transactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions by opcode and reply code",
			},
			[]string{"code", "reply"},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Number of connection workers",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Connections waiting for a worker",
			},
		),

		storeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Document read/write failures",
			},
			[]string{"document", "op"},
		),
		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retry attempts by operation",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.WithField("namespace", namespace).Info("Prometheus metrics initialized")
	return m
}

// HTTPMiddleware gin 中间件, 记录请求数和耗时
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHookInstall 记录 Hook 添加结果
func (m *Metrics) RecordHookInstall(result string) {
	if m == nil {
		return
	}
	m.hookInstallTotal.WithLabelValues(result).Inc()
}

// SetHooksActive 更新已注册 Hook 数量
func (m *Metrics) SetHooksActive(n int) {
	if m == nil {
		return
	}
	m.hooksActive.Set(float64(n))
}

// RecordHookDispatch 记录一次阶段执行
func (m *Metrics) RecordHookDispatch(phase string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.hookDispatchTotal.WithLabelValues(phase).Inc()
	m.hookDispatchTime.WithLabelValues(phase).Observe(duration.Seconds())
	if failed {
		m.hookErrorsTotal.WithLabelValues(phase).Inc()
	}
}

// RecordSessionOpened 记录会话建立
func (m *Metrics) RecordSessionOpened(protocol string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(protocol).Inc()
	m.sessionsActive.Inc()
}

// RecordSessionClosed 记录会话关闭
func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordSessionTimeout 记录会话超时
func (m *Metrics) RecordSessionTimeout() {
	if m == nil {
		return
	}
	m.sessionTimeoutsTotal.Inc()
}

// RecordProtocolError 记录协议错误
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrorsTotal.Inc()
}

// RecordConnectionRejected 记录连接被拒绝
func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// RecordTransaction 记录事务调用
func (m *Metrics) RecordTransaction(code uint32, reply int) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(strconv.FormatUint(uint64(code), 10), strconv.Itoa(reply)).Inc()
}

// UpdateRuntimeStats 更新运行时统计
func (m *Metrics) UpdateRuntimeStats(alloc uint64, goroutines int, numGC uint32) {
	if m == nil {
		return
	}
	m.memoryUsage.Set(float64(alloc))
	m.goroutinesCount.Set(float64(goroutines))
	m.gcCount.Set(float64(numGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (m *Metrics) UpdateWorkerPoolStats(size, queueSize int) {
	if m == nil {
		return
	}
	m.workerPoolSize.Set(float64(size))
	m.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordStoreError 记录文档读写失败
func (m *Metrics) RecordStoreError(document, op string) {
	if m == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(document, op).Inc()
}

// RecordRetryAttempt 记录重试尝试
func (m *Metrics) RecordRetryAttempt(operation string, attempt int) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}
