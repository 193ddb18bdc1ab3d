package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 同时实现 runner.Recorder、hitl.Recorder、governor.StopRecorder 和 batch.Recorder。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 运行指标
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runSteps     prometheus.Histogram
	tokensTotal  *prometheus.CounterVec
	costTotal    prometheus.Counter
	governorStop prometheus.Counter

	// 人工决策指标
	decisionsRequested *prometheus.CounterVec
	decisionsResolved  *prometheus.CounterVec
	decisionsPending   prometheus.Gauge

	// 批处理指标
	batchItemsTotal *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器，注册到指定 registerer
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 运行指标。浏览器任务通常持续数分钟
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of agent runs by action and final status",
		},
		[]string{"action", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"action"},
	)

	c.runSteps = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_steps",
			Help:      "Number of agent steps per run",
			Buckets:   prometheus.LinearBuckets(5, 5, 6),
		},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of tokens used",
		},
		[]string{"type"}, // type: input, output
	)

	c.costTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total model cost in USD",
		},
	)

	c.governorStop = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_stops_total",
			Help:      "Runs force-stopped at the step ceiling",
		},
	)

	// 人工决策指标
	c.decisionsRequested = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_requested_total",
			Help:      "Decision prompts published to operators",
		},
		[]string{"kind"},
	)

	c.decisionsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_resolved_total",
			Help:      "Decision waits ended, by outcome",
		},
		[]string{"outcome"}, // answered, canceled, abandoned
	)

	c.decisionsPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_pending",
			Help:      "Decisions currently waiting for an operator",
		},
	)

	// 批处理指标
	c.batchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items reaching a terminal status",
		},
		[]string{"status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 运行指标记录
// =============================================================================

// RecordRun 记录一次运行结束
func (c *Collector) RecordRun(action, status string, duration time.Duration, steps int) {
	c.runsTotal.WithLabelValues(action, status).Inc()
	c.runDuration.WithLabelValues(action).Observe(duration.Seconds())
	c.runSteps.Observe(float64(steps))
}

// RecordUsage 记录 token 与成本
func (c *Collector) RecordUsage(inputTokens, outputTokens int, cost float64) {
	c.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	c.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	if cost > 0 {
		c.costTotal.Add(cost)
	}
}

// RecordGovernorStop 记录一次强制停止
func (c *Collector) RecordGovernorStop() {
	c.governorStop.Inc()
}

// =============================================================================
// 🙋 人工决策指标记录
// =============================================================================

// RecordDecisionRequested 记录一次决策提示
func (c *Collector) RecordDecisionRequested(kind string) {
	c.decisionsRequested.WithLabelValues(kind).Inc()
}

// RecordDecisionResolved 记录决策结束方式
func (c *Collector) RecordDecisionResolved(outcome string) {
	c.decisionsResolved.WithLabelValues(outcome).Inc()
}

// SetDecisionsPending 设置当前待决数量
func (c *Collector) SetDecisionsPending(n int) {
	c.decisionsPending.Set(float64(n))
}

// RecordBatchItem 记录批处理条目终态
func (c *Collector) RecordBatchItem(status string) {
	c.batchItemsTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
