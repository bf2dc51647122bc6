package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。nil 接收者上的方法都是空操作。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 同步指标
	SyncRunsTotal     *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	SyncMessagesTotal *prometheus.CounterVec
	SalesDetected     *prometheus.CounterVec
	SalesAmountTotal  *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	// 实时推送
	WebSocketClients prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics 在 reg 上注册监控指标
//
// reg 为 nil 时使用 prometheus 默认注册表。测试中传入 prometheus.NewRegistry()。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "onlycat_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SyncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_sync_runs_total",
				Help: "Total number of email sync runs by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onlycat_sync_duration_seconds",
				Help:    "Duration of email sync runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60, 120},
			},
		),
		SyncMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_sync_messages_total",
				Help: "Messages processed by the sync pipeline by result",
			},
			[]string{"result"},
		),
		SalesDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_sales_detected_total",
				Help: "Sales persisted by platform",
			},
			[]string{"platform"},
		),
		SalesAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_sales_amount_total",
				Help: "Sum of persisted sale amounts by platform",
			},
			[]string{"platform"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "onlycat_panics_total",
				Help: "Total number of recovered panics",
			},
		),
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlycat_rate_limit_blocks_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),
		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "onlycat_websocket_clients",
				Help: "Connected websocket clients",
			},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSyncRun 记录一次同步
func (m *Metrics) RecordSyncRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(duration.Seconds())
}

// RecordSyncMessage 记录单封邮件的处理结果
func (m *Metrics) RecordSyncMessage(result string) {
	if m == nil {
		return
	}
	m.SyncMessagesTotal.WithLabelValues(result).Inc()
}

// RecordSale 记录写入的销售
func (m *Metrics) RecordSale(platform string, amount float64) {
	if m == nil {
		return
	}
	m.SalesDetected.WithLabelValues(platform).Inc()
	m.SalesAmountTotal.WithLabelValues(platform).Add(amount)
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateWebSocketClients 更新在线连接数
func (m *Metrics) UpdateWebSocketClients(count int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(count))
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
